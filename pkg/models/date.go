package models

import (
	"strings"
	"time"
)

// DateLayout is the canonical calendar-date encoding.
const DateLayout = "2006-01-02"

// Date is a plain calendar date with no time zone, encoded as YYYY-MM-DD.
type Date string

// NewDate truncates t to its calendar date in t's own location.
func NewDate(t time.Time) Date {
	return Date(t.Format(DateLayout))
}

// Valid reports whether d is a well-formed calendar date.
func (d Date) Valid() bool {
	_, err := time.Parse(DateLayout, string(d))
	return err == nil
}

// Time returns midnight UTC of d. Invalid dates yield the zero time.
func (d Date) Time() time.Time {
	t, err := time.Parse(DateLayout, string(d))
	if err != nil {
		return time.Time{}
	}
	return t
}

func (d Date) String() string {
	return string(d)
}

var dateLayouts = []string{
	DateLayout,
	"02-01-2006",
	"2006/01/02",
	"01/02/2006",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"January 2, 2006",
	"2 January 2006",
}

// ParseDate accepts the date formats providers emit and re-emits a plain
// calendar date. Timestamps keep the calendar day they were written in.
func ParseDate(s string) (Date, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return NewDate(t), true
		}
	}
	return "", false
}
