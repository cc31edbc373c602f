package models

import (
	"fmt"
	"strings"
)

// TableKind names a catalog table that records are written to.
type TableKind string

const (
	TableArtists        TableKind = "artists"
	TableArtistAliases  TableKind = "artist_aliases"
	TableVenues         TableKind = "venues"
	TableConcerts       TableKind = "concerts"
	TableConcertSources TableKind = "concert_sources"
)

// Record is a typed row bound for one catalog table.
type Record interface {
	Kind() TableKind
	Validate() Validation
	Row() map[string]any
}

// FieldError describes one invalid or missing field.
type FieldError struct {
	Field   string
	Message string
}

func (e FieldError) Error() string {
	return e.Field + ": " + e.Message
}

// Validation is the outcome of validating a record. A zero value is valid.
type Validation struct {
	Errors []FieldError
}

// OK reports whether no field errors were found.
func (v Validation) OK() bool {
	return len(v.Errors) == 0
}

// Err returns a *ValidationError for kind, or nil when the record is valid.
func (v Validation) Err(kind TableKind) error {
	if v.OK() {
		return nil
	}
	return &ValidationError{Kind: kind, Errors: v.Errors}
}

func (v *Validation) require(field, value string) {
	if strings.TrimSpace(value) == "" {
		v.Errors = append(v.Errors, FieldError{Field: field, Message: "required"})
	}
}

func (v *Validation) add(field, msg string) {
	v.Errors = append(v.Errors, FieldError{Field: field, Message: msg})
}

// ValidationError is returned when a record fails its schema check.
type ValidationError struct {
	Kind   TableKind
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		parts[i] = fe.Error()
	}
	return fmt.Sprintf("validation failed for %s: %s", e.Kind, strings.Join(parts, "; "))
}
