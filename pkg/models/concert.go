package models

import (
	"encoding/json"
	"time"
)

// Concert is the canonical record for one performance. At most one concert
// exists per (ArtistID, VenueID, Date).
type Concert struct {
	ID              string    `json:"id"`
	ArtistID        string    `json:"artist_id"`
	VenueID         string    `json:"venue_id"`
	Date            Date      `json:"date"`
	TourName        string    `json:"tour_name,omitempty"`
	EventName       string    `json:"event_name,omitempty"`
	Setlist         []string  `json:"setlist,omitempty"`
	AttendanceCount int       `json:"attendance_count"`
	Verified        bool      `json:"verified"`
	Source          string    `json:"source"`
	SourceURL       string    `json:"source_url,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (c Concert) Kind() TableKind { return TableConcerts }

func (c Concert) Validate() Validation {
	var v Validation
	v.require("id", c.ID)
	v.require("artist_id", c.ArtistID)
	v.require("venue_id", c.VenueID)
	v.require("source", c.Source)
	if !c.Date.Valid() {
		v.add("date", "must be a YYYY-MM-DD calendar date")
	}
	if c.AttendanceCount < 0 {
		v.add("attendance_count", "must not be negative")
	}
	return v
}

func (c Concert) Row() map[string]any {
	return map[string]any{
		"id":               c.ID,
		"artist_id":        c.ArtistID,
		"venue_id":         c.VenueID,
		"date":             c.Date.Time(),
		"tour_name":        nullable(c.TourName),
		"event_name":       nullable(c.EventName),
		"setlist":          c.Setlist,
		"attendance_count": c.AttendanceCount,
		"verified":         c.Verified,
		"source":           c.Source,
		"source_url":       nullable(c.SourceURL),
		"created_at":       c.CreatedAt,
		"updated_at":       c.UpdatedAt,
	}
}

// ConcertSource is an append-only provenance row: one per concert per scrape.
type ConcertSource struct {
	ConcertID  string          `json:"concert_id"`
	SourceType string          `json:"source_type"`
	ExternalID string          `json:"external_id,omitempty"`
	RawPayload json.RawMessage `json:"raw_payload,omitempty"`
	ScrapedAt  time.Time       `json:"scraped_at"`
}

func (s ConcertSource) Kind() TableKind { return TableConcertSources }

func (s ConcertSource) Validate() Validation {
	var v Validation
	v.require("concert_id", s.ConcertID)
	v.require("source_type", s.SourceType)
	if s.ScrapedAt.IsZero() {
		v.add("scraped_at", "required")
	}
	if len(s.RawPayload) > 0 && !json.Valid(s.RawPayload) {
		v.add("raw_payload", "must be valid JSON")
	}
	return v
}

func (s ConcertSource) Row() map[string]any {
	var raw any
	if len(s.RawPayload) > 0 {
		raw = string(s.RawPayload)
	}
	return map[string]any{
		"concert_id":  s.ConcertID,
		"source_type": s.SourceType,
		"external_id": nullable(s.ExternalID),
		"raw_payload": raw,
		"scraped_at":  s.ScrapedAt,
	}
}

// ConcertView is a concert joined with its artist and venue, as mirrored
// into the search index.
type ConcertView struct {
	Concert
	ArtistName string   `json:"artist_name"`
	VenueName  string   `json:"venue_name"`
	City       string   `json:"city"`
	Country    string   `json:"country"`
	Latitude   *float64 `json:"latitude,omitempty"`
	Longitude  *float64 `json:"longitude,omitempty"`
}
