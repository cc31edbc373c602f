package models

import "encoding/json"

// ScrapedArtist is a provider-tagged artist as seen in a fetched page.
type ScrapedArtist struct {
	ExternalID string   `json:"external_id,omitempty"`
	MBID       string   `json:"mbid,omitempty"`
	SpotifyID  string   `json:"spotify_id,omitempty"`
	Name       string   `json:"name"`
	Aliases    []string `json:"aliases,omitempty"`
	Source     string   `json:"source"`
}

// ScrapedVenue is a provider-tagged venue as seen in a fetched page.
type ScrapedVenue struct {
	ExternalID string   `json:"external_id,omitempty"`
	Name       string   `json:"name"`
	City       string   `json:"city"`
	State      string   `json:"state,omitempty"`
	Country    string   `json:"country"`
	Latitude   *float64 `json:"latitude,omitempty"`
	Longitude  *float64 `json:"longitude,omitempty"`
	Source     string   `json:"source"`
}

// ScrapedConcert is the pre-reconciliation form of a concert. It is never
// persisted directly.
type ScrapedConcert struct {
	ExternalID string          `json:"external_id,omitempty"`
	Artist     ScrapedArtist   `json:"artist"`
	Venue      ScrapedVenue    `json:"venue"`
	Date       Date            `json:"date"`
	TourName   string          `json:"tour_name,omitempty"`
	EventName  string          `json:"event_name,omitempty"`
	Setlist    []string        `json:"setlist,omitempty"`
	URL        string          `json:"url,omitempty"`
	Source     string          `json:"source"`
	Raw        json.RawMessage `json:"-"`
}

// Validate checks the fields resolution depends on.
func (c ScrapedConcert) Validate() Validation {
	var v Validation
	v.require("source", c.Source)
	v.require("artist.name", c.Artist.Name)
	v.require("venue.name", c.Venue.Name)
	v.require("venue.city", c.Venue.City)
	v.require("venue.country", c.Venue.Country)
	if !c.Date.Valid() {
		v.add("date", "must be a YYYY-MM-DD calendar date")
	}
	return v
}
