package models

import "time"

// Venue is the canonical record for one physical venue.
type Venue struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	NormalizedName string    `json:"normalized_name"`
	City           string    `json:"city"`
	State          string    `json:"state,omitempty"`
	Country        string    `json:"country"`
	Latitude       *float64  `json:"latitude,omitempty"`
	Longitude      *float64  `json:"longitude,omitempty"`
	Geohash        string    `json:"geohash,omitempty"`
	ConcertCount   int       `json:"concert_count"`
	Verified       bool      `json:"verified"`
	Source         string    `json:"source"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// HasCoordinates reports whether both latitude and longitude are known.
func (v Venue) HasCoordinates() bool {
	return v.Latitude != nil && v.Longitude != nil
}

func (v Venue) Kind() TableKind { return TableVenues }

func (v Venue) Validate() Validation {
	var r Validation
	r.require("id", v.ID)
	r.require("name", v.Name)
	r.require("normalized_name", v.NormalizedName)
	r.require("city", v.City)
	r.require("country", v.Country)
	r.require("source", v.Source)
	if (v.Latitude == nil) != (v.Longitude == nil) {
		r.add("coordinates", "latitude and longitude must be set together")
	}
	if v.Latitude != nil && (*v.Latitude < -90 || *v.Latitude > 90) {
		r.add("latitude", "out of range")
	}
	if v.Longitude != nil && (*v.Longitude < -180 || *v.Longitude > 180) {
		r.add("longitude", "out of range")
	}
	return r
}

func (v Venue) Row() map[string]any {
	return map[string]any{
		"id":              v.ID,
		"name":            v.Name,
		"normalized_name": v.NormalizedName,
		"city":            v.City,
		"state":           nullable(v.State),
		"country":         v.Country,
		"latitude":        v.Latitude,
		"longitude":       v.Longitude,
		"geohash":         nullable(v.Geohash),
		"concert_count":   v.ConcertCount,
		"verified":        v.Verified,
		"source":          v.Source,
		"created_at":      v.CreatedAt,
		"updated_at":      v.UpdatedAt,
	}
}
