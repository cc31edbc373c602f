package models

import "time"

// Artist is the canonical record for one real-world performer.
type Artist struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	NormalizedName string    `json:"normalized_name"`
	MBID           string    `json:"mbid,omitempty"`       // music-metadata provider id
	SpotifyID      string    `json:"spotify_id,omitempty"` // streaming provider id
	ConcertCount   int       `json:"concert_count"`
	Verified       bool      `json:"verified"`
	Source         string    `json:"source"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (a Artist) Kind() TableKind { return TableArtists }

func (a Artist) Validate() Validation {
	var v Validation
	v.require("id", a.ID)
	v.require("name", a.Name)
	v.require("normalized_name", a.NormalizedName)
	v.require("source", a.Source)
	if a.ConcertCount < 0 {
		v.add("concert_count", "must not be negative")
	}
	return v
}

func (a Artist) Row() map[string]any {
	return map[string]any{
		"id":              a.ID,
		"name":            a.Name,
		"normalized_name": a.NormalizedName,
		"mbid":            nullable(a.MBID),
		"spotify_id":      nullable(a.SpotifyID),
		"concert_count":   a.ConcertCount,
		"verified":        a.Verified,
		"source":          a.Source,
		"created_at":      a.CreatedAt,
		"updated_at":      a.UpdatedAt,
	}
}

// AliasType classifies an alternate artist name.
type AliasType string

const (
	AliasAlternateSpelling AliasType = "alternate_spelling"
	AliasFormerName        AliasType = "former_name"
	AliasSortName          AliasType = "sort_name"
	AliasProviderName      AliasType = "provider_name"
)

// ArtistAlias is an alternate name owned by one artist. Aliases are append-only.
type ArtistAlias struct {
	ArtistID        string    `json:"artist_id"`
	Alias           string    `json:"alias"`
	NormalizedAlias string    `json:"normalized_alias"`
	AliasType       AliasType `json:"alias_type"`
	CreatedAt       time.Time `json:"created_at"`
}

func (a ArtistAlias) Kind() TableKind { return TableArtistAliases }

func (a ArtistAlias) Validate() Validation {
	var v Validation
	v.require("artist_id", a.ArtistID)
	v.require("alias", a.Alias)
	v.require("normalized_alias", a.NormalizedAlias)
	switch a.AliasType {
	case AliasAlternateSpelling, AliasFormerName, AliasSortName, AliasProviderName:
	default:
		v.add("alias_type", "unknown alias type")
	}
	return v
}

func (a ArtistAlias) Row() map[string]any {
	return map[string]any{
		"artist_id":        a.ArtistID,
		"alias":            a.Alias,
		"normalized_alias": a.NormalizedAlias,
		"alias_type":       string(a.AliasType),
		"created_at":       a.CreatedAt,
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
