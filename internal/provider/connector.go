// Package provider holds the contract shared by concert data sources, the
// rate-limited request queue they fetch through, and a registry of
// connector constructors by provider name.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"sort"

	"github.com/mfenderov/gigsync/internal/config"
	"github.com/mfenderov/gigsync/pkg/models"
)

// DiscoverParams filters a discovery search. Date bounds are inclusive.
type DiscoverParams struct {
	ArtistName  string
	City        string
	CountryCode string
	VenueName   string
	Genre       string
	StartDate   models.Date
	EndDate     models.Date
	Limit       int
	Offset      int
}

// Page is one fetched page of concerts.
type Page struct {
	Number   int
	Total    int // total pages reported by the provider
	Concerts []models.ScrapedConcert
	Raw      json.RawMessage
	// Dropped counts records that could not be converted.
	Dropped int
}

// Connector fetches concerts from one provider. Each sequence paginates
// until limit records have been yielded (0 means no limit) or the provider
// has no more pages. A fetch error is yielded once and ends the sequence.
type Connector interface {
	Name() string
	Discover(ctx context.Context, params DiscoverParams) iter.Seq2[Page, error]
	ScrapeByArtist(ctx context.Context, artistID string, limit int) iter.Seq2[Page, error]
	ScrapeByVenue(ctx context.Context, venueID string, limit int) iter.Seq2[Page, error]
	// Close drains in-flight requests.
	Close() error
}

// Constructor creates a Connector from its configuration.
type Constructor func(cfg config.Provider, deps Deps) (Connector, error)

var registry = map[string]Constructor{}

// Register adds a connector constructor under the given provider name.
func Register(name string, ctor Constructor) {
	registry[name] = ctor
}

// Get returns the connector constructor for the given provider name.
func Get(name string) (Constructor, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	return ctor, nil
}

// Providers returns the names of all registered providers, sorted.
func Providers() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
