package resolver

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/mfenderov/gigsync/internal/catalog"
	"github.com/mfenderov/gigsync/internal/normalize"
	"github.com/mfenderov/gigsync/pkg/models"
	"github.com/mmcloughlin/geohash"
)

// storedPrecision is the geohash length saved with each venue (~5m cells).
const storedPrecision = 9

// cellHeights are the approximate north-south extents in meters of geohash
// cells by length; height is the smaller dimension at every length.
var cellHeights = []float64{0, 5_000_000, 625_000, 156_000, 19_500, 4_890, 610, 153, 19, 4.8}

// ResolveVenue matches on (normalized name, city, country), then on
// proximity within the same city when coordinates are known.
func (r *Resolver) ResolveVenue(ctx context.Context, sv models.ScrapedVenue) (models.Venue, bool, error) {
	normalized := normalize.Name(sv.Name)
	if normalized == "" {
		return models.Venue{}, false, fmt.Errorf("venue name %q normalizes to nothing", sv.Name)
	}
	country := normalize.Country(sv.Country)

	v, err := r.matchVenue(ctx, sv, normalized, country)
	if err == nil {
		r.metrics.Resolution("venue", "matched")
		return *v, false, nil
	}
	if !errors.Is(err, catalog.ErrNotFound) {
		r.metrics.Resolution("venue", "error")
		return models.Venue{}, false, fmt.Errorf("failed to match venue %q: %w", sv.Name, err)
	}

	now := r.now().UTC()
	created := models.Venue{
		ID:             uuid.NewString(),
		Name:           sv.Name,
		NormalizedName: normalized,
		City:           sv.City,
		State:          sv.State,
		Country:        country,
		Latitude:       sv.Latitude,
		Longitude:      sv.Longitude,
		Source:         sv.Source,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if created.HasCoordinates() {
		created.Geohash = geohash.EncodeWithPrecision(*sv.Latitude, *sv.Longitude, storedPrecision)
	}

	err = r.catalog.InsertVenue(ctx, created)
	if errors.Is(err, catalog.ErrConflict) {
		winner, merr := r.matchVenue(ctx, sv, normalized, country)
		if merr != nil {
			return models.Venue{}, false, fmt.Errorf("failed to match venue %q after conflict: %w", sv.Name, merr)
		}
		r.metrics.Resolution("venue", "conflict")
		return *winner, false, nil
	}
	if err != nil {
		r.metrics.Resolution("venue", "error")
		return models.Venue{}, false, fmt.Errorf("failed to create venue %q: %w", sv.Name, err)
	}
	r.metrics.Resolution("venue", "created")
	return created, true, nil
}

func (r *Resolver) matchVenue(ctx context.Context, sv models.ScrapedVenue, normalized, country string) (*models.Venue, error) {
	v, err := r.catalog.FindVenue(ctx, normalized, sv.City, country)
	if !errors.Is(err, catalog.ErrNotFound) {
		return v, err
	}
	if sv.Latitude == nil || sv.Longitude == nil {
		return nil, catalog.ErrNotFound
	}
	return r.nearestVenue(ctx, *sv.Latitude, *sv.Longitude, sv.City, country)
}

// nearestVenue returns the closest venue in the same city and country
// within the configured radius.
func (r *Resolver) nearestVenue(ctx context.Context, lat, lng float64, city, country string) (*models.Venue, error) {
	center := geohash.EncodeWithPrecision(lat, lng, cellPrecision(r.cfg.GeoRadiusMeters))
	cells := append([]string{center}, geohash.Neighbors(center)...)

	candidates, err := r.catalog.FindVenuesByGeohash(ctx, cells)
	if err != nil {
		return nil, err
	}

	cityKey := normalize.Text(city)
	var (
		best     *models.Venue
		bestDist = math.Inf(1)
	)
	for i := range candidates {
		c := &candidates[i]
		if !c.HasCoordinates() || c.Country != country || normalize.Text(c.City) != cityKey {
			continue
		}
		d := haversine(lat, lng, *c.Latitude, *c.Longitude)
		if d < r.cfg.GeoRadiusMeters && d < bestDist {
			best, bestDist = c, d
		}
	}
	if best == nil {
		return nil, catalog.ErrNotFound
	}
	return best, nil
}

// cellPrecision picks the longest geohash whose cells are at least radius
// tall, so the center cell and its neighbors cover the whole radius.
func cellPrecision(radius float64) uint {
	for p := len(cellHeights) - 1; p > 1; p-- {
		if cellHeights[p] >= radius {
			return uint(p)
		}
	}
	return 1
}

const earthRadiusMeters = 6_371_000

func haversine(lat1, lng1, lat2, lng2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLng := (lng2 - lng1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(a))
}
