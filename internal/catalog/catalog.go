// Package catalog is the SQL repository for canonical artists, venues and
// concerts.
package catalog

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/mfenderov/gigsync/pkg/models"
)

var (
	// ErrNotFound is returned by lookups that match nothing.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an insert hits a unique constraint,
	// meaning a concurrent writer created the same entity first.
	ErrConflict = errors.New("conflicting record already exists")
)

//go:embed schema.sql
var schema string

// Store is the storage engine the catalog runs on.
type Store interface {
	Insert(ctx context.Context, table models.TableKind, rows []map[string]any) (int64, error)
	Query(ctx context.Context, sql string, args ...any) ([]map[string]any, error)
	Command(ctx context.Context, sql string, args ...any) (int64, error)
	Exec(ctx context.Context, script string) error
}

// Catalog reads and writes canonical entities.
type Catalog struct {
	store Store
}

// New creates a Catalog over store.
func New(store Store) *Catalog {
	return &Catalog{store: store}
}

// Migrate creates the catalog tables and indexes if they do not exist.
func (c *Catalog) Migrate(ctx context.Context) error {
	if err := c.store.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate catalog: %w", err)
	}
	return nil
}

const artistColumns = `id, name, normalized_name, mbid, spotify_id, concert_count, verified, source, created_at, updated_at`

// FindArtistByExternalID matches on the metadata provider id or the
// streaming provider id. Empty ids are ignored.
func (c *Catalog) FindArtistByExternalID(ctx context.Context, mbid, spotifyID string) (*models.Artist, error) {
	if mbid == "" && spotifyID == "" {
		return nil, ErrNotFound
	}
	return c.oneArtist(ctx,
		`SELECT `+artistColumns+` FROM artists
		 WHERE ($1 <> '' AND mbid = $1) OR ($2 <> '' AND spotify_id = $2)
		 ORDER BY created_at LIMIT 1`, mbid, spotifyID)
}

// FindArtistByName matches on normalized name, oldest record first.
func (c *Catalog) FindArtistByName(ctx context.Context, normalized string) (*models.Artist, error) {
	return c.oneArtist(ctx,
		`SELECT `+artistColumns+` FROM artists WHERE normalized_name = $1 ORDER BY created_at LIMIT 1`, normalized)
}

// FindArtistByAlias matches on a normalized alias.
func (c *Catalog) FindArtistByAlias(ctx context.Context, normalized string) (*models.Artist, error) {
	return c.oneArtist(ctx,
		`SELECT a.id, a.name, a.normalized_name, a.mbid, a.spotify_id, a.concert_count, a.verified, a.source, a.created_at, a.updated_at
		 FROM artists a JOIN artist_aliases aa ON aa.artist_id = a.id
		 WHERE aa.normalized_alias = $1 ORDER BY a.created_at LIMIT 1`, normalized)
}

func (c *Catalog) oneArtist(ctx context.Context, sql string, args ...any) (*models.Artist, error) {
	rows, err := c.store.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	a := artistFromRow(rows[0])
	return &a, nil
}

// InsertArtist creates a. It returns ErrConflict when a record with the
// same external id already exists.
func (c *Catalog) InsertArtist(ctx context.Context, a models.Artist) error {
	return c.insertOne(ctx, a)
}

// ArtistAliases returns the normalized aliases of an artist.
func (c *Catalog) ArtistAliases(ctx context.Context, artistID string) ([]string, error) {
	rows, err := c.store.Query(ctx,
		`SELECT normalized_alias FROM artist_aliases WHERE artist_id = $1`, artistID)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(rows))
	for _, r := range rows {
		out = append(out, str(r, "normalized_alias"))
	}
	return out, nil
}

// InsertAliases appends aliases, skipping ones already present.
func (c *Catalog) InsertAliases(ctx context.Context, aliases []models.ArtistAlias) error {
	if len(aliases) == 0 {
		return nil
	}
	rows := make([]map[string]any, len(aliases))
	for i, a := range aliases {
		if err := a.Validate().Err(a.Kind()); err != nil {
			return err
		}
		rows[i] = a.Row()
	}
	_, err := c.store.Insert(ctx, models.TableArtistAliases, rows)
	return err
}

const venueColumns = `id, name, normalized_name, city, state, country, latitude, longitude, geohash, concert_count, verified, source, created_at, updated_at`

// FindVenue matches on normalized name, city (case-insensitive) and country.
func (c *Catalog) FindVenue(ctx context.Context, normalizedName, city, country string) (*models.Venue, error) {
	rows, err := c.store.Query(ctx,
		`SELECT `+venueColumns+` FROM venues
		 WHERE normalized_name = $1 AND lower(city) = lower($2) AND country = $3
		 ORDER BY created_at LIMIT 1`, normalizedName, city, country)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	v := venueFromRow(rows[0])
	return &v, nil
}

// FindVenuesByGeohash returns venues whose geohash starts with any of cells.
func (c *Catalog) FindVenuesByGeohash(ctx context.Context, cells []string) ([]models.Venue, error) {
	if len(cells) == 0 {
		return nil, nil
	}
	patterns := make([]string, len(cells))
	for i, cell := range cells {
		patterns[i] = cell + "%"
	}
	rows, err := c.store.Query(ctx,
		`SELECT `+venueColumns+` FROM venues WHERE geohash LIKE ANY($1) ORDER BY created_at`, patterns)
	if err != nil {
		return nil, err
	}
	out := make([]models.Venue, 0, len(rows))
	for _, r := range rows {
		out = append(out, venueFromRow(r))
	}
	return out, nil
}

// InsertVenue creates v. It returns ErrConflict when the same venue exists.
func (c *Catalog) InsertVenue(ctx context.Context, v models.Venue) error {
	return c.insertOne(ctx, v)
}

const concertColumns = `id, artist_id, venue_id, date, tour_name, event_name, setlist, attendance_count, verified, source, source_url, created_at, updated_at`

// FindConcert matches on the (artist, venue, date) identity.
func (c *Catalog) FindConcert(ctx context.Context, artistID, venueID string, date models.Date) (*models.Concert, error) {
	rows, err := c.store.Query(ctx,
		`SELECT `+concertColumns+` FROM concerts WHERE artist_id = $1 AND venue_id = $2 AND date = $3`,
		artistID, venueID, date.Time())
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	con := concertFromRow(rows[0])
	return &con, nil
}

// InsertConcert creates con. It returns ErrConflict when a concert with the
// same identity exists.
func (c *Catalog) InsertConcert(ctx context.Context, con models.Concert) error {
	return c.insertOne(ctx, con)
}

// ConcertViews loads concerts joined with artist and venue for indexing.
func (c *Catalog) ConcertViews(ctx context.Context, ids []string) ([]models.ConcertView, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := c.store.Query(ctx,
		`SELECT c.id, c.artist_id, c.venue_id, c.date, c.tour_name, c.event_name, c.setlist,
		        c.attendance_count, c.verified, c.source, c.source_url, c.created_at, c.updated_at,
		        a.name AS artist_name, v.name AS venue_name, v.city AS venue_city,
		        v.country AS venue_country, v.latitude AS venue_latitude, v.longitude AS venue_longitude
		 FROM concerts c
		 JOIN artists a ON a.id = c.artist_id
		 JOIN venues v ON v.id = c.venue_id
		 WHERE c.id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	out := make([]models.ConcertView, 0, len(rows))
	for _, r := range rows {
		out = append(out, models.ConcertView{
			Concert:    concertFromRow(r),
			ArtistName: str(r, "artist_name"),
			VenueName:  str(r, "venue_name"),
			City:       str(r, "venue_city"),
			Country:    str(r, "venue_country"),
			Latitude:   floatPtr(r, "venue_latitude"),
			Longitude:  floatPtr(r, "venue_longitude"),
		})
	}
	return out, nil
}

func (c *Catalog) insertOne(ctx context.Context, r models.Record) error {
	if err := r.Validate().Err(r.Kind()); err != nil {
		return err
	}
	n, err := c.store.Insert(ctx, r.Kind(), []map[string]any{r.Row()})
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func artistFromRow(r map[string]any) models.Artist {
	return models.Artist{
		ID:             str(r, "id"),
		Name:           str(r, "name"),
		NormalizedName: str(r, "normalized_name"),
		MBID:           str(r, "mbid"),
		SpotifyID:      str(r, "spotify_id"),
		ConcertCount:   integer(r, "concert_count"),
		Verified:       boolean(r, "verified"),
		Source:         str(r, "source"),
		CreatedAt:      timestamp(r, "created_at"),
		UpdatedAt:      timestamp(r, "updated_at"),
	}
}

func venueFromRow(r map[string]any) models.Venue {
	return models.Venue{
		ID:             str(r, "id"),
		Name:           str(r, "name"),
		NormalizedName: str(r, "normalized_name"),
		City:           str(r, "city"),
		State:          str(r, "state"),
		Country:        str(r, "country"),
		Latitude:       floatPtr(r, "latitude"),
		Longitude:      floatPtr(r, "longitude"),
		Geohash:        str(r, "geohash"),
		ConcertCount:   integer(r, "concert_count"),
		Verified:       boolean(r, "verified"),
		Source:         str(r, "source"),
		CreatedAt:      timestamp(r, "created_at"),
		UpdatedAt:      timestamp(r, "updated_at"),
	}
}

func concertFromRow(r map[string]any) models.Concert {
	return models.Concert{
		ID:              str(r, "id"),
		ArtistID:        str(r, "artist_id"),
		VenueID:         str(r, "venue_id"),
		Date:            models.NewDate(timestamp(r, "date")),
		TourName:        str(r, "tour_name"),
		EventName:       str(r, "event_name"),
		Setlist:         stringSlice(r, "setlist"),
		AttendanceCount: integer(r, "attendance_count"),
		Verified:        boolean(r, "verified"),
		Source:          str(r, "source"),
		SourceURL:       str(r, "source_url"),
		CreatedAt:       timestamp(r, "created_at"),
		UpdatedAt:       timestamp(r, "updated_at"),
	}
}

func str(r map[string]any, key string) string {
	s, _ := r[key].(string)
	return s
}

func integer(r map[string]any, key string) int {
	switch v := r[key].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

func boolean(r map[string]any, key string) bool {
	b, _ := r[key].(bool)
	return b
}

func floatPtr(r map[string]any, key string) *float64 {
	f, ok := r[key].(float64)
	if !ok {
		return nil
	}
	return &f
}

func timestamp(r map[string]any, key string) time.Time {
	t, _ := r[key].(time.Time)
	return t
}

func stringSlice(r map[string]any, key string) []string {
	switch v := r[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
