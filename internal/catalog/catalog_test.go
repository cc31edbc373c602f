package catalog

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/mfenderov/gigsync/internal/config"
	"github.com/mfenderov/gigsync/internal/db"
	"github.com/mfenderov/gigsync/pkg/models"
)

// stubStore returns canned rows and records what was written.
type stubStore struct {
	rows     []map[string]any
	inserted int64
	queries  []string
	writes   []models.TableKind
}

func (s *stubStore) Insert(ctx context.Context, table models.TableKind, rows []map[string]any) (int64, error) {
	s.writes = append(s.writes, table)
	return s.inserted, nil
}

func (s *stubStore) Query(ctx context.Context, sql string, args ...any) ([]map[string]any, error) {
	s.queries = append(s.queries, sql)
	return s.rows, nil
}

func (s *stubStore) Command(ctx context.Context, sql string, args ...any) (int64, error) {
	return 0, nil
}

func (s *stubStore) Exec(ctx context.Context, script string) error { return nil }

func TestFindArtist_MapsRow(t *testing.T) {
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	store := &stubStore{rows: []map[string]any{{
		"id":              "a1",
		"name":            "Radiohead",
		"normalized_name": "radiohead",
		"mbid":            "mb-1",
		"spotify_id":      nil,
		"concert_count":   int32(7),
		"verified":        true,
		"source":          "setlistfm",
		"created_at":      created,
	}}}

	a, err := New(store).FindArtistByName(context.Background(), "radiohead")
	if err != nil {
		t.Fatalf("FindArtistByName() error = %v", err)
	}
	if a.ID != "a1" || a.MBID != "mb-1" || a.SpotifyID != "" || a.ConcertCount != 7 || !a.Verified {
		t.Errorf("unexpected artist: %+v", a)
	}
	if !a.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v", a.CreatedAt)
	}
}

func TestFind_NotFound(t *testing.T) {
	c := New(&stubStore{})
	ctx := context.Background()

	if _, err := c.FindArtistByAlias(ctx, "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindArtistByAlias() error = %v, want ErrNotFound", err)
	}
	if _, err := c.FindVenue(ctx, "x", "y", "Z"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindVenue() error = %v, want ErrNotFound", err)
	}
	if _, err := c.FindConcert(ctx, "a", "v", "2024-01-01"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FindConcert() error = %v, want ErrNotFound", err)
	}
}

func TestFindArtistByExternalID_NoIDs(t *testing.T) {
	store := &stubStore{}
	if _, err := New(store).FindArtistByExternalID(context.Background(), "", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
	if len(store.queries) != 0 {
		t.Error("should not query without ids")
	}
}

func TestConcertFromRow(t *testing.T) {
	c := concertFromRow(map[string]any{
		"id":      "c1",
		"date":    time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		"setlist": []any{"Airbag", "Karma Police"},
	})
	if c.Date != "2024-03-01" {
		t.Errorf("Date = %s", c.Date)
	}
	if len(c.Setlist) != 2 || c.Setlist[1] != "Karma Police" {
		t.Errorf("Setlist = %v", c.Setlist)
	}
}

func TestInsert_Conflict(t *testing.T) {
	store := &stubStore{inserted: 0}
	c := New(store)
	a := models.Artist{ID: "a1", Name: "Radiohead", NormalizedName: "radiohead", Source: "setlistfm"}

	if err := c.InsertArtist(context.Background(), a); !errors.Is(err, ErrConflict) {
		t.Errorf("InsertArtist() error = %v, want ErrConflict", err)
	}

	store.inserted = 1
	if err := c.InsertArtist(context.Background(), a); err != nil {
		t.Errorf("InsertArtist() error = %v", err)
	}
}

func TestInsert_Invalid(t *testing.T) {
	store := &stubStore{inserted: 1}
	err := New(store).InsertVenue(context.Background(), models.Venue{ID: "v1"})
	var vErr *models.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("InsertVenue() error = %v, want ValidationError", err)
	}
	if len(store.writes) != 0 {
		t.Error("invalid venue should not reach the store")
	}
}

func TestFindVenuesByGeohash_Query(t *testing.T) {
	store := &stubStore{}
	if _, err := New(store).FindVenuesByGeohash(context.Background(), []string{"dr5ru7", "dr5ru6"}); err != nil {
		t.Fatalf("FindVenuesByGeohash() error = %v", err)
	}
	if len(store.queries) != 1 || !strings.Contains(store.queries[0], "LIKE ANY") {
		t.Errorf("queries = %v", store.queries)
	}
}

func skipIfNoPostgres(t *testing.T) *db.Store {
	t.Helper()
	dsn := os.Getenv("GIGSYNC_TEST_DSN")
	if dsn == "" {
		t.Skip("Skipping Postgres tests (GIGSYNC_TEST_DSN not set)")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := db.Open(ctx, config.Postgres{DSN: dsn})
	if err != nil {
		t.Skipf("Skipping Postgres tests: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func TestIntegration_Catalog(t *testing.T) {
	store := skipIfNoPostgres(t)
	ctx := context.Background()
	c := New(store)
	if err := c.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	// Migrations are idempotent.
	if err := c.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}

	suffix := uuid.NewString()[:8]
	now := time.Now().UTC()
	artist := models.Artist{
		ID: uuid.NewString(), Name: "Test Artist " + suffix, NormalizedName: "testartist" + suffix,
		MBID: "mbid-" + suffix, Source: "test", CreatedAt: now, UpdatedAt: now,
	}
	if err := c.InsertArtist(ctx, artist); err != nil {
		t.Fatalf("InsertArtist() error = %v", err)
	}
	dup := artist
	dup.ID = uuid.NewString()
	if err := c.InsertArtist(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate mbid error = %v, want ErrConflict", err)
	}

	got, err := c.FindArtistByExternalID(ctx, artist.MBID, "")
	if err != nil || got.ID != artist.ID {
		t.Fatalf("FindArtistByExternalID() = %v, %v", got, err)
	}

	venue := models.Venue{
		ID: uuid.NewString(), Name: "Hall " + suffix, NormalizedName: "hall" + suffix,
		City: "Oslo", Country: "NO", Source: "test", CreatedAt: now, UpdatedAt: now,
	}
	if err := c.InsertVenue(ctx, venue); err != nil {
		t.Fatalf("InsertVenue() error = %v", err)
	}
	if v, err := c.FindVenue(ctx, venue.NormalizedName, "OSLO", "NO"); err != nil || v.ID != venue.ID {
		t.Errorf("FindVenue() = %v, %v", v, err)
	}

	concert := models.Concert{
		ID: uuid.NewString(), ArtistID: artist.ID, VenueID: venue.ID, Date: "2024-03-01",
		Setlist: []string{"One", "Two"}, Source: "test", CreatedAt: now, UpdatedAt: now,
	}
	if err := c.InsertConcert(ctx, concert); err != nil {
		t.Fatalf("InsertConcert() error = %v", err)
	}
	views, err := c.ConcertViews(ctx, []string{concert.ID})
	if err != nil || len(views) != 1 {
		t.Fatalf("ConcertViews() = %v, %v", views, err)
	}
	if views[0].ArtistName != artist.Name || views[0].Date != "2024-03-01" || len(views[0].Setlist) != 2 {
		t.Errorf("unexpected view: %+v", views[0])
	}
}
