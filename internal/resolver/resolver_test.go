package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/mfenderov/gigsync/internal/catalog"
	"github.com/mfenderov/gigsync/pkg/models"
)

// memCatalog is an in-memory Catalog enforcing the same uniqueness rules
// as the SQL schema.
type memCatalog struct {
	mu       sync.Mutex
	artists  []models.Artist
	aliases  []models.ArtistAlias
	venues   []models.Venue
	concerts []models.Concert

	// beforeInsertArtist runs before an artist insert; used to simulate a
	// concurrent writer.
	beforeInsertArtist func(m *memCatalog)
	findErr            error
}

func (m *memCatalog) FindArtistByExternalID(ctx context.Context, mbid, spotifyID string) (*models.Artist, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	for _, a := range m.artists {
		if (mbid != "" && a.MBID == mbid) || (spotifyID != "" && a.SpotifyID == spotifyID) {
			return &a, nil
		}
	}
	return nil, catalog.ErrNotFound
}

func (m *memCatalog) FindArtistByName(ctx context.Context, normalized string) (*models.Artist, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	for _, a := range m.artists {
		if a.NormalizedName == normalized {
			return &a, nil
		}
	}
	return nil, catalog.ErrNotFound
}

func (m *memCatalog) FindArtistByAlias(ctx context.Context, normalized string) (*models.Artist, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, al := range m.aliases {
		if al.NormalizedAlias != normalized {
			continue
		}
		for _, a := range m.artists {
			if a.ID == al.ArtistID {
				return &a, nil
			}
		}
	}
	return nil, catalog.ErrNotFound
}

func (m *memCatalog) InsertArtist(ctx context.Context, a models.Artist) error {
	if hook := m.beforeInsertArtist; hook != nil {
		m.beforeInsertArtist = nil
		hook(m)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.artists {
		if (a.MBID != "" && e.MBID == a.MBID) || (a.SpotifyID != "" && e.SpotifyID == a.SpotifyID) {
			return catalog.ErrConflict
		}
	}
	m.artists = append(m.artists, a)
	return nil
}

func (m *memCatalog) ArtistAliases(ctx context.Context, artistID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, al := range m.aliases {
		if al.ArtistID == artistID {
			out = append(out, al.NormalizedAlias)
		}
	}
	return out, nil
}

func (m *memCatalog) InsertAliases(ctx context.Context, aliases []models.ArtistAlias) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range aliases {
		dup := false
		for _, e := range m.aliases {
			if e.ArtistID == a.ArtistID && e.NormalizedAlias == a.NormalizedAlias {
				dup = true
			}
		}
		if !dup {
			m.aliases = append(m.aliases, a)
		}
	}
	return nil
}

func (m *memCatalog) FindVenue(ctx context.Context, normalizedName, city, country string) (*models.Venue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range m.venues {
		if v.NormalizedName == normalizedName && strings.EqualFold(v.City, city) && v.Country == country {
			return &v, nil
		}
	}
	return nil, catalog.ErrNotFound
}

func (m *memCatalog) FindVenuesByGeohash(ctx context.Context, cells []string) ([]models.Venue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Venue
	for _, v := range m.venues {
		for _, c := range cells {
			if v.Geohash != "" && strings.HasPrefix(v.Geohash, c) {
				out = append(out, v)
				break
			}
		}
	}
	return out, nil
}

func (m *memCatalog) InsertVenue(ctx context.Context, v models.Venue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.venues {
		if e.NormalizedName == v.NormalizedName && strings.EqualFold(e.City, v.City) && e.Country == v.Country {
			return catalog.ErrConflict
		}
	}
	m.venues = append(m.venues, v)
	return nil
}

func (m *memCatalog) FindConcert(ctx context.Context, artistID, venueID string, date models.Date) (*models.Concert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.concerts {
		if c.ArtistID == artistID && c.VenueID == venueID && c.Date == date {
			return &c, nil
		}
	}
	return nil, catalog.ErrNotFound
}

func (m *memCatalog) InsertConcert(ctx context.Context, c models.Concert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.concerts {
		if e.ArtistID == c.ArtistID && e.VenueID == c.VenueID && e.Date == c.Date {
			return catalog.ErrConflict
		}
	}
	m.concerts = append(m.concerts, c)
	return nil
}

func ptr(f float64) *float64 { return &f }

func radioheadAtMSG() models.ScrapedConcert {
	return models.ScrapedConcert{
		ExternalID: "63de4613",
		Artist:     models.ScrapedArtist{Name: "Radiohead", MBID: "a74b1b7f"},
		Venue: models.ScrapedVenue{
			Name: "Madison Square Garden", City: "New York", Country: "us",
			Latitude: ptr(40.7505), Longitude: ptr(-73.9934),
		},
		Date:   "2024-03-01",
		Source: "setlistfm",
	}
}

func TestResolve_Idempotent(t *testing.T) {
	cat := &memCatalog{}
	r := New(cat, Config{}, nil)
	ctx := context.Background()

	first, err := r.Resolve(ctx, radioheadAtMSG())
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if !first.ArtistCreated || !first.VenueCreated || !first.ConcertCreated {
		t.Errorf("first resolution should create everything: %+v", first)
	}

	second, err := r.Resolve(ctx, radioheadAtMSG())
	if err != nil {
		t.Fatalf("second Resolve() error = %v", err)
	}
	if second.ArtistCreated || second.VenueCreated || second.ConcertCreated {
		t.Errorf("second resolution should create nothing: %+v", second)
	}
	if first.Concert.ID != second.Concert.ID {
		t.Errorf("concert ids differ: %s vs %s", first.Concert.ID, second.Concert.ID)
	}
	if len(cat.artists) != 1 || len(cat.venues) != 1 || len(cat.concerts) != 1 {
		t.Errorf("catalog has %d artists, %d venues, %d concerts, want 1 each",
			len(cat.artists), len(cat.venues), len(cat.concerts))
	}
}

func TestResolve_NewRecordDefaults(t *testing.T) {
	cat := &memCatalog{}
	res, err := New(cat, Config{}, nil).Resolve(context.Background(), radioheadAtMSG())
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if res.Artist.Verified || res.Artist.ConcertCount != 0 || res.Artist.Source != "setlistfm" {
		t.Errorf("unexpected artist defaults: %+v", res.Artist)
	}
	if res.Venue.Country != "US" || res.Venue.Geohash == "" {
		t.Errorf("unexpected venue: %+v", res.Venue)
	}
	if res.Concert.ArtistID != res.Artist.ID || res.Concert.VenueID != res.Venue.ID {
		t.Errorf("concert not linked: %+v", res.Concert)
	}
}

func TestResolveArtist_MatchOrder(t *testing.T) {
	cat := &memCatalog{
		artists: []models.Artist{
			{ID: "by-name", Name: "The Beatles", NormalizedName: "beatles", Source: "x"},
			{ID: "by-mbid", Name: "Radiohead", NormalizedName: "radiohead", MBID: "mb-1", Source: "x"},
			{ID: "by-alias", Name: "Prince", NormalizedName: "prince", Source: "x"},
		},
		aliases: []models.ArtistAlias{
			{ArtistID: "by-alias", Alias: "The Artist Formerly Known as Prince", NormalizedAlias: "artistformerlyknownasprince"},
		},
	}
	r := New(cat, Config{}, nil)

	tests := []struct {
		name   string
		artist models.ScrapedArtist
		wantID string
	}{
		{"external id wins over name", models.ScrapedArtist{Name: "Beatles", MBID: "mb-1"}, "by-mbid"},
		{"normalized name", models.ScrapedArtist{Name: "Beatles, The"}, "by-name"},
		{"alias", models.ScrapedArtist{Name: "Artist Formerly Known As Prince"}, "by-alias"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.artist.Source = "setlistfm"
			a, created, err := r.ResolveArtist(context.Background(), tt.artist)
			if err != nil {
				t.Fatalf("ResolveArtist() error = %v", err)
			}
			if created || a.ID != tt.wantID {
				t.Errorf("got %s (created=%v), want %s", a.ID, created, tt.wantID)
			}
		})
	}
}

func TestResolveArtist_AliasesCappedAndUnique(t *testing.T) {
	cat := &memCatalog{}
	r := New(cat, Config{MaxNewAliases: 10}, nil)
	ctx := context.Background()

	var many []string
	for i := 0; i < 15; i++ {
		many = append(many, fmt.Sprintf("Alias %d", i))
	}
	a, _, err := r.ResolveArtist(ctx, models.ScrapedArtist{Name: "Band", Aliases: many, Source: "s"})
	if err != nil {
		t.Fatalf("ResolveArtist() error = %v", err)
	}
	if got := len(cat.aliases); got != 10 {
		t.Errorf("aliases = %d, want 10", got)
	}

	// Overlapping list: some old, some new, one duplicate by normalized form.
	_, _, err = r.ResolveArtist(ctx, models.ScrapedArtist{
		Name:    "band",
		Aliases: []string{"Alias 0", "ALIAS 1", "Alias 12", "Alias 12!", "Band"},
		Source:  "s",
	})
	if err != nil {
		t.Fatalf("second ResolveArtist() error = %v", err)
	}

	seen := map[string]bool{}
	for _, al := range cat.aliases {
		if al.ArtistID != a.ID {
			t.Errorf("alias %q attached to %s", al.Alias, al.ArtistID)
		}
		if seen[al.NormalizedAlias] {
			t.Errorf("duplicate normalized alias %q", al.NormalizedAlias)
		}
		seen[al.NormalizedAlias] = true
	}
	if len(cat.aliases) != 11 {
		t.Errorf("aliases = %d, want 11", len(cat.aliases))
	}
	if seen["band"] {
		t.Error("canonical name should not be stored as alias")
	}
}

func TestResolveArtist_ExternalIDMatchAddsProviderName(t *testing.T) {
	cat := &memCatalog{artists: []models.Artist{{ID: "a1", Name: "Sigur Rós", NormalizedName: "sigurros", MBID: "mb-9", Source: "x"}}}
	r := New(cat, Config{}, nil)

	a, _, err := r.ResolveArtist(context.Background(), models.ScrapedArtist{Name: "Sigur Ros Band", MBID: "mb-9", Source: "s"})
	if err != nil {
		t.Fatalf("ResolveArtist() error = %v", err)
	}
	if a.Name != "Sigur Rós" {
		t.Errorf("canonical record changed: %+v", a)
	}
	if len(cat.aliases) != 1 || cat.aliases[0].AliasType != models.AliasProviderName {
		t.Errorf("aliases = %+v", cat.aliases)
	}
}

func TestResolveArtist_ConflictIsMatch(t *testing.T) {
	winner := models.Artist{ID: "winner", Name: "Radiohead", NormalizedName: "radiohead", MBID: "a74b1b7f", Source: "other"}
	cat := &memCatalog{
		beforeInsertArtist: func(m *memCatalog) {
			m.mu.Lock()
			m.artists = append(m.artists, winner)
			m.mu.Unlock()
		},
	}
	r := New(cat, Config{}, nil)

	a, created, err := r.ResolveArtist(context.Background(), models.ScrapedArtist{Name: "Radiohead", MBID: "a74b1b7f", Source: "s"})
	if err != nil {
		t.Fatalf("ResolveArtist() error = %v", err)
	}
	if created || a.ID != "winner" {
		t.Errorf("got %s (created=%v), want winner", a.ID, created)
	}
	if len(cat.artists) != 1 {
		t.Errorf("artists = %d, want 1", len(cat.artists))
	}
}

func TestResolveVenue_GeoProximity(t *testing.T) {
	cat := &memCatalog{}
	r := New(cat, Config{GeoRadiusMeters: 1000}, nil)
	ctx := context.Background()

	orig, _, err := r.ResolveVenue(ctx, models.ScrapedVenue{
		Name: "Madison Square Garden", City: "New York", Country: "US",
		Latitude: ptr(40.7505), Longitude: ptr(-73.9934), Source: "s",
	})
	if err != nil {
		t.Fatalf("ResolveVenue() error = %v", err)
	}

	tests := []struct {
		name      string
		venue     models.ScrapedVenue
		wantMatch bool
	}{
		{"same name other case", models.ScrapedVenue{Name: "MADISON SQUARE GARDEN", City: "new york", Country: "us"}, true},
		{"nearby alias name", models.ScrapedVenue{Name: "MSG", City: "New York", Country: "US", Latitude: ptr(40.7510), Longitude: ptr(-73.9930)}, true},
		{"nearby other city", models.ScrapedVenue{Name: "MSG", City: "Hoboken", Country: "US", Latitude: ptr(40.7510), Longitude: ptr(-73.9930)}, false},
		{"far away", models.ScrapedVenue{Name: "Barclays Center", City: "New York", Country: "US", Latitude: ptr(40.6826), Longitude: ptr(-73.9754)}, false},
		{"no coordinates", models.ScrapedVenue{Name: "The Garden", City: "New York", Country: "US"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.venue.Source = "s"
			v, created, err := r.ResolveVenue(ctx, tt.venue)
			if err != nil {
				t.Fatalf("ResolveVenue() error = %v", err)
			}
			if matched := v.ID == orig.ID; matched != tt.wantMatch {
				t.Errorf("matched = %v (created=%v), want %v", matched, created, tt.wantMatch)
			}
		})
	}
}

func TestResolve_StoreError(t *testing.T) {
	boom := errors.New("connection refused")
	cat := &memCatalog{findErr: boom}
	_, err := New(cat, Config{}, nil).Resolve(context.Background(), radioheadAtMSG())
	if !errors.Is(err, boom) {
		t.Errorf("error = %v, want wrapped store error", err)
	}
}

func TestResolve_InvalidScraped(t *testing.T) {
	sc := radioheadAtMSG()
	sc.Date = "not-a-date"
	_, err := New(&memCatalog{}, Config{}, nil).Resolve(context.Background(), sc)
	var vErr *models.ValidationError
	if !errors.As(err, &vErr) {
		t.Errorf("error = %v, want ValidationError", err)
	}
}

func TestCellPrecision(t *testing.T) {
	tests := []struct {
		radius float64
		want   uint
	}{
		{1000, 5},
		{100, 7},
		{10, 8},
		{1_000_000, 1},
	}
	for _, tt := range tests {
		if got := cellPrecision(tt.radius); got != tt.want {
			t.Errorf("cellPrecision(%v) = %d, want %d", tt.radius, got, tt.want)
		}
	}
}

func TestHaversine(t *testing.T) {
	// Madison Square Garden to Barclays Center is roughly 7.6 km.
	d := haversine(40.7505, -73.9934, 40.6826, -73.9754)
	if d < 7000 || d > 8200 {
		t.Errorf("haversine() = %.0f m, want ~7600", d)
	}
}
