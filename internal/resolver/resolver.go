// Package resolver reconciles scraped concerts against the canonical
// catalog, reusing matching artists, venues and concerts and creating the
// ones that do not exist yet.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mfenderov/gigsync/internal/catalog"
	"github.com/mfenderov/gigsync/internal/metrics"
	"github.com/mfenderov/gigsync/internal/normalize"
	"github.com/mfenderov/gigsync/pkg/models"
	"golang.org/x/sync/errgroup"
)

// Catalog is the subset of the canonical store the resolver needs. Lookups
// return catalog.ErrNotFound when nothing matches and inserts return
// catalog.ErrConflict when a concurrent writer won.
type Catalog interface {
	FindArtistByExternalID(ctx context.Context, mbid, spotifyID string) (*models.Artist, error)
	FindArtistByName(ctx context.Context, normalized string) (*models.Artist, error)
	FindArtistByAlias(ctx context.Context, normalized string) (*models.Artist, error)
	InsertArtist(ctx context.Context, a models.Artist) error
	ArtistAliases(ctx context.Context, artistID string) ([]string, error)
	InsertAliases(ctx context.Context, aliases []models.ArtistAlias) error

	FindVenue(ctx context.Context, normalizedName, city, country string) (*models.Venue, error)
	FindVenuesByGeohash(ctx context.Context, cells []string) ([]models.Venue, error)
	InsertVenue(ctx context.Context, v models.Venue) error

	FindConcert(ctx context.Context, artistID, venueID string, date models.Date) (*models.Concert, error)
	InsertConcert(ctx context.Context, c models.Concert) error
}

// Config tunes matching.
type Config struct {
	GeoRadiusMeters float64
	MaxNewAliases   int
}

// Resolution is the canonical form of one scraped concert.
type Resolution struct {
	Artist         models.Artist
	Venue          models.Venue
	Concert        models.Concert
	ArtistCreated  bool
	VenueCreated   bool
	ConcertCreated bool
}

// Resolver matches or creates canonical entities.
type Resolver struct {
	catalog Catalog
	cfg     Config
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a Resolver.
func New(c Catalog, cfg Config, m *metrics.Metrics) *Resolver {
	if cfg.GeoRadiusMeters <= 0 {
		cfg.GeoRadiusMeters = 1000
	}
	if cfg.MaxNewAliases <= 0 {
		cfg.MaxNewAliases = 10
	}
	return &Resolver{catalog: c, cfg: cfg, metrics: m, now: time.Now}
}

// Resolve resolves the artist and venue of sc concurrently, then the
// concert that depends on both.
func (r *Resolver) Resolve(ctx context.Context, sc models.ScrapedConcert) (Resolution, error) {
	if err := sc.Validate().Err(models.TableConcerts); err != nil {
		return Resolution{}, err
	}

	var res Resolution
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a, created, err := r.ResolveArtist(gctx, withSource(sc.Artist, sc.Source))
		res.Artist, res.ArtistCreated = a, created
		return err
	})
	g.Go(func() error {
		v, created, err := r.ResolveVenue(gctx, withVenueSource(sc.Venue, sc.Source))
		res.Venue, res.VenueCreated = v, created
		return err
	})
	if err := g.Wait(); err != nil {
		return Resolution{}, err
	}

	c, created, err := r.ResolveConcert(ctx, res.Artist.ID, res.Venue.ID, sc)
	if err != nil {
		return Resolution{}, err
	}
	res.Concert, res.ConcertCreated = c, created
	return res, nil
}

func withSource(a models.ScrapedArtist, source string) models.ScrapedArtist {
	if a.Source == "" {
		a.Source = source
	}
	return a
}

func withVenueSource(v models.ScrapedVenue, source string) models.ScrapedVenue {
	if v.Source == "" {
		v.Source = source
	}
	return v
}

// ResolveArtist matches by external id, then normalized name, then alias.
// On a match any new aliases are appended. Reports whether a new artist was
// created.
func (r *Resolver) ResolveArtist(ctx context.Context, sa models.ScrapedArtist) (models.Artist, bool, error) {
	normalized := normalize.Name(sa.Name)
	if normalized == "" {
		return models.Artist{}, false, fmt.Errorf("artist name %q normalizes to nothing", sa.Name)
	}

	a, err := r.matchArtist(ctx, sa, normalized)
	if err == nil {
		r.metrics.Resolution("artist", "matched")
		if err := r.extendAliases(ctx, *a, sa); err != nil {
			return models.Artist{}, false, err
		}
		return *a, false, nil
	}
	if !errors.Is(err, catalog.ErrNotFound) {
		r.metrics.Resolution("artist", "error")
		return models.Artist{}, false, fmt.Errorf("failed to match artist %q: %w", sa.Name, err)
	}

	now := r.now().UTC()
	created := models.Artist{
		ID:             uuid.NewString(),
		Name:           sa.Name,
		NormalizedName: normalized,
		MBID:           sa.MBID,
		SpotifyID:      sa.SpotifyID,
		Source:         sa.Source,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err = r.catalog.InsertArtist(ctx, created)
	if errors.Is(err, catalog.ErrConflict) {
		// Another writer created it between match and insert.
		winner, merr := r.matchArtist(ctx, sa, normalized)
		if merr != nil {
			return models.Artist{}, false, fmt.Errorf("failed to match artist %q after conflict: %w", sa.Name, merr)
		}
		r.metrics.Resolution("artist", "conflict")
		return *winner, false, r.extendAliases(ctx, *winner, sa)
	}
	if err != nil {
		r.metrics.Resolution("artist", "error")
		return models.Artist{}, false, fmt.Errorf("failed to create artist %q: %w", sa.Name, err)
	}
	r.metrics.Resolution("artist", "created")

	if err := r.extendAliases(ctx, created, sa); err != nil {
		return models.Artist{}, false, err
	}
	return created, true, nil
}

func (r *Resolver) matchArtist(ctx context.Context, sa models.ScrapedArtist, normalized string) (*models.Artist, error) {
	if sa.MBID != "" || sa.SpotifyID != "" {
		a, err := r.catalog.FindArtistByExternalID(ctx, sa.MBID, sa.SpotifyID)
		if !errors.Is(err, catalog.ErrNotFound) {
			return a, err
		}
	}
	a, err := r.catalog.FindArtistByName(ctx, normalized)
	if !errors.Is(err, catalog.ErrNotFound) {
		return a, err
	}
	return r.catalog.FindArtistByAlias(ctx, normalized)
}

// extendAliases appends the scraped name and aliases that a is not yet
// known by, up to MaxNewAliases. Existing aliases are never changed.
func (r *Resolver) extendAliases(ctx context.Context, a models.Artist, sa models.ScrapedArtist) error {
	type candidate struct {
		alias string
		typ   models.AliasType
	}
	candidates := []candidate{{sa.Name, models.AliasProviderName}}
	for _, alias := range sa.Aliases {
		candidates = append(candidates, candidate{alias, models.AliasAlternateSpelling})
	}

	existing, err := r.catalog.ArtistAliases(ctx, a.ID)
	if err != nil {
		return fmt.Errorf("failed to load aliases for artist %s: %w", a.ID, err)
	}
	seen := map[string]bool{a.NormalizedName: true}
	for _, n := range existing {
		seen[n] = true
	}

	now := r.now().UTC()
	var fresh []models.ArtistAlias
	for _, c := range candidates {
		if len(fresh) >= r.cfg.MaxNewAliases {
			break
		}
		n := normalize.Name(c.alias)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		fresh = append(fresh, models.ArtistAlias{
			ArtistID:        a.ID,
			Alias:           c.alias,
			NormalizedAlias: n,
			AliasType:       c.typ,
			CreatedAt:       now,
		})
	}
	if len(fresh) == 0 {
		return nil
	}
	if err := r.catalog.InsertAliases(ctx, fresh); err != nil {
		return fmt.Errorf("failed to add aliases for artist %s: %w", a.ID, err)
	}
	return nil
}

// ResolveConcert matches on the exact (artist, venue, date) identity.
func (r *Resolver) ResolveConcert(ctx context.Context, artistID, venueID string, sc models.ScrapedConcert) (models.Concert, bool, error) {
	c, err := r.catalog.FindConcert(ctx, artistID, venueID, sc.Date)
	if err == nil {
		r.metrics.Resolution("concert", "matched")
		return *c, false, nil
	}
	if !errors.Is(err, catalog.ErrNotFound) {
		r.metrics.Resolution("concert", "error")
		return models.Concert{}, false, fmt.Errorf("failed to match concert: %w", err)
	}

	now := r.now().UTC()
	created := models.Concert{
		ID:        uuid.NewString(),
		ArtistID:  artistID,
		VenueID:   venueID,
		Date:      sc.Date,
		TourName:  sc.TourName,
		EventName: sc.EventName,
		Setlist:   sc.Setlist,
		Source:    sc.Source,
		SourceURL: sc.URL,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = r.catalog.InsertConcert(ctx, created)
	if errors.Is(err, catalog.ErrConflict) {
		winner, merr := r.catalog.FindConcert(ctx, artistID, venueID, sc.Date)
		if merr != nil {
			return models.Concert{}, false, fmt.Errorf("failed to match concert after conflict: %w", merr)
		}
		r.metrics.Resolution("concert", "conflict")
		return *winner, false, nil
	}
	if err != nil {
		r.metrics.Resolution("concert", "error")
		return models.Concert{}, false, fmt.Errorf("failed to create concert: %w", err)
	}
	r.metrics.Resolution("concert", "created")
	return created, true, nil
}
