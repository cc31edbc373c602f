package ingestion

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mfenderov/gigsync/internal/batch"
	"github.com/mfenderov/gigsync/internal/classify"
	"github.com/mfenderov/gigsync/internal/metrics"
	"github.com/mfenderov/gigsync/internal/provider"
	"github.com/mfenderov/gigsync/internal/resolver"
	"github.com/mfenderov/gigsync/pkg/models"
)

// ErrShutdown is returned for jobs started after Shutdown.
var ErrShutdown = errors.New("ingestion engine is shutting down")

// Job names.
const (
	JobDiscovery    = "discovery"
	JobArtistScrape = "artist_scrape"
	JobVenueScrape  = "venue_scrape"
)

// Params are the job parameters shared by all job kinds.
type Params struct {
	Source      string      `json:"source"`
	City        string      `json:"city,omitempty"`
	CountryCode string      `json:"country_code,omitempty"`
	ArtistName  string      `json:"artist_name,omitempty"`
	VenueName   string      `json:"venue_name,omitempty"`
	Genre       string      `json:"genre,omitempty"`
	StartDate   models.Date `json:"start_date,omitempty"`
	EndDate     models.Date `json:"end_date,omitempty"`
	Limit       int         `json:"limit,omitempty"`
	Offset      int         `json:"offset,omitempty"`
}

// Result holds job execution results. Success is true only when ErrorCount
// is zero and the job ran to its last page.
type Result struct {
	JobID           string        `json:"job_id"`
	Job             string        `json:"job"`
	Source          string        `json:"source"`
	Success         bool          `json:"success"`
	ProcessedCount  int           `json:"processed_count"`
	ErrorCount      int           `json:"error_count"`
	Pages           int           `json:"pages"`
	Dropped         int           `json:"dropped"`
	ArtistsCreated  int           `json:"artists_created"`
	VenuesCreated   int           `json:"venues_created"`
	ConcertsCreated int           `json:"concerts_created"`
	Interrupted     bool          `json:"interrupted"` // stopped early by Shutdown
	Duration        time.Duration `json:"duration"`
	Errors          []string      `json:"errors,omitempty"`
}

// Resolver maps scraped concerts to canonical ones.
type Resolver interface {
	Resolve(ctx context.Context, sc models.ScrapedConcert) (resolver.Resolution, error)
}

// Writer persists records in chunks.
type Writer interface {
	Process(ctx context.Context, kind models.TableKind, items []models.Record) batch.Result
	RecomputeCounts(ctx context.Context, artistIDs, venueIDs []string) batch.Result
}

// Archive keeps raw provider pages.
type Archive interface {
	PutPage(ctx context.Context, source, jobID string, page int, raw []byte) error
}

// Indexer mirrors resolved concerts into a search index.
type Indexer interface {
	IndexConcerts(ctx context.Context, concerts []models.ConcertView) error
}

// ViewLoader loads concerts joined with artist and venue.
type ViewLoader interface {
	ConcertViews(ctx context.Context, ids []string) ([]models.ConcertView, error)
}

// Engine runs ingestion jobs: fetch pages, resolve each concert, record
// provenance and refresh denormalized counts.
type Engine struct {
	connectors map[string]provider.Connector
	resolver   Resolver
	writer     Writer
	archive    Archive
	indexer    Indexer
	views      ViewLoader
	errs       *classify.Tracker
	metrics    *metrics.Metrics
	shutdown   atomic.Bool
	now        func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithArchive archives every fetched page to a.
func WithArchive(a Archive) Option {
	return func(e *Engine) { e.archive = a }
}

// WithIndexer mirrors resolved concerts to idx, loading them through views.
func WithIndexer(idx Indexer, views ViewLoader) Option {
	return func(e *Engine) {
		e.indexer = idx
		e.views = views
	}
}

// WithErrors records classified failures in t.
func WithErrors(t *classify.Tracker) Option {
	return func(e *Engine) { e.errs = t }
}

// WithMetrics records job metrics to m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// New creates a new ingestion engine.
func New(connectors []provider.Connector, r Resolver, w Writer, opts ...Option) *Engine {
	e := &Engine{
		connectors: make(map[string]provider.Connector, len(connectors)),
		resolver:   r,
		writer:     w,
		now:        time.Now,
	}
	for _, c := range connectors {
		e.connectors[c.Name()] = c
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunDiscovery searches a source and ingests every page found.
func (e *Engine) RunDiscovery(ctx context.Context, p Params) (*Result, error) {
	c, err := e.connector(p.Source)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, JobDiscovery, c.Name(), c.Discover(ctx, provider.DiscoverParams{
		ArtistName:  p.ArtistName,
		City:        p.City,
		CountryCode: p.CountryCode,
		VenueName:   p.VenueName,
		Genre:       p.Genre,
		StartDate:   p.StartDate,
		EndDate:     p.EndDate,
		Limit:       p.Limit,
		Offset:      p.Offset,
	}))
}

// RunArtistScrape ingests the concerts of one provider artist id.
func (e *Engine) RunArtistScrape(ctx context.Context, artistID string, p Params) (*Result, error) {
	if artistID == "" {
		return nil, fmt.Errorf("artist id is required")
	}
	c, err := e.connector(p.Source)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, JobArtistScrape, c.Name(), c.ScrapeByArtist(ctx, artistID, p.Limit))
}

// RunVenueScrape ingests the concerts of one provider venue id.
func (e *Engine) RunVenueScrape(ctx context.Context, venueID string, p Params) (*Result, error) {
	if venueID == "" {
		return nil, fmt.Errorf("venue id is required")
	}
	c, err := e.connector(p.Source)
	if err != nil {
		return nil, err
	}
	return e.run(ctx, JobVenueScrape, c.Name(), c.ScrapeByVenue(ctx, venueID, p.Limit))
}

func (e *Engine) connector(source string) (provider.Connector, error) {
	if source == "" && len(e.connectors) == 1 {
		for _, c := range e.connectors {
			return c, nil
		}
	}
	c, ok := e.connectors[source]
	if !ok {
		return nil, fmt.Errorf("unknown source: %q", source)
	}
	return c, nil
}

// Shutdown stops new jobs and new pages from starting. Work already
// resolving a page finishes that page.
func (e *Engine) Shutdown() {
	e.shutdown.Store(true)
}

// ShuttingDown reports whether Shutdown was called.
func (e *Engine) ShuttingDown() bool {
	return e.shutdown.Load()
}

// Close drains every connector's request queue.
func (e *Engine) Close() error {
	var errs []error
	for _, c := range e.connectors {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

type touched struct {
	artists, venues, concerts []string
}

func (e *Engine) run(ctx context.Context, job, source string, pages iter.Seq2[provider.Page, error]) (*Result, error) {
	if e.ShuttingDown() {
		return nil, ErrShutdown
	}

	start := e.now()
	result := &Result{JobID: uuid.NewString(), Job: job, Source: source}
	var t touched

	slog.Info("starting job", "job", job, "source", source, "job_id", result.JobID)

	var jobErr error
	for page, err := range pages {
		if err != nil {
			pe := e.errs.Handle(err, classify.Context{Source: source, Operation: job + " fetch", Attempt: 1, MaxAttempts: 1})
			result.ErrorCount++
			result.Errors = append(result.Errors, err.Error())
			if pe.Category == classify.Authentication {
				jobErr = err
			}
			break
		}
		if e.ShuttingDown() {
			result.Interrupted = true
			result.Errors = append(result.Errors, ErrShutdown.Error())
			slog.Info("shutdown requested, stopping before page", "job", job, "page", page.Number)
			break
		}
		result.Pages++
		e.processPage(ctx, source, page, result, &t)
	}

	if len(t.artists) > 0 || len(t.venues) > 0 {
		counts := e.writer.RecomputeCounts(ctx, t.artists, t.venues)
		if !counts.Success {
			slog.Warn("failed to recompute counts", "job", job, "errors", counts.ErrorCount)
			result.ErrorCount += counts.ErrorCount
			result.Errors = append(result.Errors, counts.Errors...)
		}
	}

	result.Success = result.ErrorCount == 0 && jobErr == nil && !result.Interrupted
	result.Duration = e.now().Sub(start)
	e.metrics.JobDuration(job, result.Duration)
	e.metrics.Record(source, "processed", result.ProcessedCount)
	e.metrics.Record(source, "error", result.ErrorCount)
	e.metrics.Record(source, "dropped", result.Dropped)

	slog.Info("job complete",
		"job", job,
		"source", source,
		"pages", result.Pages,
		"processed", result.ProcessedCount,
		"errors", result.ErrorCount,
		"dropped", result.Dropped,
		"interrupted", result.Interrupted,
		"duration", result.Duration)

	return result, jobErr
}

// processPage resolves the page's concerts in order and writes their
// provenance records as one batch.
func (e *Engine) processPage(ctx context.Context, source string, page provider.Page, result *Result, t *touched) {
	if e.archive != nil && len(page.Raw) > 0 {
		if err := e.archive.PutPage(ctx, source, result.JobID, page.Number, page.Raw); err != nil {
			slog.Warn("failed to archive page", "source", source, "page", page.Number, "error", err)
		}
	}

	result.Dropped += page.Dropped
	result.ErrorCount += page.Dropped

	scrapedAt := e.now().UTC()
	sources := make([]models.Record, 0, len(page.Concerts))
	var concertIDs []string
	for _, sc := range page.Concerts {
		res, err := e.resolver.Resolve(ctx, sc)
		if err != nil {
			e.errs.Handle(err, classify.Context{
				Source:    source,
				Operation: "resolve",
				EntityID:  sc.ExternalID,
				Attempt:   1,
			})
			slog.Warn("failed to resolve concert",
				"source", source,
				"artist", sc.Artist.Name,
				"venue", sc.Venue.Name,
				"date", sc.Date,
				"error", err)
			result.ErrorCount++
			result.Errors = append(result.Errors, fmt.Sprintf("resolve %s: %v", sc.ExternalID, err))
			continue
		}

		if res.ArtistCreated {
			result.ArtistsCreated++
		}
		if res.VenueCreated {
			result.VenuesCreated++
		}
		if res.ConcertCreated {
			result.ConcertsCreated++
		}
		t.artists = append(t.artists, res.Artist.ID)
		t.venues = append(t.venues, res.Venue.ID)
		concertIDs = append(concertIDs, res.Concert.ID)

		sources = append(sources, models.ConcertSource{
			ConcertID:  res.Concert.ID,
			SourceType: source,
			ExternalID: sc.ExternalID,
			RawPayload: sc.Raw,
			ScrapedAt:  scrapedAt,
		})
	}

	if len(sources) > 0 {
		br := e.writer.Process(ctx, models.TableConcertSources, sources)
		result.ProcessedCount += br.ProcessedCount
		result.ErrorCount += br.ErrorCount
		result.Errors = append(result.Errors, br.Errors...)
	}

	e.index(ctx, concertIDs)
}

func (e *Engine) index(ctx context.Context, ids []string) {
	if e.indexer == nil || e.views == nil || len(ids) == 0 {
		return
	}
	views, err := e.views.ConcertViews(ctx, ids)
	if err != nil {
		slog.Warn("failed to load concerts for indexing", "count", len(ids), "error", err)
		return
	}
	if err := e.indexer.IndexConcerts(ctx, views); err != nil {
		slog.Warn("failed to index concerts", "count", len(views), "error", err)
	}
}
