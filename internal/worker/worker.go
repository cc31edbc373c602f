// Package worker runs ingestion jobs in the background: queued requests,
// plus an optional periodic discovery job.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mfenderov/gigsync/internal/events"
	"github.com/mfenderov/gigsync/internal/ingestion"
)

// ErrQueueFull is returned by Submit when the job queue has no room.
var ErrQueueFull = errors.New("job queue is full")

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("worker is stopped")

// Engine runs the jobs.
type Engine interface {
	RunDiscovery(ctx context.Context, p ingestion.Params) (*ingestion.Result, error)
	RunArtistScrape(ctx context.Context, artistID string, p ingestion.Params) (*ingestion.Result, error)
	RunVenueScrape(ctx context.Context, venueID string, p ingestion.Params) (*ingestion.Result, error)
	Shutdown()
	Close() error
}

// Config holds worker configuration.
type Config struct {
	QueueSize int
	// DiscoveryInterval schedules Discovery periodically. Zero disables it.
	DiscoveryInterval time.Duration
	Discovery         ingestion.Params
}

// Worker consumes job requests one at a time. Completed jobs are published
// on the channel returned by Completed.
type Worker struct {
	engine    Engine
	cfg       Config
	jobs      chan events.JobRequest
	completed chan events.JobCompleted

	mu      sync.Mutex
	stopped bool
	done    chan struct{}
	last    *events.JobCompleted
}

// New creates a new Worker.
func New(engine Engine, cfg Config) *Worker {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16
	}
	return &Worker{
		engine:    engine,
		cfg:       cfg,
		jobs:      make(chan events.JobRequest, cfg.QueueSize),
		completed: make(chan events.JobCompleted, cfg.QueueSize),
		done:      make(chan struct{}),
	}
}

// Submit queues a job without blocking.
func (w *Worker) Submit(req events.JobRequest) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return ErrStopped
	}
	switch req.Kind {
	case events.Discovery:
	case events.ArtistScrape, events.VenueScrape:
		if req.TargetID == "" {
			return fmt.Errorf("%s job requires a target id", req.Kind)
		}
	default:
		return fmt.Errorf("unknown job kind: %q", req.Kind)
	}
	if req.Queued.IsZero() {
		req.Queued = time.Now()
	}
	select {
	case w.jobs <- req:
		slog.Debug("job queued", "kind", req.Kind, "target", req.TargetID)
		return nil
	default:
		return ErrQueueFull
	}
}

// Completed returns the channel of finished jobs. Events are dropped when
// nobody reads them.
func (w *Worker) Completed() <-chan events.JobCompleted {
	return w.completed
}

// Last returns the most recently completed job, if any.
func (w *Worker) Last() (events.JobCompleted, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.last == nil {
		return events.JobCompleted{}, false
	}
	return *w.last, true
}

// Run processes jobs until ctx is cancelled or Stop is called, then drains
// the engine.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.done)

	var tick <-chan time.Time
	if w.cfg.DiscoveryInterval > 0 {
		ticker := time.NewTicker(w.cfg.DiscoveryInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	slog.Info("worker started", "queue_size", w.cfg.QueueSize, "discovery_interval", w.cfg.DiscoveryInterval)

	for {
		select {
		case <-ctx.Done():
			return w.shutdown()
		case req, ok := <-w.jobs:
			if !ok {
				return w.shutdown()
			}
			w.execute(ctx, req)
		case <-tick:
			if err := w.Submit(events.JobRequest{Kind: events.Discovery, Params: w.cfg.Discovery}); err != nil {
				slog.Warn("failed to schedule discovery", "error", err)
			}
		}
	}
}

// Stop rejects new jobs and lets Run finish the queued ones.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.jobs)
	}
	w.mu.Unlock()
}

// Wait blocks until Run has returned.
func (w *Worker) Wait() {
	<-w.done
}

func (w *Worker) shutdown() error {
	w.Stop()
	w.engine.Shutdown()
	if err := w.engine.Close(); err != nil {
		return fmt.Errorf("failed to close engine: %w", err)
	}
	slog.Info("worker stopped")
	return nil
}

func (w *Worker) execute(ctx context.Context, req events.JobRequest) {
	var (
		res *ingestion.Result
		err error
	)
	switch req.Kind {
	case events.Discovery:
		res, err = w.engine.RunDiscovery(ctx, req.Params)
	case events.ArtistScrape:
		res, err = w.engine.RunArtistScrape(ctx, req.TargetID, req.Params)
	case events.VenueScrape:
		res, err = w.engine.RunVenueScrape(ctx, req.TargetID, req.Params)
	}

	ev := events.JobCompleted{Request: req, Result: res}
	if err != nil {
		ev.Err = err.Error()
		slog.Error("job failed", "kind", req.Kind, "target", req.TargetID, "error", err)
	}

	w.mu.Lock()
	w.last = &ev
	w.mu.Unlock()

	select {
	case w.completed <- ev:
	default:
	}
}
