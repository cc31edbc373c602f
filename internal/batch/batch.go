// Package batch validates records, splits them into fixed-size chunks and
// writes the chunks with bounded parallelism and per-chunk retry.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mfenderov/gigsync/internal/classify"
	"github.com/mfenderov/gigsync/internal/metrics"
	"github.com/mfenderov/gigsync/pkg/models"
	"golang.org/x/sync/errgroup"
)

// Writer is the storage engine chunks are written to.
type Writer interface {
	Insert(ctx context.Context, table models.TableKind, rows []map[string]any) (int64, error)
	Command(ctx context.Context, sql string, args ...any) (int64, error)
}

// Config holds batch processing settings.
type Config struct {
	BatchSize       int
	MaxRetries      int
	RetryDelay      time.Duration
	ParallelBatches int
	Timeout         time.Duration
}

// Result reports exact per-item outcomes. ProcessedCount + ErrorCount always
// equals the number of items submitted.
type Result struct {
	Success        bool
	ProcessedCount int
	ErrorCount     int
	Errors         []string
	Duration       time.Duration
}

func (r *Result) merge(o Result) {
	r.ProcessedCount += o.ProcessedCount
	r.ErrorCount += o.ErrorCount
	r.Errors = append(r.Errors, o.Errors...)
	r.Success = r.ErrorCount == 0
}

// Processor writes records in chunks.
type Processor struct {
	writer  Writer
	cfg     Config
	errs    *classify.Tracker
	metrics *metrics.Metrics
}

// New creates a Processor, filling in defaults for unset fields.
func New(w Writer, cfg Config, errs *classify.Tracker, m *metrics.Metrics) *Processor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.ParallelBatches <= 0 {
		cfg.ParallelBatches = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Processor{writer: w, cfg: cfg, errs: errs, metrics: m}
}

// Process validates items as kind and inserts the valid ones. Invalid items
// never reach storage. A chunk that fails after all retries counts all its
// items as errors without affecting other chunks.
func (p *Processor) Process(ctx context.Context, kind models.TableKind, items []models.Record) Result {
	start := time.Now()
	var res Result

	rows := make([]map[string]any, 0, len(items))
	for i, item := range items {
		if item == nil {
			res.ErrorCount++
			res.Errors = append(res.Errors, fmt.Sprintf("item %d: nil record", i))
			continue
		}
		if item.Kind() != kind {
			res.ErrorCount++
			res.Errors = append(res.Errors, fmt.Sprintf("item %d: %s record submitted as %s", i, item.Kind(), kind))
			continue
		}
		if err := item.Validate().Err(kind); err != nil {
			res.ErrorCount++
			res.Errors = append(res.Errors, fmt.Sprintf("item %d: %v", i, err))
			p.errs.Handle(err, classify.Context{Operation: "validate " + string(kind), Attempt: 1, MaxAttempts: 1})
			continue
		}
		rows = append(rows, item.Row())
	}
	if res.ErrorCount > 0 {
		slog.Warn("dropped invalid records", "table", kind, "count", res.ErrorCount)
	}

	chunked := p.runChunks(ctx, string(kind), len(rows), func(ctx context.Context, lo, hi int) error {
		n, err := p.writer.Insert(ctx, kind, rows[lo:hi])
		if err != nil {
			return err
		}
		if skipped := int64(hi-lo) - n; skipped > 0 {
			slog.Debug("skipped existing records", "table", kind, "count", skipped)
		}
		return nil
	})
	res.merge(chunked)
	res.Success = res.ErrorCount == 0
	res.Duration = time.Since(start)

	slog.Debug("batch complete", "table", kind, "processed", res.ProcessedCount,
		"errors", res.ErrorCount, "duration", res.Duration)
	return res
}

// runChunks splits n items into BatchSize chunks and runs write for each
// with at most ParallelBatches in flight.
func (p *Processor) runChunks(ctx context.Context, label string, n int,
	write func(ctx context.Context, lo, hi int) error) Result {
	var (
		mu  sync.Mutex
		res Result
		g   errgroup.Group
	)
	g.SetLimit(p.cfg.ParallelBatches)

	for lo := 0; lo < n; lo += p.cfg.BatchSize {
		hi := min(lo+p.cfg.BatchSize, n)
		chunk := lo / p.cfg.BatchSize
		g.Go(func() error {
			err := p.writeChunk(ctx, label, chunk, lo, hi, write)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.ErrorCount += hi - lo
				res.Errors = append(res.Errors, fmt.Sprintf("chunk %d (items %d-%d): %v", chunk, lo, hi-1, err))
				p.metrics.Chunk(label, "failed")
				return nil
			}
			res.ProcessedCount += hi - lo
			p.metrics.Chunk(label, "written")
			return nil
		})
	}
	g.Wait()
	return res
}

// writeChunk runs write with a per-attempt timeout, retrying classified
// retryable failures with exponential backoff.
func (p *Processor) writeChunk(ctx context.Context, label string, chunk, lo, hi int,
	write func(ctx context.Context, lo, hi int) error) error {
	maxAttempts := p.cfg.MaxRetries + 1
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err = p.attempt(ctx, lo, hi, write)
		if err == nil {
			return nil
		}

		pe := p.errs.Handle(err, classify.Context{
			Operation:   "write " + label,
			EntityID:    fmt.Sprintf("chunk-%d", chunk),
			Attempt:     attempt,
			MaxAttempts: maxAttempts,
		})
		if !pe.IsRetryable || attempt == maxAttempts {
			break
		}
		p.metrics.ChunkRetry(label)

		wait := p.cfg.RetryDelay << (attempt - 1)
		slog.Debug("retrying chunk", "table", label, "chunk", chunk, "attempt", attempt, "wait", wait, "error", err)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return err
}

// attempt runs write once under a Timeout deadline. It always waits for
// write to return, so a chunk never has a retry racing a stale write and
// ParallelBatches bounds the writes actually in flight. A write that
// finishes without error after the deadline counts as written.
func (p *Processor) attempt(ctx context.Context, lo, hi int,
	write func(ctx context.Context, lo, hi int) error) error {
	attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	err := write(attemptCtx, lo, hi)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("chunk write timed out after %v: %w", p.cfg.Timeout, attemptCtx.Err())
	}
	return err
}
