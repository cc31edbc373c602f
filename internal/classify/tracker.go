package classify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mfenderov/gigsync/internal/metrics"
)

// Stats summarizes the errors currently held by a Tracker.
type Stats struct {
	Total        int              `json:"total"`
	ByCategory   map[Category]int `json:"by_category"`
	BySeverity   map[string]int   `json:"by_severity"`
	BySource     map[string]int   `json:"by_source"`
	Retryable    int              `json:"retryable"`
	NonRetryable int              `json:"non_retryable"`
}

// Tracker classifies errors and keeps the most recent ones in a bounded
// ring, evicting the oldest first.
type Tracker struct {
	mu      sync.Mutex
	ring    []*ProcessedError
	next    int
	size    int
	metrics *metrics.Metrics
}

// NewTracker creates a Tracker holding at most capacity errors.
func NewTracker(capacity int, m *metrics.Metrics) *Tracker {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Tracker{
		ring:    make([]*ProcessedError, capacity),
		metrics: m,
	}
}

// Handle classifies err, records it and logs it at a level matching its
// severity. A nil Tracker only classifies.
func (t *Tracker) Handle(err error, ec Context) *ProcessedError {
	pe := Classify(err, ec)
	if t == nil {
		return pe
	}
	t.add(pe)
	t.metrics.Error(string(pe.Category), pe.Severity.String())

	attrs := []any{
		"category", pe.Category,
		"severity", pe.Severity,
		"retryable", pe.IsRetryable,
		"source", ec.Source,
		"operation", ec.Operation,
		"attempt", ec.Attempt,
		"error", pe.Message,
	}
	if ec.EntityID != "" {
		attrs = append(attrs, "entity", ec.EntityID)
	}
	switch pe.Severity {
	case Critical, High:
		slog.Error("operation failed", attrs...)
	case Medium:
		slog.Warn("operation failed", attrs...)
	default:
		slog.Debug("operation failed", attrs...)
	}
	return pe
}

func (t *Tracker) add(pe *ProcessedError) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ring[t.next] = pe
	t.next = (t.next + 1) % len(t.ring)
	if t.size < len(t.ring) {
		t.size++
	}
}

// snapshot returns the held errors, oldest first. Caller holds t.mu.
func (t *Tracker) snapshot() []*ProcessedError {
	out := make([]*ProcessedError, 0, t.size)
	start := (t.next - t.size + len(t.ring)) % len(t.ring)
	for i := 0; i < t.size; i++ {
		out = append(out, t.ring[(start+i)%len(t.ring)])
	}
	return out
}

// Len returns the number of errors held.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size
}

// Recent returns up to n errors, newest first. n <= 0 returns all.
func (t *Tracker) Recent(n int) []ProcessedError {
	t.mu.Lock()
	all := t.snapshot()
	t.mu.Unlock()

	if n <= 0 || n > len(all) {
		n = len(all)
	}
	out := make([]ProcessedError, 0, n)
	for i := len(all) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, *all[i])
	}
	return out
}

// Stats aggregates the held errors.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	all := t.snapshot()
	t.mu.Unlock()

	s := Stats{
		Total:      len(all),
		ByCategory: make(map[Category]int),
		BySeverity: make(map[string]int),
		BySource:   make(map[string]int),
	}
	for _, pe := range all {
		s.ByCategory[pe.Category]++
		s.BySeverity[pe.Severity.String()]++
		if pe.Context.Source != "" {
			s.BySource[pe.Context.Source]++
		}
		if pe.IsRetryable {
			s.Retryable++
		} else {
			s.NonRetryable++
		}
	}
	return s
}

// Prune drops errors older than maxAge and returns how many were removed.
func (t *Tracker) Prune(maxAge time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	all := t.snapshot()
	kept := all[:0]
	for _, pe := range all {
		if pe.Timestamp.After(cutoff) {
			kept = append(kept, pe)
		}
	}
	removed := len(all) - len(kept)
	if removed == 0 {
		return 0
	}

	ring := make([]*ProcessedError, len(t.ring))
	copy(ring, kept)
	t.ring = ring
	t.size = len(kept)
	t.next = len(kept) % len(ring)
	return removed
}

// Sweep prunes by age every interval until ctx is done.
func (t *Tracker) Sweep(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := t.Prune(maxAge); n > 0 {
				slog.Debug("pruned classified errors", "removed", n)
			}
		}
	}
}
