package batch

import (
	"context"
	"fmt"
	"slices"
	"time"
)

const (
	recomputeArtistCounts = `UPDATE artists SET
		concert_count = (SELECT count(*) FROM concerts c WHERE c.artist_id = artists.id),
		updated_at = now()
		WHERE id = ANY($1)`
	recomputeVenueCounts = `UPDATE venues SET
		concert_count = (SELECT count(*) FROM concerts c WHERE c.venue_id = venues.id),
		updated_at = now()
		WHERE id = ANY($1)`
)

// RecomputeCounts sets concert_count for the given artists and venues from
// the concerts table. Running it again yields the same counts.
func (p *Processor) RecomputeCounts(ctx context.Context, artistIDs, venueIDs []string) Result {
	start := time.Now()
	var res Result
	res.merge(p.recompute(ctx, "artist_counts", recomputeArtistCounts, dedupe(artistIDs)))
	res.merge(p.recompute(ctx, "venue_counts", recomputeVenueCounts, dedupe(venueIDs)))
	res.Success = res.ErrorCount == 0
	res.Duration = time.Since(start)
	return res
}

func (p *Processor) recompute(ctx context.Context, label, sql string, ids []string) Result {
	return p.runChunks(ctx, label, len(ids), func(ctx context.Context, lo, hi int) error {
		if _, err := p.writer.Command(ctx, sql, ids[lo:hi]); err != nil {
			return fmt.Errorf("failed to recompute %s: %w", label, err)
		}
		return nil
	})
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
