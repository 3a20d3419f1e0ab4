package dedup

import (
	"context"
	"fmt"

	"github.com/villamira/availd/pkg/availability"
	"github.com/villamira/availd/pkg/telemetry"
	"github.com/villamira/availd/pkg/upstream"
)

// Batcher combines several resource lookups sharing a date range and party
// size into one upstream round trip, while still honoring the single-flight
// invariant per resource key: lookups already in flight are joined, the
// rest are fetched together and settled individually.
type Batcher struct {
	dedup  *Deduper
	source upstream.Source
}

// NewBatcher creates a batcher on top of an existing deduplicator.
func NewBatcher(d *Deduper, source upstream.Source) *Batcher {
	return &Batcher{dedup: d, source: source}
}

type claim struct {
	id  string
	key string
	p   *pendingRequest
}

// FetchBatch fetches windows for the given resources. base supplies the
// shared date range and party size; its ResourceID field is ignored.
// Returns the windows that succeeded and the first per-resource error, if
// any.
func (b *Batcher) FetchBatch(ctx context.Context, resourceIDs []string, base upstream.Request) (map[string]*availability.Window, error) {
	d := b.dedup

	var claimed []claim
	joined := make(map[string]*pendingRequest)

	d.mu.Lock()
	for _, id := range resourceIDs {
		req := base
		req.ResourceID = id
		key := req.Key()

		if p, ok := d.pending[key]; ok {
			p.waiters++
			d.hits++
			joined[id] = p
			continue
		}
		claimed = append(claimed, claim{id: id, key: key, p: d.claimLocked(key)})
	}
	d.mu.Unlock()

	for range joined {
		dedupHitsTotal.Inc()
		d.tel.Record(telemetry.Event{Tier: telemetry.TierDedup, Outcome: telemetry.OutcomeHit})
	}

	// One combined round trip for everything not already in flight.
	if len(claimed) > 0 {
		need := make([]string, len(claimed))
		for i, c := range claimed {
			need[i] = c.id
		}

		windows, err := b.source.FetchWindows(ctx, need, base)
		for _, c := range claimed {
			if err != nil {
				d.settle(c.key, c.p, nil, err)
				continue
			}
			w, ok := windows[c.id]
			if !ok {
				d.settle(c.key, c.p, nil,
					fmt.Errorf("%w: resource %s missing from batch response", upstream.ErrInvalidResponse, c.id))
				continue
			}
			d.settle(c.key, c.p, w, nil)
		}
	}

	results := make(map[string]*availability.Window, len(resourceIDs))
	var firstErr error

	for _, c := range claimed {
		if c.p.err != nil {
			if firstErr == nil {
				firstErr = c.p.err
			}
			continue
		}
		results[c.id] = c.p.window
	}

	for id, p := range joined {
		select {
		case <-p.done:
		case <-ctx.Done():
			return results, ctx.Err()
		}
		if p.err != nil {
			if firstErr == nil {
				firstErr = p.err
			}
			continue
		}
		results[id] = p.window
	}

	return results, firstErr
}
