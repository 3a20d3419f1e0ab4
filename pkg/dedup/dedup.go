// Package dedup collapses concurrent identical availability lookups into a
// single upstream call (single flight) and combines several resource
// lookups sharing a date range into one round trip (batching).
package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/villamira/availd/pkg/availability"
	"github.com/villamira/availd/pkg/telemetry"
)

var (
	dedupHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "availd_dedup_hits_total",
		Help: "Callers that joined an already in-flight upstream request",
	})

	dedupMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "availd_dedup_misses_total",
		Help: "Callers that triggered a new upstream request",
	})

	dedupActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "availd_dedup_active_requests",
		Help: "Upstream requests currently in flight",
	})
)

// Loader performs the actual upstream fetch on a single-flight miss.
type Loader func(ctx context.Context) (*availability.Window, error)

// pendingRequest tracks one in-flight upstream call. At most one exists per
// distinct key at any instant; it is removed once settled.
type pendingRequest struct {
	done    chan struct{}
	window  *availability.Window
	err     error
	waiters int
}

// Stats is the counter snapshot consumed by telemetry and the availability
// endpoint's cacheStats block.
type Stats struct {
	Hits            uint64  `json:"hits"`
	Misses          uint64  `json:"misses"`
	ActiveRequests  int     `json:"activeRequests"`
	HitRateFraction float64 `json:"hitRateFraction"`
}

// Deduper owns the pending-request map. All mutation goes through its
// methods; no other component reaches into it.
type Deduper struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
	hits    uint64
	misses  uint64

	logger zerolog.Logger
	tel    *telemetry.Collector
}

// New creates a deduplicator. The collector may be nil.
func New(logger zerolog.Logger, tel *telemetry.Collector) *Deduper {
	return &Deduper{
		pending: make(map[string]*pendingRequest),
		logger:  logger,
		tel:     tel,
	}
}

// Fetch returns the window for key, issuing at most one concurrent upstream
// call per key. Callers arriving while a call is in flight subscribe to its
// result. Errors propagate to every waiter and the pending entry is removed
// regardless of outcome, so a later call retries.
func (d *Deduper) Fetch(ctx context.Context, key string, loader Loader) (*availability.Window, error) {
	d.mu.Lock()
	if p, ok := d.pending[key]; ok {
		p.waiters++
		d.hits++
		d.mu.Unlock()

		dedupHitsTotal.Inc()
		d.tel.Record(telemetry.Event{Tier: telemetry.TierDedup, Outcome: telemetry.OutcomeHit})
		d.logger.Debug().Str("key", key).Msg("Joined in-flight request")

		select {
		case <-p.done:
			return p.window, p.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p := d.claimLocked(key)
	d.mu.Unlock()

	start := time.Now()
	window, err := loader(ctx)
	d.settle(key, p, window, err)

	if err != nil {
		d.tel.Record(telemetry.Event{Tier: telemetry.TierDedup, Outcome: telemetry.OutcomeError, Latency: time.Since(start)})
		return nil, err
	}
	d.tel.Record(telemetry.Event{Tier: telemetry.TierDedup, Outcome: telemetry.OutcomeSuccess, Latency: time.Since(start)})
	return window, nil
}

// claimLocked registers a new pending request for key. Caller holds the lock
// and has verified no entry exists.
func (d *Deduper) claimLocked(key string) *pendingRequest {
	p := &pendingRequest{done: make(chan struct{}), waiters: 1}
	d.pending[key] = p
	d.misses++
	dedupMissesTotal.Inc()
	dedupActive.Inc()
	d.tel.Record(telemetry.Event{Tier: telemetry.TierDedup, Outcome: telemetry.OutcomeMiss})
	return p
}

// settle records the result, removes the pending entry, and wakes waiters.
func (d *Deduper) settle(key string, p *pendingRequest, window *availability.Window, err error) {
	p.window = window
	p.err = err

	d.mu.Lock()
	delete(d.pending, key)
	waiters := p.waiters
	d.mu.Unlock()

	dedupActive.Dec()
	close(p.done)

	if err != nil {
		d.logger.Warn().Err(err).Str("key", key).Int("waiters", waiters).
			Msg("Upstream fetch failed, propagating to all waiters")
		return
	}
	d.logger.Debug().Str("key", key).Int("waiters", waiters).Msg("Upstream fetch settled")
}

// Active returns the number of in-flight upstream requests.
func (d *Deduper) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Stats returns the current counter snapshot.
func (d *Deduper) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := Stats{
		Hits:           d.hits,
		Misses:         d.misses,
		ActiveRequests: len(d.pending),
	}
	if total := d.hits + d.misses; total > 0 {
		s.HitRateFraction = float64(d.hits) / float64(total)
	}
	return s
}
