package querycache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/villamira/availd/pkg/availability"
	"github.com/villamira/availd/pkg/clock"
)

// WindowFetch loads one resource-month-party availability window from the
// layer below the query cache.
type WindowFetch func(ctx context.Context, resourceID string, period availability.Period, partySize int) (*availability.Window, error)

// Prefetcher warms the months adjacent to the one being viewed. Each
// prefetch is scheduled after a short delay so rapid month-to-month paging
// cancels the intermediate fetches before they dispatch.
type Prefetcher struct {
	cache  *Cache
	fetch  WindowFetch
	delay  time.Duration
	clk    clock.Clock
	logger zerolog.Logger

	mu      sync.Mutex
	pending map[string]clock.Timer
}

// NewPrefetcher creates a prefetcher over the cache.
func NewPrefetcher(cache *Cache, fetch WindowFetch, clk clock.Clock, logger zerolog.Logger) *Prefetcher {
	return &Prefetcher{
		cache:   cache,
		fetch:   fetch,
		delay:   cache.cfg.PrefetchDelay,
		clk:     clk,
		logger:  logger,
		pending: make(map[string]clock.Timer),
	}
}

// ViewedMonth schedules prefetches of the previous and next month after
// the configured delay. Re-viewing reschedules; pending prefetches for the
// same targets are replaced rather than duplicated.
func (p *Prefetcher) ViewedMonth(resourceID string, period availability.Period, partySize int) {
	p.schedule(resourceID, period.Prev(), partySize)
	p.schedule(resourceID, period.Next(), partySize)
}

// Cancel drops every pending prefetch. Used on shutdown and when the
// viewed resource changes entirely.
func (p *Prefetcher) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for ks, timer := range p.pending {
		timer.Stop()
		delete(p.pending, ks)
	}
}

func (p *Prefetcher) schedule(resourceID string, period availability.Period, partySize int) {
	key := AvailabilityKey(resourceID, period.String(), partySize)
	ks := key.String()

	if p.cache.Fresh(key) {
		prefetchSkipped.Inc()
		return
	}

	p.mu.Lock()
	if timer, ok := p.pending[ks]; ok {
		timer.Stop()
	}
	p.pending[ks] = p.clk.AfterFunc(p.delay, func() {
		p.mu.Lock()
		delete(p.pending, ks)
		p.mu.Unlock()
		p.run(key, resourceID, period, partySize)
	})
	p.mu.Unlock()

	prefetchScheduled.Inc()
}

// run performs one prefetch. Results land in the cache through the normal
// Get path, so they are deduplicated against any foreground fetch of the
// same key.
func (p *Prefetcher) run(key Key, resourceID string, period availability.Period, partySize int) {
	if p.cache.Fresh(key) {
		prefetchSkipped.Inc()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	_, err := p.cache.Get(ctx, key, resourceID, func(ctx context.Context) (*availability.Window, error) {
		return p.fetch(ctx, resourceID, period, partySize)
	})
	if err != nil {
		// Prefetches are opportunistic; a failure costs nothing.
		p.logger.Debug().Err(err).Str("key", key.String()).Msg("Prefetch failed")
		return
	}
	p.logger.Debug().Str("key", key.String()).Msg("Prefetched adjacent month")
}
