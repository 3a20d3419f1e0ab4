package querycache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/villamira/availd/pkg/availability"
	"github.com/villamira/availd/pkg/clock"
	"github.com/villamira/availd/pkg/dedup"
	"github.com/villamira/availd/pkg/invalidation"
	"github.com/villamira/availd/pkg/telemetry"
)

// Config holds the query cache tuning knobs.
type Config struct {
	// StaleAfter is the age past which an entry is still served but
	// triggers a background revalidation.
	StaleAfter time.Duration

	// EvictAfter is the age past which an entry is treated as a miss.
	EvictAfter time.Duration

	// MaxEntries bounds the cache; least recently used entries are
	// evicted beyond it.
	MaxEntries int

	// PrefetchDelay is how long after a month is viewed its neighbours
	// are prefetched.
	PrefetchDelay time.Duration
}

// DefaultConfig returns the default query cache settings.
func DefaultConfig() Config {
	return Config{
		StaleAfter:    2 * time.Minute,
		EvictAfter:    15 * time.Minute,
		MaxEntries:    256,
		PrefetchDelay: 150 * time.Millisecond,
	}
}

// Subscriber is notified when an entry it watches is replaced (with the new
// window) or invalidated (with nil). Called with the cache lock released;
// must not block.
type Subscriber func(*availability.Window)

// recentLimit bounds how many invalidation records are kept per resource
// for the in-flight write discard check.
const recentLimit = 32

type invalRecord struct {
	seq uint64
	rng availability.DateRange
}

type entry struct {
	key       string
	window    *availability.Window
	fetchedAt time.Time

	// seq is the resource's last seen invalidation sequence when the
	// fetch producing this entry was dispatched.
	seq uint64

	elem *list.Element
}

// Cache is the in-memory availability query cache. Reads within StaleAfter
// are served directly; reads between StaleAfter and EvictAfter are served
// immediately while a deduplicated background revalidation runs; older
// entries are misses. Push invalidation evicts by resource and overlapping
// date range, and a fetch result that raced with a newer invalidation for
// an overlapping range is discarded rather than stored.
type Cache struct {
	cfg    Config
	dedup  *dedup.Deduper
	clk    clock.Clock
	logger zerolog.Logger
	tel    *telemetry.Collector

	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List // front = most recently used, values are *entry
	recent  map[string][]invalRecord
	subs    map[string]map[uint64]Subscriber
	nextSub uint64
}

// New creates a query cache. The collector may be nil.
func New(cfg Config, deduper *dedup.Deduper, clk clock.Clock, logger zerolog.Logger, tel *telemetry.Collector) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg = DefaultConfig()
	}
	return &Cache{
		cfg:     cfg,
		dedup:   deduper,
		clk:     clk,
		logger:  logger,
		tel:     tel,
		entries: make(map[string]*entry),
		lru:     list.New(),
		recent:  make(map[string][]invalRecord),
		subs:    make(map[string]map[uint64]Subscriber),
	}
}

// Get returns the window for key, fetching through the deduplicator on a
// miss. resourceID scopes the invalidation bookkeeping for the entry.
func (c *Cache) Get(ctx context.Context, key Key, resourceID string, loader dedup.Loader) (*availability.Window, error) {
	ks := key.String()
	now := c.clk.Now()

	c.mu.Lock()
	if e, ok := c.entries[ks]; ok {
		age := now.Sub(e.fetchedAt)
		switch {
		case age < c.cfg.StaleAfter:
			c.lru.MoveToFront(e.elem)
			window := e.window
			c.mu.Unlock()

			queryCacheHits.WithLabelValues("fresh").Inc()
			c.tel.Record(telemetry.Event{Tier: telemetry.TierQueryCache, Outcome: telemetry.OutcomeHit})
			return window, nil

		case age < c.cfg.EvictAfter:
			c.lru.MoveToFront(e.elem)
			window := e.window
			c.mu.Unlock()

			queryCacheHits.WithLabelValues("stale").Inc()
			c.tel.Record(telemetry.Event{Tier: telemetry.TierQueryCache, Outcome: telemetry.OutcomeHit})
			go c.revalidate(ks, resourceID, loader)
			return window, nil

		default:
			c.removeLocked(e, "expired")
		}
	}
	c.mu.Unlock()

	queryCacheMisses.Inc()
	c.tel.Record(telemetry.Event{Tier: telemetry.TierQueryCache, Outcome: telemetry.OutcomeMiss})
	return c.fetchAndStore(ctx, ks, resourceID, loader)
}

// Peek returns the cached window without fetching, along with whether it
// was present and younger than EvictAfter.
func (c *Cache) Peek(key Key) (*availability.Window, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key.String()]
	if !ok || c.clk.Now().Sub(e.fetchedAt) >= c.cfg.EvictAfter {
		return nil, false
	}
	return e.window, true
}

// Fresh reports whether the entry exists and is younger than StaleAfter.
func (c *Cache) Fresh(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key.String()]
	return ok && c.clk.Now().Sub(e.fetchedAt) < c.cfg.StaleAfter
}

// fetchAndStore runs the loader through the deduplicator and stores the
// result, subject to the in-flight discard rule.
func (c *Cache) fetchAndStore(ctx context.Context, ks, resourceID string, loader dedup.Loader) (*availability.Window, error) {
	dispatchSeq := c.lastSequence(resourceID)

	window, err := c.dedup.Fetch(ctx, ks, loader)
	if err != nil {
		return nil, err
	}
	c.store(ks, resourceID, window, dispatchSeq)
	return window, nil
}

// revalidate refreshes a stale entry in the background. The deduplicator
// collapses concurrent revalidations of the same key.
func (c *Cache) revalidate(ks, resourceID string, loader dedup.Loader) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := c.fetchAndStore(ctx, ks, resourceID, loader); err != nil {
		// The stale copy stays; the next read retries.
		c.logger.Debug().Err(err).Str("key", ks).Msg("Background revalidation failed")
	}
}

// store inserts a fetched window unless an invalidation with a higher
// sequence for an overlapping range arrived while the fetch was in flight.
func (c *Cache) store(ks, resourceID string, window *availability.Window, dispatchSeq uint64) {
	c.mu.Lock()

	for _, rec := range c.recent[resourceID] {
		if rec.seq > dispatchSeq && rec.rng.Overlaps(window.Range()) {
			c.mu.Unlock()
			queryCacheDiscardedWrites.Inc()
			c.logger.Info().
				Str("key", ks).
				Uint64("dispatch_seq", dispatchSeq).
				Uint64("invalidation_seq", rec.seq).
				Msg("Discarding fetch result superseded by invalidation")
			return
		}
	}

	if old, ok := c.entries[ks]; ok {
		c.lru.Remove(old.elem)
		delete(c.entries, ks)
		queryCacheEntries.Dec()
	}

	e := &entry{
		key:       ks,
		window:    window,
		fetchedAt: c.clk.Now(),
		seq:       c.lastSequenceLocked(resourceID),
	}
	e.elem = c.lru.PushFront(e)
	c.entries[ks] = e
	queryCacheEntries.Inc()

	var evicted []*entry
	for len(c.entries) > c.cfg.MaxEntries {
		back := c.lru.Back()
		if back == nil {
			break
		}
		victim := back.Value.(*entry)
		c.removeLocked(victim, "lru")
		evicted = append(evicted, victim)
	}
	subs := c.subscribersLocked(ks)
	c.mu.Unlock()

	for _, fn := range subs {
		fn(window)
	}
	for _, victim := range evicted {
		c.notify(victim.key, nil)
	}
}

// Invalidate applies a push invalidation event: it records the event for
// the in-flight discard rule, then evicts every entry for the event's
// resource whose window overlaps the event's range and was fetched before
// the event (by sequence).
func (c *Cache) Invalidate(ev invalidation.Event) int {
	prefix := ResourcePrefix(ev.ResourceID).String() + ":"

	c.mu.Lock()
	recs := append(c.recent[ev.ResourceID], invalRecord{seq: ev.Sequence, rng: ev.Range})
	if len(recs) > recentLimit {
		recs = recs[len(recs)-recentLimit:]
	}
	c.recent[ev.ResourceID] = recs

	var victims []*entry
	for ks, e := range c.entries {
		if len(ks) < len(prefix) || ks[:len(prefix)] != prefix {
			continue
		}
		if !e.window.Range().Overlaps(ev.Range) {
			continue
		}
		if e.seq >= ev.Sequence {
			continue
		}
		victims = append(victims, e)
	}
	for _, e := range victims {
		c.removeLocked(e, "invalidation")
	}
	c.mu.Unlock()

	for _, e := range victims {
		c.notify(e.key, nil)
	}

	if len(victims) > 0 {
		c.logger.Info().
			Str("resource", ev.ResourceID).
			Str("range", ev.Range.String()).
			Uint64("sequence", ev.Sequence).
			Int("evicted", len(victims)).
			Msg("Invalidated query cache entries")
	}
	return len(victims)
}

// InvalidateResource drops every entry for a resource unconditionally.
func (c *Cache) InvalidateResource(resourceID string) int {
	prefix := ResourcePrefix(resourceID).String() + ":"

	c.mu.Lock()
	var victims []*entry
	for ks, e := range c.entries {
		if len(ks) >= len(prefix) && ks[:len(prefix)] == prefix {
			victims = append(victims, e)
		}
	}
	for _, e := range victims {
		c.removeLocked(e, "invalidation")
	}
	c.mu.Unlock()

	for _, e := range victims {
		c.notify(e.key, nil)
	}
	return len(victims)
}

// Sweep evicts every entry older than EvictAfter. Run periodically so idle
// entries do not linger until their next read.
func (c *Cache) Sweep() int {
	now := c.clk.Now()

	c.mu.Lock()
	var victims []*entry
	for _, e := range c.entries {
		if now.Sub(e.fetchedAt) >= c.cfg.EvictAfter {
			victims = append(victims, e)
		}
	}
	for _, e := range victims {
		c.removeLocked(e, "expired")
	}
	c.mu.Unlock()

	for _, e := range victims {
		c.notify(e.key, nil)
	}
	return len(victims)
}

// Subscribe watches one key for replacement or invalidation. The returned
// function removes the subscription; calling it twice is harmless.
func (c *Cache) Subscribe(key Key, fn Subscriber) func() {
	ks := key.String()

	c.mu.Lock()
	c.nextSub++
	id := c.nextSub
	set, ok := c.subs[ks]
	if !ok {
		set = make(map[uint64]Subscriber)
		c.subs[ks] = set
	}
	set[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if set, ok := c.subs[ks]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(c.subs, ks)
			}
		}
	}
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) removeLocked(e *entry, cause string) {
	if _, ok := c.entries[e.key]; !ok {
		return
	}
	c.lru.Remove(e.elem)
	delete(c.entries, e.key)
	queryCacheEntries.Dec()
	queryCacheEvictions.WithLabelValues(cause).Inc()
}

func (c *Cache) lastSequence(resourceID string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSequenceLocked(resourceID)
}

func (c *Cache) lastSequenceLocked(resourceID string) uint64 {
	recs := c.recent[resourceID]
	if len(recs) == 0 {
		return 0
	}
	return recs[len(recs)-1].seq
}

func (c *Cache) subscribersLocked(ks string) []Subscriber {
	set := c.subs[ks]
	if len(set) == 0 {
		return nil
	}
	out := make([]Subscriber, 0, len(set))
	for _, fn := range set {
		out = append(out, fn)
	}
	return out
}

func (c *Cache) notify(ks string, window *availability.Window) {
	c.mu.Lock()
	subs := c.subscribersLocked(ks)
	c.mu.Unlock()
	for _, fn := range subs {
		fn(window)
	}
}
