// Package telemetry aggregates hit/miss/error counts and latency samples
// emitted by the cache tiers. It is a passive observer: recording an event
// never blocks the emitting component, and aggregated statistics are used
// only for diagnostics, never for correctness decisions.
package telemetry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Tier identifies the component an event originated from.
type Tier string

const (
	TierDedup      Tier = "dedup"
	TierOffline    Tier = "offline"
	TierQueryCache Tier = "querycache"
	TierChannel    Tier = "channel"
	TierUpstream   Tier = "upstream"
)

// Outcome classifies a single recorded event.
type Outcome string

const (
	OutcomeHit     Outcome = "hit"
	OutcomeMiss    Outcome = "miss"
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
)

// Event is one discrete observation emitted by a cache tier.
type Event struct {
	Tier    Tier
	Outcome Outcome
	Latency time.Duration
	At      time.Time
}

// TierSnapshot holds derived rolling statistics for one tier.
type TierSnapshot struct {
	Hits       uint64
	Misses     uint64
	Successes  uint64
	Errors     uint64
	HitRate    float64
	ErrorRate  float64
	AvgLatency time.Duration
}

type tierStats struct {
	hits       uint64
	misses     uint64
	successes  uint64
	errors     uint64
	latencySum time.Duration
	samples    uint64
}

// Collector consumes events on a buffered channel and maintains per-tier
// aggregates. Events recorded while the buffer is full are counted as
// dropped and otherwise discarded.
type Collector struct {
	events  chan Event
	dropped atomic.Uint64

	mu    sync.RWMutex
	stats map[Tier]*tierStats

	logger zerolog.Logger
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewCollector starts a collector with the given channel buffer size.
func NewCollector(buffer int, logger zerolog.Logger) *Collector {
	if buffer <= 0 {
		buffer = 1024
	}
	c := &Collector{
		events: make(chan Event, buffer),
		stats:  make(map[Tier]*tierStats),
		logger: logger,
		done:   make(chan struct{}),
	}
	c.wg.Add(1)
	go c.run()
	return c
}

// Record submits an event without blocking. Safe for concurrent use and
// safe to call on a nil collector, so components can treat telemetry as
// optional.
func (c *Collector) Record(ev Event) {
	if c == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	observeEvent(ev)
	select {
	case c.events <- ev:
	case <-c.done:
	default:
		c.dropped.Add(1)
		telemetryDropped.Inc()
	}
}

// Snapshot returns the current per-tier aggregates.
func (c *Collector) Snapshot() map[Tier]TierSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[Tier]TierSnapshot, len(c.stats))
	for tier, s := range c.stats {
		snap := TierSnapshot{
			Hits:      s.hits,
			Misses:    s.misses,
			Successes: s.successes,
			Errors:    s.errors,
		}
		lookups := s.hits + s.misses
		if lookups > 0 {
			snap.HitRate = float64(s.hits) / float64(lookups)
		}
		total := lookups + s.successes + s.errors
		if total > 0 {
			snap.ErrorRate = float64(s.errors) / float64(total)
		}
		if s.samples > 0 {
			snap.AvgLatency = s.latencySum / time.Duration(s.samples)
		}
		out[tier] = snap
	}
	return out
}

// Dropped returns the number of events discarded due to a full buffer.
func (c *Collector) Dropped() uint64 {
	if c == nil {
		return 0
	}
	return c.dropped.Load()
}

// Close stops the aggregation goroutine after draining buffered events.
func (c *Collector) Close() {
	close(c.done)
	c.wg.Wait()
}

func (c *Collector) run() {
	defer c.wg.Done()
	for {
		select {
		case ev := <-c.events:
			c.apply(ev)
		case <-c.done:
			// Drain whatever was buffered before shutdown.
			for {
				select {
				case ev := <-c.events:
					c.apply(ev)
				default:
					return
				}
			}
		}
	}
}

func (c *Collector) apply(ev Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.stats[ev.Tier]
	if !ok {
		s = &tierStats{}
		c.stats[ev.Tier] = s
	}
	switch ev.Outcome {
	case OutcomeHit:
		s.hits++
	case OutcomeMiss:
		s.misses++
	case OutcomeSuccess:
		s.successes++
	case OutcomeError:
		s.errors++
	}
	if ev.Latency > 0 {
		s.latencySum += ev.Latency
		s.samples++
	}
}
