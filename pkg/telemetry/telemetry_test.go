package telemetry

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorAggregates(t *testing.T) {
	c := NewCollector(64, zerolog.Nop())

	c.Record(Event{Tier: TierQueryCache, Outcome: OutcomeHit})
	c.Record(Event{Tier: TierQueryCache, Outcome: OutcomeHit})
	c.Record(Event{Tier: TierQueryCache, Outcome: OutcomeMiss})
	c.Record(Event{Tier: TierUpstream, Outcome: OutcomeSuccess, Latency: 100 * time.Millisecond})
	c.Record(Event{Tier: TierUpstream, Outcome: OutcomeSuccess, Latency: 300 * time.Millisecond})
	c.Record(Event{Tier: TierUpstream, Outcome: OutcomeError, Latency: 200 * time.Millisecond})
	c.Close()

	snap := c.Snapshot()

	qc, ok := snap[TierQueryCache]
	require.True(t, ok)
	assert.Equal(t, uint64(2), qc.Hits)
	assert.Equal(t, uint64(1), qc.Misses)
	assert.InDelta(t, 2.0/3.0, qc.HitRate, 0.001)

	up, ok := snap[TierUpstream]
	require.True(t, ok)
	assert.Equal(t, uint64(2), up.Successes)
	assert.Equal(t, uint64(1), up.Errors)
	assert.InDelta(t, 1.0/3.0, up.ErrorRate, 0.001)
	assert.Equal(t, 200*time.Millisecond, up.AvgLatency)
}

func TestCollectorNeverBlocksWhenFull(t *testing.T) {
	c := NewCollector(1, zerolog.Nop())
	defer c.Close()

	// Far more events than the buffer holds; Record must return regardless.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10_000; i++ {
			c.Record(Event{Tier: TierDedup, Outcome: OutcomeHit})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Record blocked on a full buffer")
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.Record(Event{Tier: TierOffline, Outcome: OutcomeHit})
	assert.Zero(t, c.Dropped())
}
