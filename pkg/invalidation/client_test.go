package invalidation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/villamira/availd/pkg/clock"
)

func fastClientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:          url,
		PingInterval: time.Second,
		ReconnectMin: 10 * time.Millisecond,
		ReconnectMax: 50 * time.Millisecond,
	}
}

type eventSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *eventSink) handle(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *eventSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func (s *eventSink) last() Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[len(s.events)-1]
}

func TestClientReceivesSubscribedEvents(t *testing.T) {
	hub, url := newHubFixture(t)
	sink := &eventSink{}

	client := NewClient(fastClientConfig(url), sink.handle, clock.New(), zerolog.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	require.Eventually(t, func() bool { return !client.Degraded() }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, client.Subscribe(ctx, "deluxe-apartman"))
	require.Eventually(t, func() bool { return hub.Subscribers("deluxe-apartman") == 1 }, 2*time.Second, 5*time.Millisecond)

	_, err := hub.Publish(ctx, Message{
		Type:       TypeBookingCreated,
		ResourceID: "deluxe-apartman",
		Date:       "2026-03-15",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	ev := sink.last()
	assert.Equal(t, TypeBookingCreated, ev.Type)
	assert.Equal(t, "2026-03-15..2026-03-16", ev.Range.String())
	assert.Equal(t, uint64(1), ev.Sequence)
}

func TestClientDegradesWhenChannelDrops(t *testing.T) {
	hub, url := newHubFixture(t)
	client := NewClient(fastClientConfig(url), nil, clock.New(), zerolog.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	require.Eventually(t, func() bool { return !client.Degraded() }, 2*time.Second, 5*time.Millisecond)

	// The hub force-closes everything; the client notices and degrades.
	hub.closeAll()
	require.Eventually(t, func() bool { return client.Degraded() }, 2*time.Second, 5*time.Millisecond)
}

func TestClientResubscribesAfterReconnect(t *testing.T) {
	hub, url := newHubFixture(t)
	sink := &eventSink{}
	client := NewClient(fastClientConfig(url), sink.handle, clock.New(), zerolog.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	require.Eventually(t, func() bool { return !client.Degraded() }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, client.Subscribe(ctx, "deluxe-apartman"))
	require.Eventually(t, func() bool { return hub.Subscribers("deluxe-apartman") == 1 }, 2*time.Second, 5*time.Millisecond)

	// Drop the connection; the hub is still serving, so the client comes
	// back and replays its subscription on its own.
	hub.mu.Lock()
	conns := make([]*hubConn, 0, len(hub.conns))
	for _, c := range hub.conns {
		conns = append(conns, c)
	}
	hub.mu.Unlock()
	for _, c := range conns {
		hub.drop(c, 4000, "test drop")
	}

	require.Eventually(t, func() bool {
		return hub.Subscribers("deluxe-apartman") == 1
	}, 5*time.Second, 10*time.Millisecond, "subscription replayed after reconnect")

	_, err := hub.Publish(ctx, Message{
		Type:       TypeAvailabilityUpdate,
		ResourceID: "deluxe-apartman",
		Period:     "2026-03",
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sink.count() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestSubscribeWhileDisconnected(t *testing.T) {
	client := NewClient(fastClientConfig("ws://127.0.0.1:0"), nil, clock.New(), zerolog.Nop(), nil)

	err := client.Subscribe(context.Background(), "deluxe-apartman")
	assert.ErrorIs(t, err, ErrChannelDisconnected)
	assert.True(t, client.Degraded(), "a never-connected client reports degraded")
}
