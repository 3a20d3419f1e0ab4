package invalidation

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/villamira/availd/pkg/clock"
)

// dialHub connects a raw websocket client and consumes the greeting.
func dialHub(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close(websocket.StatusNormalClosure, "") })

	var hello Message
	require.NoError(t, wsjson.Read(ctx, ws, &hello))
	require.Equal(t, TypeConnected, hello.Type)
	return ws
}

func send(t *testing.T, ws *websocket.Conn, msg Message) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, wsjson.Write(ctx, ws, &msg))
}

func readMessage(t *testing.T, ws *websocket.Conn) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var msg Message
	require.NoError(t, wsjson.Read(ctx, ws, &msg))
	return msg
}

func newHubFixture(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub(clock.New(), zerolog.Nop(), nil)
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	return hub, srv.URL
}

func TestSubscribeAndReceiveEvent(t *testing.T) {
	hub, url := newHubFixture(t)
	ws := dialHub(t, url)

	send(t, ws, Message{Type: TypeSubscribe, ResourceID: "deluxe-apartman"})
	require.Eventually(t, func() bool {
		return hub.Subscribers("deluxe-apartman") == 1
	}, 2*time.Second, 5*time.Millisecond)

	seq, err := hub.Publish(context.Background(), Message{
		Type:       TypeBookingCreated,
		ResourceID: "deluxe-apartman",
		Period:     "2026-03",
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	msg := readMessage(t, ws)
	assert.Equal(t, TypeBookingCreated, msg.Type)
	assert.Equal(t, "deluxe-apartman", msg.ResourceID)
	assert.Equal(t, uint64(1), msg.Sequence)
	assert.False(t, msg.Timestamp.IsZero())
}

func TestUnsubscribedConnectionGetsNothing(t *testing.T) {
	hub, url := newHubFixture(t)
	subscribed := dialHub(t, url)
	other := dialHub(t, url)

	send(t, subscribed, Message{Type: TypeSubscribe, ResourceID: "deluxe-apartman"})
	send(t, other, Message{Type: TypeSubscribe, ResourceID: "garden-studio"})
	require.Eventually(t, func() bool {
		return hub.Subscribers("deluxe-apartman") == 1 && hub.Subscribers("garden-studio") == 1
	}, 2*time.Second, 5*time.Millisecond)

	_, err := hub.Publish(context.Background(), Message{
		Type:       TypeAvailabilityUpdate,
		ResourceID: "deluxe-apartman",
		Period:     "2026-03",
	})
	require.NoError(t, err)

	msg := readMessage(t, subscribed)
	assert.Equal(t, "deluxe-apartman", msg.ResourceID)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	var stray Message
	assert.Error(t, wsjson.Read(ctx, other, &stray), "no event for a different resource's subscriber")
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	hub, url := newHubFixture(t)
	ws := dialHub(t, url)

	send(t, ws, Message{Type: TypeSubscribe, ResourceID: "deluxe-apartman"})
	require.Eventually(t, func() bool { return hub.Subscribers("deluxe-apartman") == 1 }, 2*time.Second, 5*time.Millisecond)

	send(t, ws, Message{Type: TypeUnsubscribe, ResourceID: "deluxe-apartman"})
	require.Eventually(t, func() bool { return hub.Subscribers("deluxe-apartman") == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestSequencesArePerResource(t *testing.T) {
	hub, _ := newHubFixture(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := hub.Publish(ctx, Message{Type: TypePriceUpdate, ResourceID: "deluxe-apartman", Period: "2026-03"})
		require.NoError(t, err)
	}
	seq, err := hub.Publish(ctx, Message{Type: TypePriceUpdate, ResourceID: "garden-studio", Period: "2026-03"})
	require.NoError(t, err)

	assert.Equal(t, uint64(3), hub.Sequence("deluxe-apartman"))
	assert.Equal(t, uint64(1), seq, "each resource counts independently")
}

func TestPingPong(t *testing.T) {
	_, url := newHubFixture(t)
	ws := dialHub(t, url)

	send(t, ws, Message{Type: TypePing})
	msg := readMessage(t, ws)
	assert.Equal(t, TypePong, msg.Type)
}

func TestPublishRejectsNonEvents(t *testing.T) {
	hub, _ := newHubFixture(t)

	_, err := hub.Publish(context.Background(), Message{Type: TypePing})
	assert.Error(t, err)
	_, err = hub.Publish(context.Background(), Message{Type: TypeBookingCreated})
	assert.Error(t, err, "events need a resource")
}

func TestDisconnectCleansUpSubscriptions(t *testing.T) {
	hub, url := newHubFixture(t)
	ws := dialHub(t, url)

	send(t, ws, Message{Type: TypeSubscribe, ResourceID: "deluxe-apartman"})
	require.Eventually(t, func() bool { return hub.ConnCount() == 1 && hub.Subscribers("deluxe-apartman") == 1 },
		2*time.Second, 5*time.Millisecond)

	ws.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool {
		return hub.ConnCount() == 0 && hub.Subscribers("deluxe-apartman") == 0
	}, 2*time.Second, 5*time.Millisecond)

	// Publishing into the now-empty subscription set is harmless.
	_, err := hub.Publish(context.Background(), Message{
		Type: TypeBookingCreated, ResourceID: "deluxe-apartman", Period: "2026-03",
	})
	assert.NoError(t, err)
}

func TestStaleConnectionsAreReaped(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	hub := NewHub(clk, zerolog.Nop(), nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	ws := dialHub(t, srv.URL)
	_ = ws
	require.Eventually(t, func() bool { return hub.ConnCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	// Three silent heartbeat intervals pass on the virtual clock.
	clk.Advance(3*DefaultHeartbeatInterval + time.Second)
	hub.reapStale()

	require.Eventually(t, func() bool { return hub.ConnCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}
