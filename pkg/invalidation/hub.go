package invalidation

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/villamira/availd/pkg/clock"
	"github.com/villamira/availd/pkg/telemetry"
)

// DefaultHeartbeatInterval is how often clients are expected to ping.
// Connections silent for three intervals are presumed dead and reaped.
const DefaultHeartbeatInterval = 30 * time.Second

// hubConn is one accepted websocket connection.
type hubConn struct {
	id string
	ws *websocket.Conn

	// writeMu serializes frames; the hub broadcasts from multiple
	// goroutines onto the same connection.
	writeMu sync.Mutex

	lastSeen time.Time
}

func (c *hubConn) send(ctx context.Context, msg *Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(ctx, c.ws, msg)
}

// Hub is the server side of the invalidation channel. It accepts websocket
// connections, tracks per-resource subscriptions, assigns per-resource
// monotonic sequence numbers, and broadcasts invalidation events. A failed
// write closes only the affected connection; remaining subscribers are
// unaffected.
type Hub struct {
	clk               clock.Clock
	logger            zerolog.Logger
	tel               *telemetry.Collector
	heartbeatInterval time.Duration

	mu     sync.Mutex
	conns  map[string]*hubConn
	subs   map[string]map[string]struct{} // resourceID -> conn ids
	seq    map[string]uint64              // resourceID -> last assigned sequence
	nextID uint64
	closed bool
}

// NewHub creates an invalidation hub. The collector may be nil.
func NewHub(clk clock.Clock, logger zerolog.Logger, tel *telemetry.Collector) *Hub {
	return &Hub{
		clk:               clk,
		logger:            logger,
		tel:               tel,
		heartbeatInterval: DefaultHeartbeatInterval,
		conns:             make(map[string]*hubConn),
		subs:              make(map[string]map[string]struct{}),
		seq:               make(map[string]uint64),
	}
}

// SetHeartbeatInterval overrides the liveness interval. Call before Run.
func (h *Hub) SetHeartbeatInterval(d time.Duration) {
	if d > 0 {
		h.heartbeatInterval = d
	}
}

// Run reaps connections that have been silent for three heartbeat
// intervals. Blocks until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	ticker := h.clk.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C():
			h.reapStale()
		}
	}
}

// ServeHTTP upgrades the request to a websocket connection and services it
// until the peer disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Browsers on the booking site connect cross-origin during
		// development; the deployment fronts this with its own origin checks.
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.logger.Warn().Err(err).Msg("Websocket accept failed")
		return
	}

	conn := h.register(ws)
	if conn == nil {
		ws.Close(websocket.StatusGoingAway, "shutting down")
		return
	}
	defer h.unregister(conn.id)

	h.logger.Info().Str("conn", conn.id).Msg("Invalidation channel connected")

	if err := conn.send(r.Context(), &Message{
		Type:      TypeConnected,
		Timestamp: h.clk.Now(),
	}); err != nil {
		return
	}

	h.readLoop(r.Context(), conn)
}

// readLoop services control frames from one connection.
func (h *Hub) readLoop(ctx context.Context, conn *hubConn) {
	for {
		var msg Message
		if err := wsjson.Read(ctx, conn.ws, &msg); err != nil {
			h.logger.Debug().Str("conn", conn.id).Err(err).Msg("Invalidation channel read ended")
			return
		}
		h.touch(conn.id)

		switch msg.Type {
		case TypeSubscribe:
			if msg.ResourceID == "" {
				continue
			}
			h.subscribe(conn.id, msg.ResourceID)
			h.logger.Debug().Str("conn", conn.id).Str("resource", msg.ResourceID).Msg("Subscribed")
		case TypeUnsubscribe:
			if msg.ResourceID == "" {
				continue
			}
			h.unsubscribe(conn.id, msg.ResourceID)
			h.logger.Debug().Str("conn", conn.id).Str("resource", msg.ResourceID).Msg("Unsubscribed")
		case TypePing:
			if err := conn.send(ctx, &Message{Type: TypePong, Timestamp: h.clk.Now()}); err != nil {
				return
			}
		default:
			h.logger.Debug().Str("conn", conn.id).Str("type", string(msg.Type)).Msg("Ignoring unexpected frame")
		}
	}
}

// Publish assigns the event's per-resource sequence number, stamps it, and
// broadcasts it to every subscriber of the resource. Returns the assigned
// sequence. Connections whose write fails are closed and removed; the
// broadcast continues to the rest.
func (h *Hub) Publish(ctx context.Context, msg Message) (uint64, error) {
	if !msg.IsEvent() {
		return 0, fmt.Errorf("cannot publish non-event message type %q", msg.Type)
	}
	if msg.ResourceID == "" {
		return 0, fmt.Errorf("cannot publish event without resourceId")
	}

	h.mu.Lock()
	h.seq[msg.ResourceID]++
	msg.Sequence = h.seq[msg.ResourceID]
	msg.Timestamp = h.clk.Now()

	var targets []*hubConn
	for id := range h.subs[msg.ResourceID] {
		if c, ok := h.conns[id]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	delivered := 0
	for _, conn := range targets {
		if err := conn.send(ctx, &msg); err != nil {
			h.logger.Warn().
				Str("conn", conn.id).
				Str("resource", msg.ResourceID).
				Err(err).
				Msg("Broadcast write failed, closing connection")
			h.drop(conn, websocket.StatusAbnormalClosure, "write failed")
			continue
		}
		delivered++
	}

	h.tel.Record(telemetry.Event{Tier: telemetry.TierChannel, Outcome: telemetry.OutcomeSuccess})
	h.logger.Info().
		Str("resource", msg.ResourceID).
		Str("event", string(msg.Type)).
		Uint64("sequence", msg.Sequence).
		Int("delivered", delivered).
		Msg("Published invalidation event")
	return msg.Sequence, nil
}

// Sequence returns the last sequence number assigned for a resource.
func (h *Hub) Sequence(resourceID string) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.seq[resourceID]
}

// ConnCount returns the number of open connections.
func (h *Hub) ConnCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Subscribers returns the number of connections subscribed to a resource.
func (h *Hub) Subscribers(resourceID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[resourceID])
}

func (h *Hub) register(ws *websocket.Conn) *hubConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.nextID++
	conn := &hubConn{
		id:       fmt.Sprintf("conn-%d", h.nextID),
		ws:       ws,
		lastSeen: h.clk.Now(),
	}
	h.conns[conn.id] = conn
	channelConnections.Inc()
	return conn
}

// unregister removes a connection from the conn table and every
// subscription set.
func (h *Hub) unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[id]; !ok {
		return
	}
	delete(h.conns, id)
	for resource, set := range h.subs {
		delete(set, id)
		if len(set) == 0 {
			delete(h.subs, resource)
		}
	}
	channelConnections.Dec()
}

func (h *Hub) subscribe(id, resourceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[resourceID]
	if !ok {
		set = make(map[string]struct{})
		h.subs[resourceID] = set
	}
	set[id] = struct{}{}
}

func (h *Hub) unsubscribe(id, resourceID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[resourceID]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(h.subs, resourceID)
		}
	}
}

func (h *Hub) touch(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.conns[id]; ok {
		c.lastSeen = h.clk.Now()
	}
}

func (h *Hub) drop(conn *hubConn, code websocket.StatusCode, reason string) {
	_ = conn.ws.Close(code, reason)
	h.unregister(conn.id)
}

// reapStale closes connections silent for three heartbeat intervals.
func (h *Hub) reapStale() {
	cutoff := h.clk.Now().Add(-3 * h.heartbeatInterval)

	h.mu.Lock()
	var stale []*hubConn
	for _, c := range h.conns {
		if c.lastSeen.Before(cutoff) {
			stale = append(stale, c)
		}
	}
	h.mu.Unlock()

	for _, c := range stale {
		h.logger.Info().Str("conn", c.id).Msg("Reaping stale connection")
		h.drop(c, websocket.StatusGoingAway, "heartbeat timeout")
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	h.closed = true
	conns := make([]*hubConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		h.drop(c, websocket.StatusGoingAway, "shutting down")
	}
}
