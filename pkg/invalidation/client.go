package invalidation

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/villamira/availd/pkg/clock"
	"github.com/villamira/availd/pkg/telemetry"
)

// ErrChannelDisconnected reports that the invalidation channel is down.
// Callers degrade to TTL-only caching; this is never surfaced to users.
var ErrChannelDisconnected = errors.New("invalidation channel disconnected")

// Handler consumes decoded invalidation events.
type Handler func(Event)

// ClientConfig configures the reconnecting channel client.
type ClientConfig struct {
	// URL of the websocket endpoint, e.g. ws://host:8080/ws.
	URL string

	// PingInterval between client heartbeats.
	PingInterval time.Duration

	// ReconnectMin is the initial reconnect backoff; it doubles per
	// failed attempt up to ReconnectMax.
	ReconnectMin time.Duration
	ReconnectMax time.Duration
}

// DefaultClientConfig returns the default channel client settings.
func DefaultClientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:          url,
		PingInterval: DefaultHeartbeatInterval,
		ReconnectMin: 1 * time.Second,
		ReconnectMax: 30 * time.Second,
	}
}

// Client maintains a subscription to the invalidation channel, redelivering
// its subscriptions after every reconnect. While disconnected it reports
// Degraded; caches then rely on TTLs alone until the channel heals.
type Client struct {
	cfg     ClientConfig
	handler Handler
	clk     clock.Clock
	logger  zerolog.Logger
	tel     *telemetry.Collector

	mu       sync.Mutex
	subs     map[string]struct{}
	ws       *websocket.Conn
	degraded bool
}

// NewClient creates a channel client. The handler is invoked on the read
// goroutine for every invalidation event; it must not block. The collector
// may be nil.
func NewClient(cfg ClientConfig, handler Handler, clk clock.Clock, logger zerolog.Logger, tel *telemetry.Collector) *Client {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultHeartbeatInterval
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = 1 * time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 30 * time.Second
	}
	return &Client{
		cfg:      cfg,
		handler:  handler,
		clk:      clk,
		logger:   logger,
		tel:      tel,
		subs:     make(map[string]struct{}),
		degraded: true,
	}
}

// Run connects and services the channel until ctx is cancelled,
// reconnecting with bounded exponential backoff after every drop.
func (c *Client) Run(ctx context.Context) {
	backoff := c.cfg.ReconnectMin
	for {
		if ctx.Err() != nil {
			return
		}

		err := c.session(ctx)
		if ctx.Err() != nil {
			return
		}
		c.setDegraded(true)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Invalidation channel dropped, degrading to TTL-only caching")
		}

		channelReconnects.Inc()
		select {
		case <-ctx.Done():
			return
		case <-c.clk.After(jittered(backoff)):
		}
		backoff *= 2
		if backoff > c.cfg.ReconnectMax {
			backoff = c.cfg.ReconnectMax
		}
		if err == nil {
			// Clean session end, start the ladder over.
			backoff = c.cfg.ReconnectMin
		}
	}
}

// session runs one connection lifecycle: dial, resubscribe, then read
// until the connection fails or ctx is cancelled.
func (c *Client) session(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	ws, _, err := websocket.Dial(dialCtx, c.cfg.URL, nil)
	cancel()
	if err != nil {
		return err
	}
	defer ws.Close(websocket.StatusNormalClosure, "")

	// The hub greets with a connected frame before anything else.
	var hello Message
	if err := wsjson.Read(ctx, ws, &hello); err != nil {
		return err
	}
	if hello.Type != TypeConnected {
		return errors.New("expected connected frame from hub")
	}

	c.mu.Lock()
	c.ws = ws
	resources := make([]string, 0, len(c.subs))
	for r := range c.subs {
		resources = append(resources, r)
	}
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
	}()

	for _, r := range resources {
		if err := c.write(ctx, &Message{Type: TypeSubscribe, ResourceID: r}); err != nil {
			return err
		}
	}

	c.setDegraded(false)
	c.logger.Info().Int("subscriptions", len(resources)).Msg("Invalidation channel connected")

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go c.pingLoop(pingCtx, ws)

	for {
		var msg Message
		if err := wsjson.Read(ctx, ws, &msg); err != nil {
			return err
		}
		c.dispatch(&msg)
	}
}

func (c *Client) dispatch(msg *Message) {
	if !msg.IsEvent() {
		return
	}
	channelEventsReceived.WithLabelValues(string(msg.Type)).Inc()

	ev, err := msg.Event()
	if err != nil {
		c.logger.Warn().Err(err).Str("type", string(msg.Type)).Msg("Dropping malformed invalidation event")
		c.tel.Record(telemetry.Event{Tier: telemetry.TierChannel, Outcome: telemetry.OutcomeError})
		return
	}
	c.tel.Record(telemetry.Event{Tier: telemetry.TierChannel, Outcome: telemetry.OutcomeSuccess})
	if c.handler != nil {
		c.handler(ev)
	}
}

func (c *Client) pingLoop(ctx context.Context, ws *websocket.Conn) {
	ticker := c.clk.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if err := c.write(ctx, &Message{Type: TypePing}); err != nil {
				return
			}
		}
	}
}

// Subscribe registers interest in a resource's events. The subscription
// survives reconnects.
func (c *Client) Subscribe(ctx context.Context, resourceID string) error {
	c.mu.Lock()
	c.subs[resourceID] = struct{}{}
	connected := c.ws != nil
	c.mu.Unlock()

	if !connected {
		return ErrChannelDisconnected
	}
	return c.write(ctx, &Message{Type: TypeSubscribe, ResourceID: resourceID})
}

// Unsubscribe drops interest in a resource's events.
func (c *Client) Unsubscribe(ctx context.Context, resourceID string) error {
	c.mu.Lock()
	delete(c.subs, resourceID)
	connected := c.ws != nil
	c.mu.Unlock()

	if !connected {
		return ErrChannelDisconnected
	}
	return c.write(ctx, &Message{Type: TypeUnsubscribe, ResourceID: resourceID})
}

// Degraded reports whether the channel is currently down. While degraded,
// caches cannot rely on push invalidation and serve within TTLs only.
func (c *Client) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

func (c *Client) setDegraded(v bool) {
	c.mu.Lock()
	c.degraded = v
	c.mu.Unlock()
	if v {
		channelDegraded.Set(1)
	} else {
		channelDegraded.Set(0)
	}
}

func (c *Client) write(ctx context.Context, msg *Message) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrChannelDisconnected
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(ctx, ws, msg)
}

// jittered spreads a delay by ±20% so reconnect storms decorrelate.
func jittered(d time.Duration) time.Duration {
	f := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * f)
}
