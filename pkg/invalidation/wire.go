// Package invalidation implements the push channel that tells caches which
// availability data changed. The server side is a websocket hub with
// per-resource subscriptions and monotonic sequence numbers; the client
// side is a reconnecting consumer that degrades to TTL-only caching while
// disconnected.
package invalidation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/villamira/availd/pkg/availability"
)

// MessageType discriminates channel messages.
type MessageType string

const (
	// Control messages.
	TypeConnected   MessageType = "connected"
	TypeSubscribe   MessageType = "subscribe"
	TypeUnsubscribe MessageType = "unsubscribe"
	TypePing        MessageType = "ping"
	TypePong        MessageType = "pong"

	// Invalidation events.
	TypeAvailabilityUpdate MessageType = "availability_update"
	TypeBookingCreated     MessageType = "booking_created"
	TypeBookingCancelled   MessageType = "booking_cancelled"
	TypePriceUpdate        MessageType = "price_update"
)

// Message is the wire format for every channel frame.
type Message struct {
	Type MessageType `json:"type"`

	// ResourceID the event applies to. Empty on control messages except
	// subscribe/unsubscribe, where it names the subscription target.
	ResourceID string `json:"resourceId,omitempty"`

	// Period the event covers, YYYY-MM. Events carry either Period or Date.
	Period string `json:"period,omitempty"`

	// Date the event covers, YYYY-MM-DD.
	Date string `json:"date,omitempty"`

	// Data is an optional event-specific payload, passed through opaquely.
	Data json.RawMessage `json:"data,omitempty"`

	// Sequence is the per-resource monotonic event counter, assigned by
	// the hub. Zero on control messages.
	Sequence uint64 `json:"sequence,omitempty"`

	Timestamp time.Time `json:"timestamp,omitempty"`
}

// IsEvent reports whether the message is an invalidation event rather than
// a control frame.
func (m *Message) IsEvent() bool {
	switch m.Type {
	case TypeAvailabilityUpdate, TypeBookingCreated, TypeBookingCancelled, TypePriceUpdate:
		return true
	}
	return false
}

// Event is a decoded invalidation event with its affected date range
// resolved, ready for cache eviction decisions.
type Event struct {
	Type       MessageType
	ResourceID string
	Range      availability.DateRange
	Sequence   uint64
	Timestamp  time.Time
}

// Event decodes an invalidation message into an Event. The affected range
// comes from the Date field when present (a single night), otherwise from
// the Period field (a whole month).
func (m *Message) Event() (Event, error) {
	if !m.IsEvent() {
		return Event{}, fmt.Errorf("message type %q is not an invalidation event", m.Type)
	}
	if m.ResourceID == "" {
		return Event{}, fmt.Errorf("invalidation event missing resourceId")
	}

	var rng availability.DateRange
	switch {
	case m.Date != "":
		day, err := time.Parse(availability.WireDate, m.Date)
		if err != nil {
			return Event{}, fmt.Errorf("invalid event date %q: %w", m.Date, err)
		}
		rng = availability.DateRange{Start: day, End: day.AddDate(0, 0, 1)}
	case m.Period != "":
		period, err := availability.ParsePeriod(m.Period)
		if err != nil {
			return Event{}, fmt.Errorf("invalid event period %q: %w", m.Period, err)
		}
		rng = period.Range()
	default:
		return Event{}, fmt.Errorf("invalidation event carries neither period nor date")
	}

	return Event{
		Type:       m.Type,
		ResourceID: m.ResourceID,
		Range:      rng,
		Sequence:   m.Sequence,
		Timestamp:  m.Timestamp,
	}, nil
}
