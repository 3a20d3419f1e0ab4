// Package offline implements the offline cache agent: it intercepts
// outgoing requests from the client runtime, applies a per-resource-class
// caching policy, tracks staleness through stored timestamps, and supports
// push invalidation plus background resynchronization.
package offline

import (
	"encoding/json"
	"time"
)

// Entry is the stored form of one cached response.
type Entry struct {
	// Key is the full storage key including the namespace prefix.
	Key string `json:"key"`

	// Payload is the cached response body.
	Payload []byte `json:"payload"`

	// ContentType of the cached response.
	ContentType string `json:"content_type"`

	// StoredAt is the capture timestamp.
	StoredAt time.Time `json:"stored_at"`

	// TTL bounds how long the entry may be served.
	TTL time.Duration `json:"ttl"`

	// Namespace the entry belongs to (api, static, or image namespace).
	Namespace string `json:"namespace"`

	// Sequence is the per-resource invalidation sequence known when the
	// network fetch producing this entry was dispatched. An invalidation
	// event with a lower or equal sequence does not evict the entry.
	Sequence uint64 `json:"sequence"`
}

// Age returns how long ago the entry was captured.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.StoredAt)
}

// Expired reports whether the entry is past its TTL.
func (e *Entry) Expired(now time.Time) bool {
	return e.Age(now) >= e.TTL
}

// encode serializes the entry for storage.
func (e *Entry) encode() ([]byte, error) {
	return json.Marshal(e)
}

// decodeEntry deserializes a stored entry. A failure here is cache
// corruption: the caller evicts the offending key and treats it as a miss.
func decodeEntry(data []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
