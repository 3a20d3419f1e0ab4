package offline

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates the requested key is absent or expired.
	ErrNotFound = errors.New("cache entry not found")

	// ErrCorruption indicates a stored payload failed to deserialize.
	// The store evicts the offending entry before returning this; callers
	// treat it as a miss and refetch, never surface it to the user.
	ErrCorruption = errors.New("cache entry corrupt")
)

// Store is the persistent backend the agent writes through. Implementations:
// LevelStore (client runtime, on-disk) and RedisStore (server side, shared).
// Expired entries are reported as ErrNotFound.
type Store interface {
	// Get retrieves an entry by full key.
	Get(ctx context.Context, key string) (*Entry, error)

	// Set persists an entry.
	Set(ctx context.Context, e *Entry) error

	// Delete removes an entry. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys lists all stored keys with the given prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Close releases the backend.
	Close() error
}
