package offline

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore is the shared server-side backend. Redis expires entries
// itself via the TTL set on write.
type RedisStore struct {
	redis *redis.Client
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(redisClient *redis.Client) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &RedisStore{redis: redisClient}
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (*Entry, error) {
	data, err := s.redis.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	entry, err := decodeEntry(data)
	if err != nil {
		_ = s.redis.Del(ctx, key).Err()
		return nil, fmt.Errorf("%w: %v", ErrCorruption, err)
	}
	return entry, nil
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, e *Entry) error {
	if e.TTL <= 0 {
		// Already useless, don't store.
		return nil
	}
	data, err := e.encode()
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if err := s.redis.Set(ctx, e.Key, data, e.TTL).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.redis.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Keys implements Store.
func (s *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.redis.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return keys, nil
}

// Close implements Store. The Redis client is shared, so this is a no-op.
func (s *RedisStore) Close() error {
	return nil
}
