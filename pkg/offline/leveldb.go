package offline

import (
	"context"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/villamira/availd/pkg/clock"
)

// LevelStore is the on-disk backend for the client runtime, backed by
// LevelDB. Expiry is enforced lazily on read.
type LevelStore struct {
	db  *leveldb.DB
	clk clock.Clock
}

// OpenLevelStore opens (or creates) a LevelDB-backed store at path.
func OpenLevelStore(path string, clk clock.Clock) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb at %s: %w", path, err)
	}
	return &LevelStore{db: db, clk: clk}, nil
}

// OpenMemoryLevelStore opens a store backed by in-memory LevelDB storage.
// Used in tests and for ephemeral client sessions.
func OpenMemoryLevelStore(clk clock.Clock) (*LevelStore, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("open in-memory leveldb: %w", err)
	}
	return &LevelStore{db: db, clk: clk}, nil
}

// Get implements Store.
func (s *LevelStore) Get(ctx context.Context, key string) (*Entry, error) {
	data, err := s.db.Get([]byte(key), nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("leveldb get: %w", err)
	}

	entry, err := decodeEntry(data)
	if err != nil {
		// Corrupt payload: evict so the next read is a clean miss.
		_ = s.db.Delete([]byte(key), nil)
		return nil, fmt.Errorf("%w: %v", ErrCorruption, err)
	}

	if entry.Expired(s.clk.Now()) {
		_ = s.db.Delete([]byte(key), nil)
		return nil, ErrNotFound
	}
	return entry, nil
}

// Set implements Store.
func (s *LevelStore) Set(ctx context.Context, e *Entry) error {
	data, err := e.encode()
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if err := s.db.Put([]byte(e.Key), data, nil); err != nil {
		return fmt.Errorf("leveldb put: %w", err)
	}
	return nil
}

// Delete implements Store.
func (s *LevelStore) Delete(ctx context.Context, key string) error {
	if err := s.db.Delete([]byte(key), nil); err != nil {
		return fmt.Errorf("leveldb delete: %w", err)
	}
	return nil
}

// Keys implements Store.
func (s *LevelStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()

	var keys []string
	for iter.Next() {
		keys = append(keys, string(iter.Key()))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("leveldb iterate: %w", err)
	}
	return keys, nil
}

// Close implements Store.
func (s *LevelStore) Close() error {
	return s.db.Close()
}
