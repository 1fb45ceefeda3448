// Package kvstore persists the request cache in a Pebble key/value store.
// Values are stored as an 8-byte big-endian unix-nano timestamp followed by
// the cached bytes.
package kvstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"

	"drivetest-pipeline/internal/cache"
)

const (
	entryPrefix      = "e|"
	headerSize       = 8
	defaultCacheSize = int64(16 << 20)
)

var errInvalidValue = errors.New("kvstore: invalid value encoding")

// Store is a cache.Store on Pebble
type Store struct {
	db    *pebble.DB
	cache *pebble.Cache
}

// Open creates or opens the store directory
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("kvstore: database path is empty")
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("kvstore: ensure directory: %w", err)
	}

	opts := &pebble.Options{Cache: pebble.NewCache(defaultCacheSize)}
	db, err := pebble.Open(path, opts)
	if err != nil {
		opts.Cache.Unref()
		return nil, fmt.Errorf("kvstore: open: %w", err)
	}
	return &Store{db: db, cache: opts.Cache}, nil
}

func entryKey(key string) []byte {
	return []byte(entryPrefix + key)
}

func encodeValue(e cache.Entry) []byte {
	buf := make([]byte, headerSize+len(e.Value))
	binary.BigEndian.PutUint64(buf, uint64(e.StoredAt.UnixNano()))
	copy(buf[headerSize:], e.Value)
	return buf
}

func decodeValue(raw []byte) (cache.Entry, error) {
	if len(raw) < headerSize {
		return cache.Entry{}, errInvalidValue
	}
	value := make([]byte, len(raw)-headerSize)
	copy(value, raw[headerSize:])
	return cache.Entry{
		Value:    value,
		StoredAt: time.Unix(0, int64(binary.BigEndian.Uint64(raw))),
	}, nil
}

// LoadAll reads every entry
func (s *Store) LoadAll(ctx context.Context) (map[string]cache.Entry, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(entryPrefix),
		UpperBound: []byte("e}"),
	})
	if err != nil {
		return nil, fmt.Errorf("kvstore: entries iterator: %w", err)
	}
	defer iter.Close()

	entries := make(map[string]cache.Entry)
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		key := strings.TrimPrefix(string(iter.Key()), entryPrefix)
		e, err := decodeValue(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("kvstore: decode %s: %w", key, err)
		}
		entries[key] = e
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("kvstore: iterate entries: %w", err)
	}
	return entries, nil
}

// Apply commits the whole batch with a single synced Pebble batch
func (s *Store) Apply(ctx context.Context, batch []cache.Mutation) error {
	if len(batch) == 0 {
		return nil
	}
	b := s.db.NewBatch()
	defer b.Close()

	for _, m := range batch {
		var err error
		if m.Delete {
			err = b.Delete(entryKey(m.Key), nil)
		} else {
			err = b.Set(entryKey(m.Key), encodeValue(cache.Entry{Value: m.Value, StoredAt: m.StoredAt}), nil)
		}
		if err != nil {
			return fmt.Errorf("kvstore: stage %s: %w", m.Key, err)
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("kvstore: commit: %w", err)
	}
	return nil
}

// Close closes the database and releases the block cache
func (s *Store) Close() error {
	err := s.db.Close()
	if s.cache != nil {
		s.cache.Unref()
		s.cache = nil
	}
	return err
}

var _ cache.Store = (*Store)(nil)
