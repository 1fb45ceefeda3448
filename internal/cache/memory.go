package cache

import (
	"context"
	"sync"
)

// MemoryStore is a non-durable Store
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
	batches int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) LoadAll(ctx context.Context) (map[string]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Entry, len(s.entries))
	for k, v := range s.entries {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) Apply(ctx context.Context, batch []Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range batch {
		if m.Delete {
			delete(s.entries, m.Key)
			continue
		}
		s.entries[m.Key] = Entry{Value: m.Value, StoredAt: m.StoredAt}
	}
	s.batches++
	return nil
}

// Batches is the number of applied batches
func (s *MemoryStore) Batches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches
}

func (s *MemoryStore) Close() error { return nil }
