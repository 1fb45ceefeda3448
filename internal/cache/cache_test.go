package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T, store Store, cfg Config) *Cache {
	t.Helper()
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = time.Hour
	}
	c, err := Open(context.Background(), store, cfg, zerolog.Nop(), nil)
	require.NoError(t, err)
	return c
}

func TestKey(t *testing.T) {
	a := Key("samples", "1,2,3")
	assert.Equal(t, a, Key("samples", "1,2,3"))
	assert.NotEqual(t, a, Key("samples", "1,2"))
	assert.NotEqual(t, a, Key("neighbors", "1,2,3"))
	assert.Contains(t, a, "samples:")
}

func TestCache_MirrorIsImmediate(t *testing.T) {
	store := NewMemoryStore()
	c := openTest(t, store, Config{})
	defer c.Close()

	c.Set("k", []byte("v"))
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", string(v))

	// nothing reached the store yet
	assert.Equal(t, 0, store.Batches())
	assert.Equal(t, 1, c.Pending())

	c.Delete("k")
	_, ok = c.Get("k")
	assert.False(t, ok)
}

func TestCache_FlushIsOneBatch(t *testing.T) {
	store := NewMemoryStore()
	c := openTest(t, store, Config{})
	defer c.Close()

	c.Set("a", []byte("1"))
	c.Set("b", []byte("2"))
	c.Set("a", []byte("3"))
	c.Delete("b")
	require.NoError(t, c.Flush(context.Background()))

	assert.Equal(t, 1, store.Batches())
	assert.Equal(t, 0, c.Pending())
	entries, _ := store.LoadAll(context.Background())
	require.Len(t, entries, 1)
	assert.Equal(t, "3", string(entries["a"].Value))

	require.NoError(t, c.Flush(context.Background()))
	assert.Equal(t, 1, store.Batches())
}

func TestCache_BackgroundFlush(t *testing.T) {
	store := NewMemoryStore()
	c := openTest(t, store, Config{FlushInterval: 10 * time.Millisecond})
	defer c.Close()

	c.Set("a", []byte("1"))
	require.Eventually(t, func() bool { return store.Batches() >= 1 }, time.Second, 5*time.Millisecond)
}

func TestCache_CloseFlushesAndReopens(t *testing.T) {
	store := NewMemoryStore()
	c := openTest(t, store, Config{})
	c.Set("a", []byte("1"))
	require.NoError(t, c.Close())
	assert.Error(t, c.Close())

	reopened := openTest(t, store, Config{})
	defer reopened.Close()
	v, ok := reopened.Get("a")
	require.True(t, ok)
	assert.Equal(t, "1", string(v))
}

type gatedStore struct {
	MemoryStore
	applying chan struct{}
	release  chan struct{}
}

func (s *gatedStore) Apply(ctx context.Context, batch []Mutation) error {
	select {
	case s.applying <- struct{}{}:
	default:
	}
	<-s.release
	return s.MemoryStore.Apply(ctx, batch)
}

func TestCache_WritesDuringCloseAreNotQueued(t *testing.T) {
	store := &gatedStore{
		MemoryStore: MemoryStore{entries: make(map[string]Entry)},
		applying:    make(chan struct{}, 1),
		release:     make(chan struct{}),
	}
	c := openTest(t, store, Config{})
	c.Set("a", []byte("1"))

	closed := make(chan error, 1)
	go func() { closed <- c.Close() }()
	<-store.applying

	c.Set("b", []byte("2"))
	assert.Equal(t, 0, c.Pending())
	close(store.release)
	require.NoError(t, <-closed)

	assert.Equal(t, 0, c.Pending())
	entries, _ := store.LoadAll(context.Background())
	assert.Equal(t, "1", string(entries["a"].Value))
	assert.NotContains(t, entries, "b")
}

type failingStore struct {
	MemoryStore
	fail atomic.Bool
}

func (s *failingStore) Apply(ctx context.Context, batch []Mutation) error {
	if s.fail.Load() {
		return errors.New("disk full")
	}
	return s.MemoryStore.Apply(ctx, batch)
}

func TestCache_FailedFlushRequeues(t *testing.T) {
	store := &failingStore{MemoryStore: MemoryStore{entries: make(map[string]Entry)}}
	store.fail.Store(true)
	c := openTest(t, store, Config{})
	defer c.Close()

	c.Set("a", []byte("old"))
	require.Error(t, c.Flush(context.Background()))
	assert.Equal(t, 1, c.Pending())

	c.Set("a", []byte("new"))
	store.fail.Store(false)
	require.NoError(t, c.Flush(context.Background()))

	entries, _ := store.LoadAll(context.Background())
	assert.Equal(t, "new", string(entries["a"].Value))
}

func TestCache_MaxAge(t *testing.T) {
	c := openTest(t, nil, Config{MaxAge: time.Minute})
	defer c.Close()

	now := time.Now()
	c.now = func() time.Time { return now }
	c.Set("a", []byte("1"))
	_, ok := c.Get("a")
	assert.True(t, ok)

	c.now = func() time.Time { return now.Add(2 * time.Minute) }
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 1, c.PurgeExpired())
	assert.Equal(t, 0, c.Len())
}

func TestCache_Purge(t *testing.T) {
	c := openTest(t, nil, Config{})
	defer c.Close()

	c.Set("samples:1", nil)
	c.Set("samples:2", nil)
	c.Set("neighbors:1", nil)
	assert.Equal(t, 2, c.Purge("samples:"))
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, 1, c.Purge(""))
}

func TestCache_DoCoalesces(t *testing.T) {
	c := openTest(t, nil, Config{})
	defer c.Close()

	var loads atomic.Int32
	release := make(chan struct{})
	load := func(ctx context.Context) ([]byte, error) {
		loads.Add(1)
		<-release
		return []byte("value"), nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, _, err := c.Do(context.Background(), "k", load)
			assert.NoError(t, err)
			assert.Equal(t, "value", string(v))
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), loads.Load())

	v, shared, err := c.Do(context.Background(), "k", load)
	require.NoError(t, err)
	assert.True(t, shared)
	assert.Equal(t, "value", string(v))
	assert.Equal(t, int32(1), loads.Load())
}

func TestCache_DoErrorNotCached(t *testing.T) {
	c := openTest(t, nil, Config{})
	defer c.Close()

	_, _, err := c.Do(context.Background(), "k", func(ctx context.Context) ([]byte, error) {
		return nil, errors.New("upstream down")
	})
	require.Error(t, err)
	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestCache_DoCallerCancelled(t *testing.T) {
	c := openTest(t, nil, Config{})
	defer c.Close()

	release := make(chan struct{})
	defer close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, _, err := c.Do(ctx, "k", func(ctx context.Context) ([]byte, error) {
		<-release
		return []byte("late"), nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestJSONHelpers(t *testing.T) {
	c := openTest(t, nil, Config{})
	defer c.Close()

	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	require.NoError(t, SetJSON(c, "p", payload{"a", 2}))
	got, ok := GetJSON[payload](c, "p")
	require.True(t, ok)
	assert.Equal(t, payload{"a", 2}, got)

	v, _, err := DoJSON(context.Background(), c, "q", func(ctx context.Context) (payload, error) {
		return payload{"b", 3}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, v.Count)

	_, ok = GetJSON[payload](c, "missing")
	assert.False(t, ok)
}

func TestStoreStats_UnsupportedStore(t *testing.T) {
	c, err := Open(context.Background(), NewMemoryStore(), Config{FlushInterval: time.Hour}, zerolog.Nop(), nil)
	require.NoError(t, err)
	defer c.Close()

	stats, err := c.StoreStats(context.Background())
	require.NoError(t, err)
	assert.Nil(t, stats)
}
