// Package cache is the shared request cache. Reads are served from an
// in-memory mirror; writes and deletes hit the mirror immediately and are
// queued for a periodic batched flush to a durable Store. Concurrent loads
// of the same key are coalesced so only one request per key is in flight.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	"github.com/zeebo/xxh3"
	"golang.org/x/sync/singleflight"

	"drivetest-pipeline/internal/monitoring"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const DefaultFlushInterval = 250 * time.Millisecond

var errClosed = errors.New("cache: closed")

// Entry is one cached value
type Entry struct {
	Value    []byte
	StoredAt time.Time
}

// Mutation is a queued write; Delete mutations carry no value
type Mutation struct {
	Key      string
	Value    []byte
	StoredAt time.Time
	Delete   bool
}

// Store persists the mirror. Apply must write the whole batch atomically.
type Store interface {
	LoadAll(ctx context.Context) (map[string]Entry, error)
	Apply(ctx context.Context, batch []Mutation) error
	Close() error
}

// Pruner is implemented by stores that can drop expired rows themselves
type Pruner interface {
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// StatsReporter is implemented by stores that report their own footprint
type StatsReporter interface {
	GetStats(ctx context.Context) (map[string]interface{}, error)
}

// Config tunes flushing and expiry. MaxAge <= 0 disables expiry.
type Config struct {
	FlushInterval time.Duration
	MaxAge        time.Duration
}

// Cache is safe for concurrent use
type Cache struct {
	store   Store
	cfg     Config
	logger  zerolog.Logger
	metrics *monitoring.Metrics
	now     func() time.Time

	mu      sync.RWMutex
	mirror  map[string]Entry
	pending map[string]Mutation
	closed  bool

	flushMu sync.Mutex
	group   singleflight.Group
	stop    chan struct{}
	done    chan struct{}
}

// Open loads the store into memory and starts the flush loop
func Open(ctx context.Context, store Store, cfg Config, logger zerolog.Logger, metrics *monitoring.Metrics) (*Cache, error) {
	if store == nil {
		store = NewMemoryStore()
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if p, ok := store.(Pruner); ok && cfg.MaxAge > 0 {
		if _, err := p.PurgeOlderThan(ctx, time.Now().Add(-cfg.MaxAge)); err != nil {
			return nil, fmt.Errorf("pruning cache: %w", err)
		}
	}
	entries, err := store.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading cache: %w", err)
	}
	if entries == nil {
		entries = make(map[string]Entry)
	}

	c := &Cache{
		store:   store,
		cfg:     cfg,
		logger:  logger.With().Str("component", "cache").Logger(),
		metrics: metrics,
		now:     time.Now,
		mirror:  entries,
		pending: make(map[string]Mutation),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go c.flushLoop()

	c.logger.Debug().Int("entries", len(entries)).Msg("cache loaded")
	return c, nil
}

// Key builds a namespaced key from request parts. The parts are hashed so
// long session lists stay short.
func Key(namespace string, parts ...string) string {
	h := xxh3.HashString(strings.Join(parts, "\x1f"))
	return namespace + ":" + strconv.FormatUint(h, 16)
}

// Get returns a fresh entry from the mirror
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.RLock()
	e, ok := c.mirror[key]
	c.mu.RUnlock()
	if !ok || c.expired(e) {
		return nil, false
	}
	return e.Value, true
}

func (c *Cache) expired(e Entry) bool {
	return c.cfg.MaxAge > 0 && c.now().Sub(e.StoredAt) > c.cfg.MaxAge
}

// Set stores value and queues it for the next flush
func (c *Cache) Set(key string, value []byte) {
	now := c.now()
	c.mu.Lock()
	c.mirror[key] = Entry{Value: value, StoredAt: now}
	if !c.closed {
		c.pending[key] = Mutation{Key: key, Value: value, StoredAt: now}
	}
	c.mu.Unlock()
}

// Delete removes key and queues the deletion
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.mirror, key)
	if !c.closed {
		c.pending[key] = Mutation{Key: key, Delete: true}
	}
	c.mu.Unlock()
}

// Purge deletes every key with the prefix ("" purges all) and returns how many
func (c *Cache) Purge(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key := range c.mirror {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		delete(c.mirror, key)
		if !c.closed {
			c.pending[key] = Mutation{Key: key, Delete: true}
		}
		n++
	}
	return n
}

// PurgeExpired drops entries older than MaxAge
func (c *Cache) PurgeExpired() int {
	if c.cfg.MaxAge <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key, e := range c.mirror {
		if !c.expired(e) {
			continue
		}
		delete(c.mirror, key)
		if !c.closed {
			c.pending[key] = Mutation{Key: key, Delete: true}
		}
		n++
	}
	return n
}

// Stat describes one mirrored entry
type Stat struct {
	Key      string    `json:"key"`
	Bytes    int       `json:"bytes"`
	StoredAt time.Time `json:"stored_at"`
	Expired  bool      `json:"expired"`
}

// Stats lists mirrored entries sorted by key
func (c *Cache) Stats() []Stat {
	c.mu.RLock()
	out := make([]Stat, 0, len(c.mirror))
	for key, e := range c.mirror {
		out = append(out, Stat{Key: key, Bytes: len(e.Value), StoredAt: e.StoredAt, Expired: c.expired(e)})
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// StoreStats reports the durable store's own counters, if it keeps any
func (c *Cache) StoreStats(ctx context.Context) (map[string]interface{}, error) {
	r, ok := c.store.(StatsReporter)
	if !ok {
		return nil, nil
	}
	return r.GetStats(ctx)
}

// Len is the number of mirrored entries, expired ones included
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.mirror)
}

// Pending is the number of queued mutations
func (c *Cache) Pending() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.pending)
}

// Do returns the cached value for key or runs load once for all concurrent
// callers of the same key, caching its result. shared reports whether the
// value came from the cache or from another caller's load.
func (c *Cache) Do(ctx context.Context, key string, load func(ctx context.Context) ([]byte, error)) (value []byte, shared bool, err error) {
	if v, ok := c.Get(key); ok {
		c.metrics.CacheResult("hit")
		return v, true, nil
	}

	// the load outlives a single caller so joined callers are not cancelled with it
	loadCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, err := load(loadCtx)
		if err != nil {
			return nil, err
		}
		c.Set(key, v)
		return v, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		if res.Shared {
			c.metrics.CacheResult("shared")
		} else {
			c.metrics.CacheResult("miss")
		}
		return res.Val.([]byte), res.Shared, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// Flush writes every queued mutation to the store as one batch. Failed
// mutations are re-queued unless a newer mutation for the key arrived.
func (c *Cache) Flush(ctx context.Context) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return nil
	}
	batch := make([]Mutation, 0, len(c.pending))
	for _, m := range c.pending {
		batch = append(batch, m)
	}
	c.pending = make(map[string]Mutation)
	c.mu.Unlock()

	sort.Slice(batch, func(i, j int) bool { return batch[i].Key < batch[j].Key })

	if err := c.store.Apply(ctx, batch); err != nil {
		c.mu.Lock()
		for _, m := range batch {
			if _, newer := c.pending[m.Key]; !newer {
				c.pending[m.Key] = m
			}
		}
		c.mu.Unlock()
		c.metrics.CacheFlush("error")
		return fmt.Errorf("flushing %d cache mutations: %w", len(batch), err)
	}
	c.metrics.CacheFlush("ok")
	return nil
}

func (c *Cache) flushLoop() {
	defer close(c.done)
	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := c.Flush(context.Background()); err != nil {
				c.logger.Error().Err(err).Msg("cache flush failed")
			}
		case <-c.stop:
			return
		}
	}
}

// Close stops the flush loop, flushes what is left and closes the store
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errClosed
	}
	// nothing is queued past this point, so the final flush sees every write
	c.closed = true
	c.mu.Unlock()

	close(c.stop)
	<-c.done

	flushErr := c.Flush(context.Background())
	return errors.Join(flushErr, c.store.Close())
}

// GetJSON decodes a cached value into T
func GetJSON[T any](c *Cache, key string) (T, bool) {
	var v T
	raw, ok := c.Get(key)
	if !ok {
		return v, false
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, false
	}
	return v, true
}

// SetJSON encodes v and stores it
func SetJSON(c *Cache, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding cache value %s: %w", key, err)
	}
	c.Set(key, raw)
	return nil
}

// DoJSON is Do for JSON-encoded values
func DoJSON[T any](ctx context.Context, c *Cache, key string, load func(ctx context.Context) (T, error)) (T, bool, error) {
	var zero T
	raw, shared, err := c.Do(ctx, key, func(ctx context.Context) ([]byte, error) {
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	})
	if err != nil {
		return zero, false, err
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return zero, false, fmt.Errorf("decoding cache value %s: %w", key, err)
	}
	return v, shared, nil
}
