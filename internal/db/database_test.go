package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drivetest-pipeline/internal/cache"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestApplyAndLoad(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	stored := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, db.Apply(ctx, []cache.Mutation{
		{Key: "a", Value: []byte("1"), StoredAt: stored},
		{Key: "b", Value: []byte("2"), StoredAt: stored},
	}))
	require.NoError(t, db.Apply(ctx, []cache.Mutation{
		{Key: "a", Value: []byte("3"), StoredAt: stored.Add(time.Minute)},
		{Key: "b", Delete: true},
	}))

	entries, err := db.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "3", string(entries["a"].Value))
	assert.True(t, entries["a"].StoredAt.Equal(stored.Add(time.Minute)))
}

func TestPurgeOlderThan(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, db.Apply(ctx, []cache.Mutation{
		{Key: "old", Value: []byte("x"), StoredAt: now.Add(-48 * time.Hour)},
		{Key: "new", Value: []byte("y"), StoredAt: now},
	}))

	n, err := db.PurgeOlderThan(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stats, err := db.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats["cache_entries"])
	assert.Equal(t, int64(1), stats["cache_bytes"])
}

func TestCacheRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()

	db, err := New(path)
	require.NoError(t, err)
	c, err := cache.Open(ctx, db, cache.Config{FlushInterval: time.Hour}, zerolog.Nop(), nil)
	require.NoError(t, err)
	c.Set(cache.Key("samples", "1,2"), []byte(`{"n":2}`))
	require.NoError(t, c.Close())

	db, err = New(path)
	require.NoError(t, err)
	reopened, err := cache.Open(ctx, db, cache.Config{FlushInterval: time.Hour}, zerolog.Nop(), nil)
	require.NoError(t, err)
	defer reopened.Close()

	v, ok := reopened.Get(cache.Key("samples", "1,2"))
	require.True(t, ok)
	assert.JSONEq(t, `{"n":2}`, string(v))
}

func TestCacheOpenPrunesExpiredRows(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, db.Apply(ctx, []cache.Mutation{
		{Key: "old", Value: []byte("x"), StoredAt: now.Add(-48 * time.Hour)},
		{Key: "new", Value: []byte("yy"), StoredAt: now},
	}))

	c, err := cache.Open(ctx, db, cache.Config{FlushInterval: time.Hour, MaxAge: time.Hour}, zerolog.Nop(), nil)
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, 1, c.Len())
	stats, err := c.StoreStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats["cache_entries"])
	assert.Equal(t, int64(2), stats["cache_bytes"])
}
