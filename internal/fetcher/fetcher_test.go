package fetcher

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drivetest-pipeline/internal/models"
	"drivetest-pipeline/internal/upstream"
)

// fakeSource serves pages from an in-memory record list
type fakeSource struct {
	mu       sync.Mutex
	records  map[string][]map[string]any
	total    int
	hasTotal bool
	failPage int
	block    chan struct{}
	calls    []int
}

func newFakeSource(key string, n int) *fakeSource {
	return &fakeSource{
		records:  map[string][]map[string]any{key: makeRecords(key, n)},
		total:    n,
		hasTotal: true,
	}
}

func makeRecords(session string, n int) []map[string]any {
	out := make([]map[string]any, n)
	for i := range out {
		out[i] = map[string]any{
			"session_id": session,
			"lat":        10 + float64(i)*0.001,
			"lng":        20 + float64(i)*0.001,
			"rsrp":       -90,
		}
	}
	return out
}

func (s *fakeSource) FetchLogPage(ctx context.Context, ids []string, page, size int) (*upstream.LogPage, error) {
	s.mu.Lock()
	s.calls = append(s.calls, page)
	block := s.block
	s.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.failPage != 0 && page == s.failPage {
		return nil, errors.New("boom")
	}

	recs := s.records[FetchKey(ids)]
	start := (page - 1) * size
	if start > len(recs) {
		start = len(recs)
	}
	end := start + size
	if end > len(recs) {
		end = len(recs)
	}
	return &upstream.LogPage{Records: recs[start:end], Total: s.total, HasTotal: s.hasTotal}, nil
}

func (s *fakeSource) pageCalls() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.calls...)
}

func newTestFetcher(src PageSource, cfg Config) *Fetcher {
	if cfg.PageDelay == 0 {
		cfg.PageDelay = time.Millisecond
	}
	return New(src, nil, cfg, zerolog.Nop())
}

func TestFetchKey(t *testing.T) {
	assert.Equal(t, "1,2,3", FetchKey([]string{"3", " 1", "2", "1", ""}))
	assert.Equal(t, "", FetchKey(nil))
	assert.Equal(t, []string{"1", "2"}, SplitKey("1,2"))
	assert.Nil(t, SplitKey(""))
}

func TestFetch_AllPages(t *testing.T) {
	src := newFakeSource("s1", 25)
	var progress []models.Progress
	f := New(src, nil, Config{PageSize: 10, PageDelay: time.Millisecond}, zerolog.Nop(),
		WithObserver(func(_ string, p models.Progress) { progress = append(progress, p) }))

	res, err := f.Fetch(context.Background(), []string{"s1"})
	require.NoError(t, err)

	assert.Len(t, res.Samples, 25)
	assert.Equal(t, 3, res.Pages)
	assert.False(t, res.Partial)
	assert.False(t, res.Cancelled)
	assert.Equal(t, []int{1, 2, 3}, src.pageCalls())

	require.Len(t, progress, 3)
	assert.Equal(t, models.Progress{Current: 10, Total: 25, Page: 1, TotalPages: 3}, progress[0])
	assert.Equal(t, models.Progress{Current: 25, Total: 25, Page: 3, TotalPages: 3}, progress[2])

	snap := f.Snapshot()
	assert.False(t, snap.Loading)
	assert.Len(t, snap.Samples, 25)
}

func TestFetch_ShortPageStops(t *testing.T) {
	// total says 6 but only 4 exist: page 3 would be empty, page 2 is short
	src := newFakeSource("s1", 4)
	src.total = 6
	f := newTestFetcher(src, Config{PageSize: 2})

	res, err := f.Fetch(context.Background(), []string{"s1"})
	require.NoError(t, err)
	assert.Len(t, res.Samples, 4)
	assert.Equal(t, []int{1, 2, 3}, src.pageCalls())
}

func TestFetch_InflatedTotalBoundedByMaxPages(t *testing.T) {
	src := newFakeSource("s1", 1000)
	src.total = 1_000_000
	f := newTestFetcher(src, Config{PageSize: 10, MaxPages: 5})

	res, err := f.Fetch(context.Background(), []string{"s1"})
	require.NoError(t, err)
	assert.Len(t, res.Samples, 50)
	assert.Len(t, src.pageCalls(), 5)
}

func TestFetch_MissingTotalFallsBackToPageLength(t *testing.T) {
	src := newFakeSource("s1", 3)
	src.hasTotal = false
	f := newTestFetcher(src, Config{PageSize: 10})

	res, err := f.Fetch(context.Background(), []string{"s1"})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Progress.Total)
	assert.Equal(t, 1, res.Progress.TotalPages)
}

func TestFetch_DropsInvalidRecords(t *testing.T) {
	src := newFakeSource("s1", 3)
	src.records["s1"] = append(src.records["s1"], map[string]any{"lat": 200, "lng": 0})
	src.total = 4
	f := newTestFetcher(src, Config{PageSize: 10})

	res, err := f.Fetch(context.Background(), []string{"s1"})
	require.NoError(t, err)
	assert.Len(t, res.Samples, 3)
	assert.Equal(t, models.DropStats{Total: 4, Kept: 3, Dropped: 1}, res.Drops)
	assert.Equal(t, 4, res.Progress.Current)
}

func TestFetch_PartialFailureKeepsData(t *testing.T) {
	src := newFakeSource("s1", 30)
	src.failPage = 2
	f := newTestFetcher(src, Config{PageSize: 10})

	res, err := f.Fetch(context.Background(), []string{"s1"})
	require.NoError(t, err)
	assert.True(t, res.Partial)
	assert.Error(t, res.Err)
	assert.Len(t, res.Samples, 10)
}

func TestFetch_TotalFailure(t *testing.T) {
	src := newFakeSource("s1", 30)
	src.failPage = 1
	f := newTestFetcher(src, Config{PageSize: 10})

	res, err := f.Fetch(context.Background(), []string{"s1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoData)
	assert.Nil(t, res)
}

func TestFetch_EmptyKey(t *testing.T) {
	f := newTestFetcher(newFakeSource("s1", 1), Config{})
	res, err := f.Fetch(context.Background(), []string{" "})
	require.NoError(t, err)
	assert.Empty(t, res.Samples)
}

func TestFetch_SameKeyCoalesces(t *testing.T) {
	src := newFakeSource("s1", 5)
	src.block = make(chan struct{})
	f := newTestFetcher(src, Config{PageSize: 10})

	var wg sync.WaitGroup
	results := make([]*Result, 3)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.Fetch(context.Background(), []string{"s1"})
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}

	require.Eventually(t, func() bool { return len(src.pageCalls()) == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(src.block)
	wg.Wait()

	assert.Equal(t, []int{1}, src.pageCalls())
	for _, res := range results {
		assert.Same(t, results[0], res)
	}
}

func TestFetch_NewKeySupersedesOld(t *testing.T) {
	src := &fakeSource{
		records: map[string][]map[string]any{
			"a": makeRecords("a", 30),
			"b": makeRecords("b", 5),
		},
		total:    30,
		hasTotal: true,
	}
	src.block = make(chan struct{})

	var seen []string
	var seenMu sync.Mutex
	f := New(src, nil, Config{PageSize: 10, PageDelay: time.Millisecond}, zerolog.Nop(),
		WithObserver(func(key string, _ models.Progress) {
			seenMu.Lock()
			seen = append(seen, key)
			seenMu.Unlock()
		}))

	done := make(chan *Result, 1)
	go func() {
		res, err := f.Fetch(context.Background(), []string{"a"})
		assert.NoError(t, err)
		done <- res
	}()
	require.Eventually(t, func() bool { return len(src.pageCalls()) == 1 }, time.Second, time.Millisecond)

	src.mu.Lock()
	src.block = nil
	src.total = 5
	src.mu.Unlock()

	resB, err := f.Fetch(context.Background(), []string{"b"})
	require.NoError(t, err)

	resA := <-done
	assert.True(t, resA.Cancelled)
	assert.Empty(t, resA.Samples)

	require.Len(t, resB.Samples, 5)
	for _, s := range resB.Samples {
		assert.Equal(t, "b", s.SessionID)
	}

	seenMu.Lock()
	defer seenMu.Unlock()
	for _, key := range seen {
		assert.Equal(t, "b", key)
	}
	assert.Equal(t, "b", f.Snapshot().Key)
}

func TestFetch_CancelStopsWalk(t *testing.T) {
	src := newFakeSource("s1", 100)
	var pages atomic.Int32
	f := New(src, nil, Config{PageSize: 10, PageDelay: 50 * time.Millisecond}, zerolog.Nop(),
		WithObserver(func(string, models.Progress) { pages.Add(1) }))

	done := make(chan *Result, 1)
	go func() {
		res, _ := f.Fetch(context.Background(), []string{"s1"})
		done <- res
	}()
	require.Eventually(t, func() bool { return pages.Load() >= 1 }, time.Second, time.Millisecond)
	f.Cancel()

	res := <-done
	assert.True(t, res.Cancelled)
	assert.Less(t, len(src.pageCalls()), 10)
	assert.False(t, f.Snapshot().Loading)
}

func TestFetch_CallerContextCancelled(t *testing.T) {
	src := newFakeSource("s1", 5)
	src.block = make(chan struct{})
	defer close(src.block)
	f := newTestFetcher(src, Config{PageSize: 10})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res, err := f.Fetch(ctx, []string{"s1"})
	require.NoError(t, err)
	assert.True(t, res.Cancelled)
}

func BenchmarkFetchKey(b *testing.B) {
	ids := make([]string, 50)
	for i := range ids {
		ids[i] = strconv.Itoa(50 - i)
	}
	for i := 0; i < b.N; i++ {
		FetchKey(ids)
	}
}
