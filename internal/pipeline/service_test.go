package pipeline

import (
	"context"
	stdjson "encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drivetest-pipeline/internal/cache"
	"drivetest-pipeline/internal/fetcher"
	"drivetest-pipeline/internal/models"
	"drivetest-pipeline/internal/neighbor"
	"drivetest-pipeline/internal/stats"
	"drivetest-pipeline/internal/threshold"
	"drivetest-pipeline/internal/upstream"
)

const boxGeometry = `{"type":"Polygon","coordinates":[[[19.9,9.9],[20.1,9.9],[20.1,10.1],[19.9,10.1],[19.9,9.9]]]}`

type fakeUpstream struct {
	mu         sync.Mutex
	records    []map[string]any
	failPage   int
	pageCalls  int
	neighbors  map[string]string
	nbStarted  chan string
	nbCalls    int
	thresholds string
	saved      map[string]models.ThresholdSet
	polygons   []upstream.PolygonRecord
	deleted    []string
	aggregates map[string][]map[string]any
	aggCalls   map[string]int
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		records: []map[string]any{
			{"session_id": "s1", "lat": 10.0, "lng": 20.0, "rsrp": -85, "operator": "jio"},
			{"session_id": "s1", "lat": 10.05, "lng": 20.05, "rsrp": -105, "operator": "jio"},
			{"session_id": "s2", "lat": 50.0, "lng": 60.0, "rsrp": -95, "operator": "airtel"},
			{"session_id": "s2", "lat": "bad", "lng": 60.0, "rsrp": -95},
		},
		aggCalls: make(map[string]int),
	}
}

func (f *fakeUpstream) FetchLogPage(ctx context.Context, ids []string, page, size int) (*upstream.LogPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pageCalls++
	if f.failPage == page {
		return nil, errors.New("gateway timeout")
	}
	start := (page - 1) * size
	if start > len(f.records) {
		start = len(f.records)
	}
	end := start + size
	if end > len(f.records) {
		end = len(f.records)
	}
	return &upstream.LogPage{Records: f.records[start:end], Total: len(f.records), HasTotal: true}, nil
}

func (f *fakeUpstream) FetchNeighbors(ctx context.Context, sessionID string) ([]byte, error) {
	if sessionID == "slow" {
		f.nbStarted <- sessionID
		<-ctx.Done()
		return nil, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nbCalls++
	body, ok := f.neighbors[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s unavailable", sessionID)
	}
	return []byte(body), nil
}

func (f *fakeUpstream) FetchThresholds(ctx context.Context) ([]byte, error) {
	if f.thresholds == "" {
		return nil, errors.New("no settings")
	}
	return []byte(f.thresholds), nil
}

func (f *fakeUpstream) SaveThresholds(ctx context.Context, sets map[string]models.ThresholdSet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = sets
	return nil
}

func (f *fakeUpstream) ListPolygons(ctx context.Context) ([]upstream.PolygonRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]upstream.PolygonRecord(nil), f.polygons...), nil
}

func (f *fakeUpstream) SavePolygon(ctx context.Context, p upstream.PolygonRecord) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p.ID == "" {
		p.ID = fmt.Sprintf("poly-%d", len(f.polygons)+1)
	}
	f.polygons = append(f.polygons, p)
	return p.ID, nil
}

func (f *fakeUpstream) DeletePolygon(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeUpstream) FetchMetricAggregate(ctx context.Context, metric string, ids []string) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fetcher.FetchKey(ids)
	f.aggCalls[key]++
	rows, ok := f.aggregates[key]
	if !ok {
		return nil, fmt.Errorf("no %s rows for %q", metric, key)
	}
	return rows, nil
}

func (f *fakeUpstream) Status(ctx context.Context) error { return nil }

func newTestService(t *testing.T, up *fakeUpstream) *Service {
	t.Helper()
	c, err := cache.Open(context.Background(), nil, cache.Config{FlushInterval: time.Hour}, zerolog.Nop(), nil)
	require.NoError(t, err)
	s := New(up, c, Options{Fetch: fetcher.Config{PageSize: 2}}, zerolog.Nop())
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSamples_CachesCompleteResults(t *testing.T) {
	up := newFakeUpstream()
	s := newTestService(t, up)
	ctx := context.Background()

	res, err := s.Samples(ctx, []string{"s2", "s1"})
	require.NoError(t, err)
	assert.Len(t, res.Samples, 3)
	assert.Equal(t, 1, res.Drops.Dropped)
	assert.Equal(t, 2, up.pageCalls)

	again, err := s.Samples(ctx, []string{"s1", "s2", "s1"})
	require.NoError(t, err)
	assert.Len(t, again.Samples, 3)
	assert.Equal(t, 2, up.pageCalls)

	_, err = s.Refresh(ctx, []string{"s1", "s2"})
	require.NoError(t, err)
	assert.Equal(t, 4, up.pageCalls)
}

func TestSamples_PartialIsNotCached(t *testing.T) {
	up := newFakeUpstream()
	up.failPage = 2
	s := newTestService(t, up)

	res, err := s.Samples(context.Background(), []string{"s1"})
	require.NoError(t, err)
	assert.True(t, res.Partial)
	assert.Len(t, res.Samples, 2)

	_, err = s.Samples(context.Background(), []string{"s1"})
	require.NoError(t, err)
	assert.Equal(t, 4, up.pageCalls)
}

func TestSamplesInPolygons(t *testing.T) {
	up := newFakeUpstream()
	up.polygons = []upstream.PolygonRecord{{ID: "box", Name: "box", Geometry: stdjson.RawMessage(boxGeometry)}}
	s := newTestService(t, up)
	ctx := context.Background()

	res, err := s.SamplesInPolygons(ctx, []string{"s1"}, []string{"box"})
	require.NoError(t, err)
	require.Len(t, res.Samples, 2)
	for _, smp := range res.Samples {
		assert.Equal(t, "Jio", smp.Provider)
	}

	_, err = s.SamplesInPolygons(ctx, []string{"s1"}, []string{"missing"})
	assert.ErrorIs(t, err, ErrUnknownPolygon)

	all, err := s.SamplesInPolygons(ctx, []string{"s1"}, nil)
	require.NoError(t, err)
	assert.Len(t, all.Samples, 3)
}

func TestPolygonCRUDInvalidatesList(t *testing.T) {
	up := newFakeUpstream()
	s := newTestService(t, up)
	ctx := context.Background()

	polys, err := s.Polygons(ctx)
	require.NoError(t, err)
	assert.Empty(t, polys)

	ids, err := s.ImportGeoJSON(ctx, []byte(boxGeometry), []string{"s1"})
	require.NoError(t, err)
	require.Equal(t, []string{"poly-1"}, ids)

	polys, err = s.Polygons(ctx)
	require.NoError(t, err)
	require.Len(t, polys, 1)
	assert.Equal(t, []string{"s1"}, polys[0].SessionIDs)

	require.NoError(t, s.DeletePolygon(ctx, "poly-1"))
	assert.Equal(t, []string{"poly-1"}, up.deleted)
}

func TestClassifyAndThresholds(t *testing.T) {
	up := newFakeUpstream()
	up.thresholds = `{"data":{"rsrp":"[{\"min\":-200,\"max\":0,\"color\":\"#123456\",\"label\":\"all\"}]"}}`
	s := newTestService(t, up)
	ctx := context.Background()

	_, err := s.LoadThresholds(ctx)
	require.NoError(t, err)
	color, err := s.ClassifyValue("avg_rsrp", -90)
	require.NoError(t, err)
	assert.Equal(t, "#123456", color)

	v := -70.0
	colored, err := s.Classify("rsrp", []models.LogSample{{RSRP: &v}, {}})
	require.NoError(t, err)
	require.Len(t, colored, 2)
	assert.Equal(t, "#123456", colored[0].Color)
	assert.Equal(t, threshold.UnknownColor, colored[1].Color)

	err = s.SaveThresholds(ctx, map[string]models.ThresholdSet{
		"rsrp": {{Min: -200, Max: 0, Color: "#abcdef", Label: "saved"}},
	})
	require.NoError(t, err)
	assert.Contains(t, up.saved, "rsrp")
	color, _ = s.ClassifyValue("rsrp", -90)
	assert.Equal(t, "#abcdef", color)

	legend, err := s.Legend("rsrp")
	require.NoError(t, err)
	require.Len(t, legend, 1)
	assert.Equal(t, "saved", legend[0].Label)

	assert.ErrorIs(t, s.SaveThresholds(ctx, map[string]models.ThresholdSet{"warp": nil}), ErrUnknownMetric)
	_, err = s.Classify("warp", nil)
	assert.ErrorIs(t, err, ErrUnknownMetric)
}

func TestLoadThresholds_FailureKeepsDefaults(t *testing.T) {
	s := newTestService(t, newFakeUpstream())
	_, err := s.LoadThresholds(context.Background())
	require.Error(t, err)
	assert.Equal(t, threshold.Defaults()["rsrp"], s.Thresholds()["rsrp"])
}

func TestNeighbors_CachedPerSessionSet(t *testing.T) {
	up := newFakeUpstream()
	up.neighbors = map[string]string{
		"s1": `{"collisions":[{"pci": 7, "cells": [{"lat": 1, "lng": 1}]}]}`,
		"s2": `{"collisions":[{"pci": 7, "cells": [{"lat": 5, "lng": 5}]}]}`,
	}
	s := newTestService(t, up)
	ctx := context.Background()

	res, err := s.Neighbors(ctx, []string{"s1", "s2"})
	require.NoError(t, err)
	require.Len(t, res.Collisions, 1)
	assert.Equal(t, 2, res.Collisions[0].LocationCount)
	assert.Equal(t, 2, up.nbCalls)

	res, err = s.Neighbors(ctx, []string{"s2", "s1"})
	require.NoError(t, err)
	assert.Len(t, res.Collisions, 1)
	assert.Equal(t, 2, up.nbCalls)

	empty, err := s.Neighbors(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty.AllNeighbors)
}

func TestNeighbors_SupersededQueryIsCancelledNotFailed(t *testing.T) {
	up := newFakeUpstream()
	up.neighbors = map[string]string{
		"s1": `{"collisions":[{"pci": 7, "cells": [{"lat": 1, "lng": 1}]}]}`,
	}
	up.nbStarted = make(chan string, 1)
	s := newTestService(t, up)
	ctx := context.Background()

	type outcome struct {
		res *neighbor.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := s.Neighbors(ctx, []string{"slow"})
		done <- outcome{res, err}
	}()
	<-up.nbStarted

	res, err := s.Neighbors(ctx, []string{"s1"})
	require.NoError(t, err)
	assert.False(t, res.Cancelled)
	assert.Len(t, res.AllNeighbors, 1)

	select {
	case got := <-done:
		require.NoError(t, got.err)
		require.NotNil(t, got.res)
		assert.True(t, got.res.Cancelled)
		assert.Empty(t, got.res.AllNeighbors)
	case <-time.After(2 * time.Second):
		t.Fatal("superseded neighbor query did not return")
	}

	_, cached := cache.GetJSON[*neighbor.Result](s.cache, cache.Key(nsNeighbors, "slow"))
	assert.False(t, cached)
}

func TestAggregate_MergesSessionsAndIsolatesFailures(t *testing.T) {
	up := newFakeUpstream()
	up.aggregates = map[string][]map[string]any{
		"s1": {{"operator": "Jio", "network": "LTE", "avg_rsrp": -90, "sample_count": 10}},
		"s2": {
			{"operator": "reliance jio", "network": "LTE", "avg_rsrp": -100, "sample_count": 30},
			{"operator": "airtel", "network": "NR", "rsrp": -80},
		},
	}
	s := newTestService(t, up)
	ctx := context.Background()

	req := AggregateRequest{Metric: "rsrp", SessionIDs: []string{"s1", "s2", "s3"}, Grouping: stats.ByOperator}
	res, err := s.Aggregate(ctx, req)
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "Airtel", res[0].Key)
	assert.Equal(t, "Jio", res[1].Key)
	assert.InDelta(t, -97.5, res[1].Mean, 1e-9)
	assert.Equal(t, 40, res[1].SampleCount)

	_, err = s.Aggregate(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 1, up.aggCalls["s1"])
	assert.Equal(t, 2, up.aggCalls["s3"])

	_, err = s.Aggregate(ctx, AggregateRequest{Metric: "rsrp", SessionIDs: []string{"s9"}})
	assert.ErrorIs(t, err, ErrNoAggregateRows)

	_, err = s.Aggregate(ctx, AggregateRequest{Metric: "rsrp", Mode: "histogram"})
	assert.Error(t, err)
}

func TestAggregate_BoxMode(t *testing.T) {
	up := newFakeUpstream()
	up.aggregates = map[string][]map[string]any{
		"": {{"operator": "jio", "min": -120, "q1": -105, "median": -95, "q3": -85, "max": -70, "count": 5}},
	}
	s := newTestService(t, up)

	res, err := s.Aggregate(context.Background(), AggregateRequest{Metric: "rsrp", Mode: models.ModeQuantile})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, models.ModeQuantile, res[0].Mode)
	assert.InDelta(t, -95, res[0].Median, 1e-9)
}

func TestSampleStats(t *testing.T) {
	s := newTestService(t, newFakeUpstream())
	res, err := s.Samples(context.Background(), []string{"s1"})
	require.NoError(t, err)

	out, err := s.SampleStats(res.Samples, "rsrp", stats.ByOperator)
	require.NoError(t, err)
	require.Len(t, out, 2)
	keys := []string{out[0].Key, out[1].Key}
	assert.ElementsMatch(t, []string{"Jio", "Airtel"}, keys)
	for _, st := range out {
		assert.InDelta(t, -95, st.Median, 1e-9)
	}
}

func TestClose(t *testing.T) {
	s := newTestService(t, newFakeUpstream())
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.Samples(context.Background(), []string{"s1"})
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Neighbors(context.Background(), []string{"s1"})
	assert.ErrorIs(t, err, ErrClosed)
}
