// Package pipeline wires the fetcher, filters, classifier, neighbor resolver,
// aggregator and cache into one lifecycle-scoped service. Create it on
// startup, share it between the CLI and the HTTP API, and Close it on
// shutdown.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"drivetest-pipeline/internal/cache"
	"drivetest-pipeline/internal/cancel"
	"drivetest-pipeline/internal/fetcher"
	"drivetest-pipeline/internal/geo"
	"drivetest-pipeline/internal/models"
	"drivetest-pipeline/internal/monitoring"
	"drivetest-pipeline/internal/neighbor"
	"drivetest-pipeline/internal/parser"
	"drivetest-pipeline/internal/stats"
	"drivetest-pipeline/internal/threshold"
	"drivetest-pipeline/internal/upstream"
)

// Cache namespaces
const (
	nsSamples    = "samples"
	nsNeighbors  = "neighbors"
	nsAggregate  = "aggregate"
	nsPolygons   = "polygons"
	nsThresholds = "thresholds"

	scopeNeighbors = "neighbors"
	allSessions    = "*"
)

var (
	// ErrUnknownMetric is returned for metric names outside the registry
	ErrUnknownMetric = errors.New("pipeline: unknown metric")

	// ErrNoAggregateRows is wrapped when every aggregate request failed
	ErrNoAggregateRows = errors.New("pipeline: no aggregate rows retrieved")

	// ErrUnknownPolygon is returned when none of the requested polygons exist
	ErrUnknownPolygon = errors.New("pipeline: unknown polygon")

	// ErrClosed is returned after Close
	ErrClosed = errors.New("pipeline: service closed")
)

// Upstream is everything the service consumes from the remote services
type Upstream interface {
	fetcher.PageSource
	neighbor.Source
	FetchThresholds(ctx context.Context) ([]byte, error)
	SaveThresholds(ctx context.Context, sets map[string]models.ThresholdSet) error
	ListPolygons(ctx context.Context) ([]upstream.PolygonRecord, error)
	SavePolygon(ctx context.Context, p upstream.PolygonRecord) (string, error)
	DeletePolygon(ctx context.Context, id string) error
	FetchMetricAggregate(ctx context.Context, metric string, sessionIDs []string) ([]map[string]any, error)
	Status(ctx context.Context) error
}

// Options tunes the wired components
type Options struct {
	Fetch               fetcher.Config
	NeighborConcurrency int
	Canonicalizer       parser.Canonicalizer
	Metrics             *monitoring.Metrics
}

// ColoredSample is a sample with the classified value of one metric
type ColoredSample struct {
	models.LogSample
	Metric string   `json:"metric"`
	Value  *float64 `json:"value"`
	Color  string   `json:"color"`
}

// AggregateRequest selects rows and grouping for Aggregate
type AggregateRequest struct {
	Metric     string
	SessionIDs []string
	Grouping   stats.Grouping
	Mode       models.AggregationMode
}

// Service is safe for concurrent use
type Service struct {
	up          Upstream
	parser      *parser.Parser
	fetcher     *fetcher.Fetcher
	cache       *cache.Cache
	classifier  *threshold.Classifier
	resolver    *neighbor.Resolver
	tokens      *cancel.Registry
	metrics     *monitoring.Metrics
	logger      zerolog.Logger
	concurrency int

	base context.Context
	stop context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

// New wires a service. The service owns c and closes it on Close.
func New(up Upstream, c *cache.Cache, opts Options, logger zerolog.Logger) *Service {
	base, stop := context.WithCancel(context.Background())
	p := parser.NewParser(opts.Canonicalizer)
	if opts.NeighborConcurrency <= 0 {
		opts.NeighborConcurrency = neighbor.DefaultConcurrency
	}

	return &Service{
		up:     up,
		parser: p,
		fetcher: fetcher.New(up, p, opts.Fetch, logger,
			fetcher.WithMetrics(opts.Metrics),
			fetcher.WithBaseContext(base),
		),
		cache:       c,
		classifier:  threshold.NewClassifier(nil),
		resolver:    neighbor.NewResolver(up, opts.NeighborConcurrency, logger, opts.Metrics),
		tokens:      cancel.NewRegistry(),
		metrics:     opts.Metrics,
		logger:      logger.With().Str("component", "pipeline").Logger(),
		concurrency: opts.NeighborConcurrency,
		base:        base,
		stop:        stop,
	}
}

func (s *Service) closed() bool {
	return s.base.Err() != nil
}

// Observe registers a fetch progress observer
func (s *Service) Observe(o fetcher.Observer) {
	s.fetcher.Observe(o)
}

// Status pings the telemetry service
func (s *Service) Status(ctx context.Context) error {
	return s.up.Status(ctx)
}

// Samples returns every parsed sample for the sessions. Complete results are
// cached per fetch key; partial and cancelled results are returned but never
// cached, so a retry walks the pages again.
func (s *Service) Samples(ctx context.Context, sessionIDs []string) (*fetcher.Result, error) {
	if s.closed() {
		return nil, ErrClosed
	}
	key := fetcher.FetchKey(sessionIDs)
	if key == "" {
		return s.fetcher.Fetch(ctx, nil)
	}

	ck := cache.Key(nsSamples, key)
	if res, ok := cache.GetJSON[*fetcher.Result](s.cache, ck); ok && res != nil {
		s.metrics.CacheResult("hit")
		return res, nil
	}
	s.metrics.CacheResult("miss")

	res, err := s.fetcher.Fetch(ctx, sessionIDs)
	if err != nil {
		return nil, err
	}
	if !res.Partial && !res.Cancelled {
		if err := cache.SetJSON(s.cache, ck, res); err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("caching samples failed")
		}
	}
	return res, nil
}

// Refresh drops the cached samples for the sessions and fetches them again
func (s *Service) Refresh(ctx context.Context, sessionIDs []string) (*fetcher.Result, error) {
	if key := fetcher.FetchKey(sessionIDs); key != "" {
		s.cache.Delete(cache.Key(nsSamples, key))
	}
	return s.Samples(ctx, sessionIDs)
}

// Progress is the live state of the current or last fetch
func (s *Service) Progress() fetcher.State {
	return s.fetcher.Snapshot()
}

// CancelFetch stops the in-flight page walk
func (s *Service) CancelFetch() {
	s.fetcher.Cancel()
}

// FilterSamples keeps the samples inside any of the polygons
func (s *Service) FilterSamples(samples []models.LogSample, polygons []models.Polygon) []models.LogSample {
	return geo.Filter(samples, polygons)
}

// SamplesInPolygons fetches the sessions and keeps the samples inside the
// stored polygons with the given ids. No ids keeps everything.
func (s *Service) SamplesInPolygons(ctx context.Context, sessionIDs, polygonIDs []string) (*fetcher.Result, error) {
	res, err := s.Samples(ctx, sessionIDs)
	if err != nil || len(polygonIDs) == 0 || res.Cancelled {
		return res, err
	}
	polys, err := s.PolygonsByID(ctx, polygonIDs)
	if err != nil {
		return nil, err
	}
	filtered := *res
	filtered.Samples = geo.Filter(res.Samples, polys)
	return &filtered, nil
}

// metric resolves a metric name or alias
func metric(name string) (models.Metric, error) {
	m, ok := models.LookupMetric(name)
	if !ok {
		return models.Metric{}, fmt.Errorf("%w: %q", ErrUnknownMetric, name)
	}
	return m, nil
}

// Classify colors each sample by the metric's active rules. Samples without
// the metric get the unknown color.
func (s *Service) Classify(metricName string, samples []models.LogSample) ([]ColoredSample, error) {
	m, err := metric(metricName)
	if err != nil {
		return nil, err
	}
	if m.Value == nil {
		return nil, fmt.Errorf("%w: %s", stats.ErrNoSampleField, m.Name)
	}
	out := make([]ColoredSample, 0, len(samples))
	for _, smp := range samples {
		v := m.Value(smp)
		out = append(out, ColoredSample{
			LogSample: smp,
			Metric:    m.Name,
			Value:     v,
			Color:     s.classifier.ClassifyValue(m.Name, v),
		})
	}
	return out, nil
}

// ClassifyValue colors one value
func (s *Service) ClassifyValue(metricName string, v float64) (string, error) {
	m, err := metric(metricName)
	if err != nil {
		return "", err
	}
	return s.classifier.Classify(m.Name, v), nil
}

// Legend returns the display legend of a metric
func (s *Service) Legend(metricName string) ([]threshold.LegendEntry, error) {
	m, err := metric(metricName)
	if err != nil {
		return nil, err
	}
	return s.classifier.Legend(m.Name), nil
}

// Thresholds returns the active rule sets
func (s *Service) Thresholds() map[string]models.ThresholdSet {
	return s.classifier.All()
}

// LoadThresholds pulls the stored settings and applies them over the
// defaults. On failure the current rules stay active.
func (s *Service) LoadThresholds(ctx context.Context) (map[string]models.ThresholdSet, error) {
	raw, _, err := s.cache.Do(ctx, cache.Key(nsThresholds, allSessions), s.up.FetchThresholds)
	if err != nil {
		return nil, fmt.Errorf("loading thresholds: %w", err)
	}
	sets, err := threshold.DecodeSettings(raw)
	if err != nil {
		return nil, fmt.Errorf("decoding thresholds: %w", err)
	}
	for m, set := range sets {
		s.classifier.Set(m, set)
	}
	s.logger.Debug().Int("metrics", len(sets)).Msg("thresholds applied")
	return s.classifier.All(), nil
}

// SaveThresholds stores rule sets remotely and activates them
func (s *Service) SaveThresholds(ctx context.Context, sets map[string]models.ThresholdSet) error {
	for name := range sets {
		if _, err := metric(name); err != nil {
			return err
		}
	}
	if err := s.up.SaveThresholds(ctx, sets); err != nil {
		return fmt.Errorf("saving thresholds: %w", err)
	}
	for m, set := range sets {
		s.classifier.Set(m, set)
	}
	s.cache.Delete(cache.Key(nsThresholds, allSessions))
	return nil
}

// Polygons lists the stored polygons. Records whose geometry cannot be read
// are skipped.
func (s *Service) Polygons(ctx context.Context) ([]models.Polygon, error) {
	polys, _, err := cache.DoJSON(ctx, s.cache, cache.Key(nsPolygons, allSessions), func(ctx context.Context) ([]models.Polygon, error) {
		recs, err := s.up.ListPolygons(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]models.Polygon, 0, len(recs))
		for _, rec := range recs {
			p, err := geo.FromRecord(rec)
			if err != nil {
				s.metrics.Dropped("polygon", 1)
				s.logger.Warn().Err(err).Str("polygon", rec.ID).Msg("skipping stored polygon")
				continue
			}
			out = append(out, p...)
		}
		return out, nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing polygons: %w", err)
	}
	return polys, nil
}

// PolygonsByID returns the stored polygons with the given ids. It fails when
// none of them exist, so an unknown id never widens a filter to everything.
func (s *Service) PolygonsByID(ctx context.Context, ids []string) ([]models.Polygon, error) {
	all, err := s.Polygons(ctx)
	if err != nil {
		return nil, err
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	out := make([]models.Polygon, 0, len(ids))
	for _, p := range all {
		if _, ok := want[p.ID]; ok {
			out = append(out, p)
		}
	}
	if len(out) == 0 && len(ids) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrUnknownPolygon, ids)
	}
	return out, nil
}

// SavePolygon creates or updates a polygon and returns its id
func (s *Service) SavePolygon(ctx context.Context, p models.Polygon) (string, error) {
	rec, err := geo.ToRecord(p)
	if err != nil {
		return "", err
	}
	id, err := s.up.SavePolygon(ctx, rec)
	if err != nil {
		return "", fmt.Errorf("saving polygon: %w", err)
	}
	s.cache.Delete(cache.Key(nsPolygons, allSessions))
	return id, nil
}

// ImportGeoJSON saves every polygon found in a GeoJSON document
func (s *Service) ImportGeoJSON(ctx context.Context, data []byte, sessionIDs []string) ([]string, error) {
	polys, err := geo.ParseGeoJSON(data)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(polys))
	for _, p := range polys {
		p.SessionIDs = sessionIDs
		id, err := s.SavePolygon(ctx, p)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// DeletePolygon removes a stored polygon
func (s *Service) DeletePolygon(ctx context.Context, id string) error {
	if err := s.up.DeletePolygon(ctx, id); err != nil {
		return fmt.Errorf("deleting polygon %s: %w", id, err)
	}
	s.cache.Delete(cache.Key(nsPolygons, allSessions))
	return nil
}

// Neighbors resolves neighbor records and PCI collisions for the sessions.
// Concurrent requests for the same session set share one resolution; a
// resolution for a different set supersedes the running one, which then
// returns an empty result with Cancelled set and no error.
func (s *Service) Neighbors(ctx context.Context, sessionIDs []string) (*neighbor.Result, error) {
	if s.closed() {
		return nil, ErrClosed
	}
	key := fetcher.FetchKey(sessionIDs)
	if key == "" {
		return neighbor.Merge(), nil
	}

	res, _, err := cache.DoJSON(ctx, s.cache, cache.Key(nsNeighbors, key), func(context.Context) (*neighbor.Result, error) {
		tok := s.tokens.Begin(s.base, scopeNeighbors, key)
		defer s.release(scopeNeighbors, tok)
		return s.resolver.Resolve(tok.Context(), fetcher.SplitKey(key))
	})
	if err != nil {
		if cancel.IsCancellation(err) {
			s.logger.Debug().Str("key", key).Msg("neighbor query cancelled")
			return &neighbor.Result{Cancelled: true}, nil
		}
		return nil, err
	}
	return res, nil
}

// release retires tok once its operation finished
func (s *Service) release(scope string, tok *cancel.Token) {
	s.tokens.End(scope, tok)
	tok.Cancel()
}

// CancelNeighbors stops the running neighbor query
func (s *Service) CancelNeighbors() {
	s.tokens.CancelScope(scopeNeighbors)
}

// Aggregate builds grouped statistics from the analytics service. Rows are
// requested and cached per session, then merged, so adding a session to the
// selection only requests the new one. A failing session is skipped; the
// call fails only when every request failed.
func (s *Service) Aggregate(ctx context.Context, req AggregateRequest) ([]models.AggregatedStat, error) {
	m, err := metric(req.Metric)
	if err != nil {
		return nil, err
	}
	if req.Grouping == "" {
		req.Grouping = stats.ByOperator
	}
	if req.Mode == "" {
		req.Mode = models.ModeMean
	}
	if req.Mode != models.ModeMean && req.Mode != models.ModeQuantile {
		return nil, fmt.Errorf("unknown aggregation mode %q", req.Mode)
	}

	sessions := fetcher.SplitKey(fetcher.FetchKey(req.SessionIDs))
	if len(sessions) == 0 {
		sessions = []string{allSessions}
	}

	batches := make([][]map[string]any, len(sessions))
	errs := make([]error, len(sessions))
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, id := range sessions {
		g.Go(func() error {
			batches[i], errs[i] = s.aggregateRows(ctx, m, id)
			if errs[i] != nil && ctx.Err() == nil {
				s.metrics.SessionFailed("aggregate")
				s.logger.Warn().Err(errs[i]).Str("metric", m.Name).Str("session", id).Msg("skipping aggregate rows")
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	canon := s.parser.Canonicalizer()
	means := stats.NewMeanSet(m)
	boxes := stats.NewQuantileSet(m)
	succeeded, skipped := 0, 0
	for i, rows := range batches {
		if errs[i] != nil {
			continue
		}
		succeeded++
		switch req.Mode {
		case models.ModeQuantile:
			part := stats.NewQuantileSet(m)
			_, sk := part.AddRows(rows, req.Grouping, canon)
			boxes.Merge(part)
			skipped += sk
		default:
			part := stats.NewMeanSet(m)
			_, sk := part.AddRows(rows, req.Grouping, canon)
			means.Merge(part)
			skipped += sk
		}
	}
	if succeeded == 0 {
		return nil, fmt.Errorf("%w: %w", ErrNoAggregateRows, errors.Join(errs...))
	}
	s.metrics.Dropped("aggregator", skipped)

	if req.Mode == models.ModeQuantile {
		return boxes.Results(), nil
	}
	return means.Results(), nil
}

func (s *Service) aggregateRows(ctx context.Context, m models.Metric, session string) ([]map[string]any, error) {
	rows, _, err := cache.DoJSON(ctx, s.cache, cache.Key(nsAggregate, m.Name, session), func(ctx context.Context) ([]map[string]any, error) {
		var ids []string
		if session != allSessions {
			ids = []string{session}
		}
		return s.up.FetchMetricAggregate(ctx, m.Name, ids)
	})
	return rows, err
}

// SampleStats computes exact box-plot summaries from parsed samples
func (s *Service) SampleStats(samples []models.LogSample, metricName string, g stats.Grouping) ([]models.AggregatedStat, error) {
	m, err := metric(metricName)
	if err != nil {
		return nil, err
	}
	return stats.SummarizeSamples(samples, m, g)
}

// CacheStats lists cached entries
func (s *Service) CacheStats() []cache.Stat {
	return s.cache.Stats()
}

// StoreStats reports the durable cache store's counters; nil when the
// backend keeps none
func (s *Service) StoreStats(ctx context.Context) (map[string]interface{}, error) {
	return s.cache.StoreStats(ctx)
}

// PurgeCache drops cached entries in a namespace ("" drops everything)
func (s *Service) PurgeCache(namespace string) int {
	prefix := ""
	if namespace != "" {
		prefix = namespace + ":"
	}
	n := s.cache.Purge(prefix)
	s.logger.Info().Str("namespace", namespace).Int("removed", n).Msg("cache purged")
	return n
}

// Close cancels in-flight work, flushes the cache and closes its store
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.stop()
		s.tokens.CancelAll()
		s.closeErr = s.cache.Close()
	})
	return s.closeErr
}
