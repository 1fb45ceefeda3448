package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"

	"drivetest-pipeline/internal/cache"
	"drivetest-pipeline/internal/cancel"
	"drivetest-pipeline/internal/fetcher"
	"drivetest-pipeline/internal/geo"
	"drivetest-pipeline/internal/models"
	"drivetest-pipeline/internal/monitoring"
	"drivetest-pipeline/internal/neighbor"
	"drivetest-pipeline/internal/pipeline"
	"drivetest-pipeline/internal/stats"
	"drivetest-pipeline/internal/threshold"
	"drivetest-pipeline/internal/upstream"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Pipeline is the service surface the API exposes
type Pipeline interface {
	Status(ctx context.Context) error
	SamplesInPolygons(ctx context.Context, sessionIDs, polygonIDs []string) (*fetcher.Result, error)
	Refresh(ctx context.Context, sessionIDs []string) (*fetcher.Result, error)
	Progress() fetcher.State
	CancelFetch()
	FilterSamples(samples []models.LogSample, polygons []models.Polygon) []models.LogSample
	Classify(metric string, samples []models.LogSample) ([]pipeline.ColoredSample, error)
	ClassifyValue(metric string, v float64) (string, error)
	Legend(metric string) ([]threshold.LegendEntry, error)
	Thresholds() map[string]models.ThresholdSet
	LoadThresholds(ctx context.Context) (map[string]models.ThresholdSet, error)
	SaveThresholds(ctx context.Context, sets map[string]models.ThresholdSet) error
	Polygons(ctx context.Context) ([]models.Polygon, error)
	ImportGeoJSON(ctx context.Context, data []byte, sessionIDs []string) ([]string, error)
	DeletePolygon(ctx context.Context, id string) error
	Neighbors(ctx context.Context, sessionIDs []string) (*neighbor.Result, error)
	CancelNeighbors()
	Aggregate(ctx context.Context, req pipeline.AggregateRequest) ([]models.AggregatedStat, error)
	SampleStats(samples []models.LogSample, metric string, g stats.Grouping) ([]models.AggregatedStat, error)
	CacheStats() []cache.Stat
	PurgeCache(namespace string) int
}

// Server represents the API server
type Server struct {
	pipe    Pipeline
	metrics *monitoring.Metrics
	logger  zerolog.Logger
	router  *mux.Router
}

// NewServer creates a new API server
func NewServer(p Pipeline, metrics *monitoring.Metrics, logger zerolog.Logger) *Server {
	s := &Server{
		pipe:    p,
		metrics: metrics,
		logger:  logger.With().Str("component", "api").Logger(),
		router:  mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	// Health check
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/api/v1/status", s.handleStatus).Methods("GET")
	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")

	// Sample endpoints
	s.router.HandleFunc("/api/v1/samples", s.handleSamples).Methods("GET")
	s.router.HandleFunc("/api/v1/samples/refresh", s.handleRefresh).Methods("POST")
	s.router.HandleFunc("/api/v1/samples/filter", s.handleFilter).Methods("POST")
	s.router.HandleFunc("/api/v1/progress", s.handleProgress).Methods("GET")
	s.router.HandleFunc("/api/v1/progress/cancel", s.handleCancelFetch).Methods("POST")

	// Classification endpoints
	s.router.HandleFunc("/api/v1/classify", s.handleClassify).Methods("GET")
	s.router.HandleFunc("/api/v1/legend/{metric}", s.handleLegend).Methods("GET")
	s.router.HandleFunc("/api/v1/thresholds", s.handleThresholds).Methods("GET")
	s.router.HandleFunc("/api/v1/thresholds", s.handleSaveThresholds).Methods("PUT")
	s.router.HandleFunc("/api/v1/thresholds/reload", s.handleReloadThresholds).Methods("POST")

	// Polygon endpoints
	s.router.HandleFunc("/api/v1/polygons", s.handleListPolygons).Methods("GET")
	s.router.HandleFunc("/api/v1/polygons", s.handleImportPolygons).Methods("POST")
	s.router.HandleFunc("/api/v1/polygons/{id}", s.handleDeletePolygon).Methods("DELETE")

	// Neighbor endpoints
	s.router.HandleFunc("/api/v1/neighbors", s.handleNeighbors).Methods("GET")
	s.router.HandleFunc("/api/v1/neighbors/cancel", s.handleCancelNeighbors).Methods("POST")

	// Stats endpoints
	s.router.HandleFunc("/api/v1/stats/aggregate", s.handleAggregate).Methods("GET")
	s.router.HandleFunc("/api/v1/stats/samples", s.handleSampleStats).Methods("GET")

	// Export endpoints
	s.router.HandleFunc("/api/v1/export/samples.csv", s.handleExportSamples).Methods("GET")
	s.router.HandleFunc("/api/v1/export/stats.csv", s.handleExportStats).Methods("GET")
	s.router.HandleFunc("/api/v1/export/collisions.csv", s.handleExportCollisions).Methods("GET")

	// Cache endpoints
	s.router.HandleFunc("/api/v1/cache", s.handleCacheStats).Methods("GET")
	s.router.HandleFunc("/api/v1/cache", s.handlePurgeCache).Methods("DELETE")

	// Add middleware
	s.router.Use(s.loggingMiddleware)
	s.router.Use(jsonMiddleware)
}

// Router returns the configured router
func (s *Server) Router() *mux.Router {
	return s.router
}

// Middleware
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Response helpers
type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Meta    *meta       `json:"meta,omitempty"`
}

type meta struct {
	Total   int   `json:"total,omitempty"`
	Limit   int   `json:"limit,omitempty"`
	Offset  int   `json:"offset,omitempty"`
	QueryMs int64 `json:"query_ms,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data})
}

func respondError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Success: false, Error: message})
}

func respondWithMeta(w http.ResponseWriter, data interface{}, m *meta) {
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data, Meta: m})
}

// respondFailure maps pipeline errors onto HTTP statuses
func (s *Server) respondFailure(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var se *upstream.StatusError
	switch {
	case errors.Is(err, pipeline.ErrUnknownMetric),
		errors.Is(err, stats.ErrNoSampleField),
		errors.Is(err, geo.ErrNoPolygon):
		status = http.StatusBadRequest
	case errors.Is(err, pipeline.ErrUnknownPolygon):
		status = http.StatusNotFound
	case cancel.IsCancellation(err):
		status = http.StatusConflict
	case upstream.IsTimeout(err):
		status = http.StatusGatewayTimeout
	case errors.Is(err, fetcher.ErrNoData),
		errors.Is(err, neighbor.ErrAllSessionsFailed),
		errors.Is(err, pipeline.ErrNoAggregateRows),
		errors.As(err, &se):
		status = http.StatusBadGateway
	case errors.Is(err, pipeline.ErrClosed):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Int("status", status).Msg("request failed")
	}
	respondError(w, status, err.Error())
}

// Query helpers

// listParam reads a comma-separated parameter, also accepting repeats
func listParam(r *http.Request, names ...string) []string {
	var out []string
	q := r.URL.Query()
	for _, name := range names {
		for _, v := range q[name] {
			for _, part := range strings.Split(v, ",") {
				if part = strings.TrimSpace(part); part != "" {
					out = append(out, part)
				}
			}
		}
	}
	return out
}

func sessionParam(r *http.Request) []string {
	return listParam(r, "sessions", "session_ids", "session_id")
}

func intParam(r *http.Request, name string, def int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}

// page slices items by limit/offset; limit 0 returns everything after offset
func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
