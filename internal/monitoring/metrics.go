// Package monitoring holds the Prometheus counters shared by pipeline components.
// A nil *Metrics is valid and records nothing.
package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "drivetest"

// Metrics groups the pipeline counters on a private registry
type Metrics struct {
	registry *prometheus.Registry

	pagesFetched   prometheus.Counter
	recordsDropped *prometheus.CounterVec
	fetchOutcomes  *prometheus.CounterVec
	cacheRequests  *prometheus.CounterVec
	cacheFlushes   *prometheus.CounterVec
	sessionFailed  *prometheus.CounterVec
}

// New creates and registers all collectors
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		pagesFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_pages_total",
			Help:      "Log pages retrieved from the telemetry service",
		}),
		recordsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_dropped_total",
			Help:      "Records discarded by validation, by component",
		}, []string{"component"}),
		fetchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_outcomes_total",
			Help:      "Completed paginated fetches by outcome",
		}, []string{"outcome"}),
		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_requests_total",
			Help:      "Cache lookups by result (hit, miss, shared)",
		}, []string{"result"}),
		cacheFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_flushes_total",
			Help:      "Batched cache flushes to durable storage by status",
		}, []string{"status"}),
		sessionFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_failures_total",
			Help:      "Per-session request failures absorbed by multi-session operations",
		}, []string{"operation"}),
	}
	reg.MustRegister(m.pagesFetched, m.recordsDropped, m.fetchOutcomes, m.cacheRequests, m.cacheFlushes, m.sessionFailed)
	return m
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) PageFetched() {
	if m != nil {
		m.pagesFetched.Inc()
	}
}

func (m *Metrics) Dropped(component string, n int) {
	if m != nil && n > 0 {
		m.recordsDropped.WithLabelValues(component).Add(float64(n))
	}
}

func (m *Metrics) FetchOutcome(outcome string) {
	if m != nil {
		m.fetchOutcomes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) CacheResult(result string) {
	if m != nil {
		m.cacheRequests.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) CacheFlush(status string) {
	if m != nil {
		m.cacheFlushes.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) SessionFailed(operation string) {
	if m != nil {
		m.sessionFailed.WithLabelValues(operation).Inc()
	}
}
