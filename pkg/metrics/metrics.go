// Package metrics exposes Prometheus collectors for appends and the HTTP
// API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ethpandaops/benchkeeper/pkg/engine"
	"github.com/ethpandaops/benchkeeper/pkg/regression"
)

const namespace = "benchkeeper"

// Compile-time interface check.
var _ engine.Recorder = (*Metrics)(nil)

// Metrics is the collection of all benchkeeper collectors, registered on a
// private registry.
type Metrics struct {
	registry *prometheus.Registry

	AppendsTotal   *prometheus.CounterVec
	AppendDuration *prometheus.HistogramVec
	SignalsTotal   *prometheus.CounterVec
	LockWait       prometheus.Histogram
	StoreEntries   prometheus.Gauge
	StoreBytes     prometheus.Gauge
	SkippedEntries prometheus.Counter

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.AppendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "appends_total",
			Help:      "Append attempts by tool, result and the state a failure happened in.",
		},
		[]string{"tool", "result", "state"},
	)

	m.AppendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "append_duration_seconds",
			Help:      "Duration of successful appends, lock wait included.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	m.SignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_total",
			Help:      "Regression detector classifications by tool and kind.",
		},
		[]string{"tool", "kind"},
	)

	m.LockWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for the store lock.",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10, 30},
		},
	)

	m.StoreEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_entries",
			Help:      "Number of tool runs in the store after the last append.",
		},
	)

	m.StoreBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_bytes",
			Help:      "Encoded size of the store after the last append.",
		},
	)

	m.SkippedEntries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_entries_total",
			Help:      "Store entries that could not be decoded on load.",
		},
	)

	m.HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	m.HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.AppendsTotal,
		m.AppendDuration,
		m.SignalsTotal,
		m.LockWait,
		m.StoreEntries,
		m.StoreBytes,
		m.SkippedEntries,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)

	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// LockWaited records a store lock acquisition.
func (m *Metrics) LockWaited(d time.Duration) {
	m.LockWait.Observe(d.Seconds())
}

// AppendSucceeded records a completed append.
func (m *Metrics) AppendSucceeded(
	tool string,
	d time.Duration,
	summary regression.Summary,
	storeRuns, storeBytes int,
) {
	m.AppendsTotal.WithLabelValues(tool, "success", "").Inc()
	m.AppendDuration.WithLabelValues(tool).Observe(d.Seconds())

	m.SignalsTotal.WithLabelValues(tool, regression.NewSeries.String()).Add(float64(summary.NewSeries))
	m.SignalsTotal.WithLabelValues(tool, regression.Stable.String()).Add(float64(summary.Stable))
	m.SignalsTotal.WithLabelValues(tool, regression.Improved.String()).Add(float64(summary.Improved))
	m.SignalsTotal.WithLabelValues(tool, regression.Regressed.String()).Add(float64(summary.Regressed))

	m.StoreEntries.Set(float64(storeRuns))
	m.StoreBytes.Set(float64(storeBytes))
}

// AppendFailed records a failed append.
func (m *Metrics) AppendFailed(tool, state string) {
	m.AppendsTotal.WithLabelValues(tool, "failed", state).Inc()
}

// EntriesSkipped records undecodable store entries.
func (m *Metrics) EntriesSkipped(n int) {
	if n > 0 {
		m.SkippedEntries.Add(float64(n))
	}
}

// Middleware tracks HTTP requests by chi route pattern so path parameters
// do not explode label cardinality.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}

		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// responseWriter captures the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
