// Package observability exposes Prometheus collectors for the HTTP surface
// and the processing pipeline.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/invopipe/invopipe/internal/orders"
)

// Metrics aggregates the application collectors behind one registry.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	extractionAttempts *prometheus.CounterVec
	ordersTerminal     *prometheus.CounterVec
	runAttempts        prometheus.Histogram
}

// NewMetrics initialises the registry and base collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "invopipe_http_requests_total",
		Help: "HTTP requests partitioned by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "invopipe_http_request_duration_seconds",
		Help:    "HTTP request duration per route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	attempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "invopipe_extraction_attempts_total",
		Help: "Extraction attempts partitioned by inference mode.",
	}, []string{"mode"})
	terminal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "invopipe_orders_terminal_total",
		Help: "Orders reaching a terminal state, partitioned by state.",
	}, []string{"state"})
	runAttempts := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "invopipe_run_attempts",
		Help:    "Extraction attempts consumed per finished pipeline run.",
		Buckets: []float64{1, 2, 3, 4, 5},
	})
	registry.MustRegister(requests, duration, attempts, terminal, runAttempts)
	return &Metrics{
		registry:           registry,
		handler:            promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:      requests,
		requestDuration:    duration,
		extractionAttempts: attempts,
		ordersTerminal:     terminal,
		runAttempts:        runAttempts,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request count and latency per chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// ObserveAttempt counts one extraction attempt in the given mode.
func (m *Metrics) ObserveAttempt(mode string) {
	if m == nil {
		return
	}
	m.extractionAttempts.WithLabelValues(mode).Inc()
}

// ObserveTerminal counts one finished run and its attempt consumption.
func (m *Metrics) ObserveTerminal(state orders.ProcessingState, attempts int) {
	if m == nil {
		return
	}
	m.ordersTerminal.WithLabelValues(string(state)).Inc()
	m.runAttempts.Observe(float64(attempts))
}

// Registerer exposes the registry for extra collectors.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
