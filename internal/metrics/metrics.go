// Package metrics provides Prometheus instrumentation for the DCA engine.
// Nothing here is labelled by user: only batch-level and service-level
// figures are exported.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// BatchesProcessed counts closed batches, partitioned by outcome
	// (success, no_fill, swap_failed, empty).
	BatchesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dca_batches_processed_total",
		Help: "Total number of batches closed, by outcome",
	}, []string{"outcome"})

	// BatchParticipants observes the number of intents entering aggregation.
	BatchParticipants = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dca_batch_participants",
		Help:    "Intents entering confidential aggregation per batch",
		Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
	})

	// AggregationLatency tracks the confidential filter-and-sum pass.
	AggregationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dca_aggregation_latency_seconds",
		Help:    "Confidential filter-and-aggregate latency in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// IntentsSubmitted counts accepted intents.
	IntentsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dca_intents_submitted_total",
		Help: "Total number of intents accepted",
	})

	// DeclassifyRequests counts declassification requests by purpose
	// (batch_total, withdrawal, reveal).
	DeclassifyRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dca_declassify_requests_total",
		Help: "Declassification requests issued",
	}, []string{"purpose"})

	// PendingWithdrawals tracks withdrawals awaiting their callback.
	PendingWithdrawals = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dca_pending_withdrawals",
		Help: "Withdrawals waiting for declassification",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dca_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// EventPublishErrors counts events a sink failed to accept.
	EventPublishErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dca_event_publish_errors_total",
		Help: "Events dropped by a publisher",
	}, []string{"sink"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dca_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dca_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern prefers the chi route pattern over the raw path so that
// addresses and ids in URLs do not become label values.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}


// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
