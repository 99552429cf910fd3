// Package metrics provides Prometheus instrumentation for the exchange
// engine.
package metrics

import (
	"bufio"
	"fmt"
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
	// OperationsTotal counts finished buy/sell operations by final state.
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ktex_operations_total",
		Help: "Total number of finished operations",
	}, []string{"kind", "state"})

	// OperationLatency tracks time from request to terminal state.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ktex_operation_latency_seconds",
		Help:    "Operation latency from creation to terminal state in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// PendingOperations tracks operations suspended on a remote call.
	PendingOperations = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ktex_pending_operations",
		Help: "Number of operations awaiting a remote outcome",
	}, []string{"state"})

	// ConversionFailures counts quotes rejected before commit.
	ConversionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ktex_conversion_failures_total",
		Help: "Quotes rejected or conversions failed before commit",
	}, []string{"reason"})

	// RefundsTotal counts compensated sells.
	RefundsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ktex_refunds_total",
		Help: "Sells reverted after a failed remote transfer",
	})

	// NativeVolume tracks native tokens minted and burned, in whole tokens.
	NativeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ktex_native_volume_total",
		Help: "Cumulative native tokens minted or burned",
	}, []string{"event"})

	// LimitRejections counts buys rejected by the exposure limiter.
	LimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ktex_limit_rejections_total",
		Help: "Buys rejected by exposure limits",
	})

	// ReconcilerRuns counts reconciler passes by outcome.
	ReconcilerRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ktex_reconciler_runs_total",
		Help: "Reconciler passes",
	}, []string{"outcome"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ktex_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ktex_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ktex_http_request_duration_seconds",
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

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
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

// Hijack lets the WebSocket upgrade take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
