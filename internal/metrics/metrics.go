// Package metrics provides Prometheus instrumentation for the game engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ClearingsTotal counts completed clearings, partitioned by outcome
	// ("trade" or "no_trade").
	ClearingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridgame_clearings_total",
		Help: "Total number of phase clearings computed",
	}, []string{"outcome"})

	// ClearingDuration tracks the wall time of the full clearing pipeline
	// (aggregate, intersect, allocate, persist).
	ClearingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "gridgame_clearing_duration_seconds",
		Help:    "Clearing pipeline duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// PhaseTransitionsTotal counts scheduler transitions by trigger
	// ("timer" or "skip_ahead") and role ("clearing" or "results").
	PhaseTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridgame_phase_transitions_total",
		Help: "Total phase transitions executed by the scheduler",
	}, []string{"trigger", "role"})

	// BidsPlacedTotal counts placed bids by side.
	BidsPlacedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridgame_bids_placed_total",
		Help: "Total bids placed",
	}, []string{"side"})

	// ActiveSessions tracks the number of sessions not yet ended.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gridgame_active_sessions",
		Help: "Number of currently active game sessions",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gridgame_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gridgame_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gridgame_http_request_duration_seconds",
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

		// Use the raw path for the label; session IDs dominate it, so
		// cardinality stays bounded by session count.
		path := r.URL.Path
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
