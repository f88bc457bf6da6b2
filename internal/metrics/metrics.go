// Package metrics provides Prometheus instrumentation for the simulation engine.
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
	// RoundsAdvanced counts completed round transitions across all sessions.
	RoundsAdvanced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "odyssey_rounds_advanced_total",
		Help: "Total number of rounds advanced",
	})

	// TradesTotal counts executed trades, partitioned by action.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_trades_total",
		Help: "Total number of trades executed",
	}, []string{"action"})

	// BitcoinRegimes counts which pricing rule produced each Bitcoin return.
	BitcoinRegimes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_bitcoin_regimes_total",
		Help: "Bitcoin price updates by regime",
	}, []string{"regime"})

	RoundConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "odyssey_round_conflicts_total",
		Help: "Advance requests rejected by the optimistic round check",
	})

	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "odyssey_sessions_started_total",
		Help: "Total number of sessions started",
	})

	SessionsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "odyssey_sessions_completed_total",
		Help: "Total number of sessions that reached the final round",
	})

	// ActiveSessions tracks sessions started but not yet completed by this
	// process.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "odyssey_active_sessions",
		Help: "Number of in-progress sessions",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "odyssey_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "odyssey_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "odyssey_http_request_duration_seconds",
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

// routePattern labels by chi route template so session IDs do not explode
// label cardinality. Unmatched requests share one label.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
