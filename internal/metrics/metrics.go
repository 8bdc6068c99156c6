// Package metrics provides Prometheus instrumentation for the contest engine.
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
	// ContestsCreated counts contests created.
	ContestsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "contest_contests_created_total",
		Help: "Total number of contests created",
	})

	// EntriesTotal counts accepted entries.
	EntriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "contest_entries_total",
		Help: "Total number of contest entries accepted",
	})

	// EntryFeesCollected sums entry fees moved into escrow, in base units.
	EntryFeesCollected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "contest_entry_fees_collected_total",
		Help: "Entry fees collected into escrow in token base units",
	})

	// PricesLocked counts contests whose start prices were captured.
	PricesLocked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "contest_prices_locked_total",
		Help: "Total number of contests with locked start prices",
	})

	// ContestsResolved counts resolutions by resolver (primary or venue id).
	ContestsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "contest_resolved_total",
		Help: "Total number of contests resolved",
	}, []string{"resolver"})

	// ResolutionLatency tracks resolution time by resolver.
	ResolutionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "contest_resolution_latency_seconds",
		Help:    "Contest resolution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"resolver"})

	// ClaimsTotal counts paid claims.
	ClaimsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "contest_claims_total",
		Help: "Total number of rewards claimed",
	})

	// PayoutVolume sums rewards paid, in base units.
	PayoutVolume = promauto.NewCounter(prometheus.CounterOpts{
		Name: "contest_payout_volume_total",
		Help: "Rewards paid in token base units",
	})

	// FeesAccrued sums protocol fees accrued at resolution, in base units.
	FeesAccrued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "contest_fees_accrued_total",
		Help: "Protocol fees accrued in token base units",
	})

	// FeesWithdrawn sums protocol fees withdrawn by the admin, in base units.
	FeesWithdrawn = promauto.NewCounter(prometheus.CounterOpts{
		Name: "contest_fees_withdrawn_total",
		Help: "Protocol fees withdrawn in token base units",
	})

	// Delegations counts delegation lifecycle events by action.
	Delegations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "contest_delegations_total",
		Help: "Delegation events by action",
	}, []string{"action"})

	// KeeperActions counts keeper sweep actions by action and result.
	KeeperActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "contest_keeper_actions_total",
		Help: "Keeper actions by action and result",
	}, []string{"action", "result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "contest_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "contest_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "contest_http_request_duration_seconds",
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

		// Route pattern keeps contest ids out of the label set.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("metrics: %T does not support hijacking", w.ResponseWriter)
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
