// Package metrics provides Prometheus instrumentation for the stream market.
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
	// PurchasesTotal counts purchase attempts by source (manual, agent, bid)
	// and outcome (ok, miss, error).
	PurchasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streammarket_purchases_total",
		Help: "Purchase attempts by source and outcome",
	}, []string{"source", "outcome"})

	// PurchaseLatency tracks ledger round-trip time for purchases.
	PurchaseLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "streammarket_purchase_latency_seconds",
		Help:    "Purchase settlement latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"source"})

	AgentScans = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streammarket_agent_scans_total",
		Help: "Matching agent scans run",
	})

	AgentMatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streammarket_agent_matches_total",
		Help: "Orders that passed every policy predicate",
	})

	AgentExecutions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streammarket_agent_executions_total",
		Help: "Purchases completed by the matching agent",
	})

	AgentFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streammarket_agent_failures_total",
		Help: "Purchases attempted by the matching agent that failed",
	})

	// BookSize tracks the number of active orders in the book.
	BookSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streammarket_book_orders",
		Help: "Number of active orders in the book",
	})

	// SnapshotVersion is the version of the last published engine snapshot.
	SnapshotVersion = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streammarket_snapshot_version",
		Help: "Version of the latest engine snapshot",
	})

	TickLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "streammarket_tick_duration_seconds",
		Help:    "Accounting and valuation tick duration in seconds",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
	})

	// SyncErrors counts failed ledger synchronisations.
	SyncErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streammarket_sync_errors_total",
		Help: "Ledger sync attempts that failed",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "streammarket_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// ExposureRejections counts purchases refused by the exposure limiter.
	ExposureRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streammarket_exposure_rejections_total",
		Help: "Purchases rejected by the exposure limiter",
	}, []string{"limit"})

	// BidTransitions counts bid state changes by resulting status.
	BidTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streammarket_bid_transitions_total",
		Help: "Bid lifecycle transitions by resulting status",
	}, []string{"status"})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streammarket_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "streammarket_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObservePurchase records the outcome and latency of one purchase attempt.
func ObservePurchase(source, outcome string, started time.Time) {
	PurchasesTotal.WithLabelValues(source, outcome).Inc()
	PurchaseLatency.WithLabelValues(source).Observe(time.Since(started).Seconds())
}

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

		// Route pattern keeps label cardinality bounded.
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
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

// Hijack lets the WebSocket upgrader take over wrapped connections.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}
