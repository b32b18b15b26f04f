// Package metrics provides Prometheus instrumentation for the arbitrage engine.
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
	// BookUpdates counts book snapshots seen by the pipeline, by result.
	BookUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polyarb_book_updates_total",
		Help: "Book snapshots received, partitioned by accepted/stale",
	}, []string{"result"})

	// OpportunitiesDetected counts emitted opportunities by kind.
	OpportunitiesDetected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polyarb_opportunities_detected_total",
		Help: "Opportunities emitted by the detector",
	}, []string{"kind"})

	// OpportunitiesThrottled counts opportunities dropped by the cooldown.
	OpportunitiesThrottled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polyarb_opportunities_throttled_total",
		Help: "Opportunities dropped by the per-market cooldown",
	}, []string{"kind"})

	// RiskRejections counts reservations refused by the risk gate.
	RiskRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polyarb_risk_rejections_total",
		Help: "Reservations rejected by the risk gate, by limit",
	}, []string{"limit"})

	// KillSwitchTrips counts kill switch activations.
	KillSwitchTrips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polyarb_kill_switch_trips_total",
		Help: "Number of kill switch trips",
	})

	// OrdersTotal counts order state transitions by final status.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polyarb_orders_total",
		Help: "Orders reaching a status",
	}, []string{"status"})

	// SubmitRetries counts transient submission retries.
	SubmitRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polyarb_submit_retries_total",
		Help: "Order submissions retried after a transient error",
	})

	// SlippageRejections counts bundles abandoned because a leg price moved.
	SlippageRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polyarb_slippage_rejections_total",
		Help: "Bundles abandoned because a leg price slipped past tolerance",
	})

	// SubmitLatency tracks the time from Execute to venue acceptance.
	SubmitLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "polyarb_submit_latency_seconds",
		Help:    "Order submission latency in seconds",
		Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	// FillsApplied counts fills applied to the ledger, by side.
	FillsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polyarb_fills_applied_total",
		Help: "Fills applied to the portfolio ledger",
	}, []string{"side"})

	// DuplicateFills counts fills ignored because their sequence was already applied.
	DuplicateFills = promauto.NewCounter(prometheus.CounterOpts{
		Name: "polyarb_duplicate_fills_total",
		Help: "Fills ignored as duplicates",
	})

	// RealizedPnL, UnrealizedPnL and Exposure mirror the dashboard snapshot.
	RealizedPnL = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "polyarb_realized_pnl_usdc",
		Help: "Realized PnL in USDC",
	})
	UnrealizedPnL = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "polyarb_unrealized_pnl_usdc",
		Help: "Unrealized PnL in USDC at last mark",
	})
	Exposure = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "polyarb_exposure_usdc",
		Help: "Reserved plus committed exposure in USDC",
	})

	// KillSwitch is 1 while trading is halted.
	KillSwitch = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "polyarb_kill_switch",
		Help: "1 when the kill switch is tripped",
	})

	// OpenOrders tracks non-terminal orders.
	OpenOrders = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "polyarb_open_orders",
		Help: "Orders not yet in a terminal state",
	})

	// WebSocketClients tracks connected dashboard clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "polyarb_websocket_clients",
		Help: "Number of connected dashboard WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "polyarb_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "polyarb_http_request_duration_seconds",
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
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// boolGauge converts a flag to a gauge value.
func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// SetKillSwitch records the kill switch flag.
func SetKillSwitch(tripped bool) {
	KillSwitch.Set(boolGauge(tripped))
}
