// Package metrics provides Prometheus instrumentation for the market engine.
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
	// OrdersTotal counts accepted orders by kind, side and final outcome.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collectfi_orders_total",
		Help: "Orders accepted by the matching engine",
	}, []string{"kind", "side", "status"})

	// OrderRejections counts orders rejected before any state change, by error code.
	OrderRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collectfi_order_rejections_total",
		Help: "Orders rejected during validation",
	}, []string{"code"})

	// MatchLatency tracks time spent inside an asset's critical section per order.
	MatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "collectfi_match_latency_seconds",
		Help:    "Order matching latency in seconds",
		Buckets: []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
	}, []string{"kind"})

	// FillsTotal counts fills per asset.
	FillsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collectfi_fills_total",
		Help: "Total number of fills executed",
	}, []string{"asset_id"})

	// FillVolume tracks cumulative filled token quantity per asset.
	FillVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collectfi_fill_volume_total",
		Help: "Cumulative filled quantity in tokens",
	}, []string{"asset_id"})

	// FillNotional tracks cumulative traded value per asset.
	FillNotional = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collectfi_fill_notional_total",
		Help: "Cumulative traded value (price x quantity)",
	}, []string{"asset_id"})

	// RestingOrders tracks the number of orders resting in each book.
	RestingOrders = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "collectfi_resting_orders",
		Help: "Orders currently resting in the book",
	}, []string{"asset_id"})

	// CancelsTotal counts order cancellations by reason.
	CancelsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collectfi_order_cancels_total",
		Help: "Orders cancelled",
	}, []string{"reason"})

	// RedemptionTransitions counts redemption state changes by target status.
	RedemptionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collectfi_redemption_transitions_total",
		Help: "Redemption request status transitions",
	}, []string{"status"})

	// SettlementDropped counts settlement events that were never delivered.
	SettlementDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "collectfi_settlement_dropped_total",
		Help: "Settlement events dropped before delivery",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "collectfi_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "collectfi_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "collectfi_http_request_duration_seconds",
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

		// Label by route pattern, not raw path, to bound cardinality.
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
