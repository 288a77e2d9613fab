// Package metrics provides Prometheus instrumentation for the trading engine.
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
	// OrdersCreatedTotal counts orders accepted by the engine.
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pmx_orders_created_total",
		Help: "Total number of orders created",
	})

	// OrdersCancelledTotal counts cancelled orders, partitioned by the
	// status they were cancelled from.
	OrdersCancelledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pmx_orders_cancelled_total",
		Help: "Total number of orders cancelled",
	}, []string{"from_status"})

	// TradesSettledTotal counts completed settlements.
	TradesSettledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pmx_trades_settled_total",
		Help: "Total number of trades settled",
	})

	// SettlementReplaysTotal counts settlements replayed by the recovery sweep.
	SettlementReplaysTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pmx_settlement_replays_total",
		Help: "Settlement intents replayed by the recovery sweep",
	})

	// SessionsDisputedTotal counts sessions moved to disputed by the
	// escrow timeout sweep.
	SessionsDisputedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pmx_sessions_disputed_total",
		Help: "Trade sessions moved to disputed by timeout",
	})

	// WalletTransactionsTotal counts ledger entries by transaction type.
	WalletTransactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pmx_wallet_transactions_total",
		Help: "Total wallet ledger entries applied",
	}, []string{"type"})

	// InsufficientBalanceTotal counts debits rejected by the balance guard.
	InsufficientBalanceTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pmx_insufficient_balance_total",
		Help: "Debits rejected for insufficient balance",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pmx_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pmx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pmx_http_request_duration_seconds",
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
