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
	// TradesTotal counts executed trades, partitioned by action (BUY/SELL).
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bcp_trades_total",
		Help: "Total number of trades executed",
	}, []string{"action"})

	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bcp_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"action"})

	// TradeRejections counts trades refused by validation, by reason.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bcp_trade_rejections_total",
		Help: "Trades rejected before execution",
	}, []string{"reason"})

	// SharesTraded tracks cumulative volume per market.
	SharesTraded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bcp_shares_traded_total",
		Help: "Cumulative trade volume in shares",
	}, []string{"market_id", "action"})

	// OpenMarkets tracks the number of markets accepting trades.
	OpenMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bcp_open_markets",
		Help: "Number of currently open markets",
	})

	SettlementsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bcp_settlements_total",
		Help: "Markets resolved",
	})

	// PayoutsTotal sums cash credited to winning holders.
	PayoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bcp_payouts_total",
		Help: "Cash paid out at settlement",
	})

	DailyClaims = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bcp_daily_claims_total",
		Help: "Daily bonuses credited",
	})

	CommentsPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bcp_comments_pruned_total",
		Help: "Comments removed by the retention job",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bcp_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bcp_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bcp_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request metrics labelled by chi route pattern, so
// /markets/1 and /markets/2 share one series.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := "unmatched"
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

// Hijack passes through to the underlying writer for WebSocket upgrades.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
