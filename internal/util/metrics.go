package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CartOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cart_operations_total",
		Help: "Cart engine operations by operation, mode and result",
	}, []string{"op", "mode", "result"})

	CartStockWarningsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cart_stock_warnings_total",
		Help: "Quantities clamped down to the known stock ceiling",
	})

	CartMergesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cart_merges_total",
		Help: "Guest to member cart merges by result",
	}, []string{"result"})

	CartMergeItemsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cart_merge_items_failed_total",
		Help: "Guest cart items rejected by the remote cart during a merge",
	})

	CartStaleResponsesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cart_stale_responses_total",
		Help: "Remote responses discarded because a newer request for the same item was accepted",
	})

	CartSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cart_sessions_active",
		Help: "Number of live cart engines",
	})

	StockUpdatesApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cart_stock_updates_total",
		Help: "Stock refresh events processed by result",
	}, []string{"result"})

	RemoteCartLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "remote_cart_request_duration_seconds",
		Help:    "Latency of remote cart API calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
