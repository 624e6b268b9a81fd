package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the wallet service.
// Components accept a nil *Metrics and skip recording, so tests can
// construct them without touching the default registry.
type Metrics struct {
	// --- Invoice monitor ---
	MonitorConnects    prometheus.Counter
	MonitorDisconnects prometheus.Counter
	MonitorFrames      prometheus.Counter
	MonitorDispatched  prometheus.Counter
	MonitorDeduped     prometheus.Counter
	MonitorUnknown     prometheus.Counter
	MonitorState       prometheus.Gauge

	// --- Backend calls ---
	BackendCallDuration *prometheus.HistogramVec
	BackendCallErrors   *prometheus.CounterVec
	BackendRetries      *prometheus.CounterVec

	// --- Wallet ledger ---
	AccountsProvisioned prometheus.Counter
	AccountCacheHits    prometheus.Counter
	AccountCacheMisses  prometheus.Counter
	BalanceRefreshes    prometheus.Counter
	BalanceCacheServed  prometheus.Counter

	// --- Store ---
	StoreTaskDuration *prometheus.HistogramVec
	StoreErrors       *prometheus.CounterVec
	StoreQueueDepth   prometheus.Gauge

	// --- Rate limiter ---
	RateLimitDecisions *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	callBuckets := []float64{
		0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
	}

	storeBuckets := []float64{
		0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5,
	}

	return &Metrics{
		MonitorConnects: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lnw_monitor_connects_total",
			Help: "Successful payment subscription connects",
		}),
		MonitorDisconnects: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lnw_monitor_disconnects_total",
			Help: "Subscription channel errors and unexpected closes",
		}),
		MonitorFrames: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lnw_monitor_frames_total",
			Help: "Frames received on the subscription channel",
		}),
		MonitorDispatched: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lnw_monitor_events_dispatched_total",
			Help: "Payment events forwarded to notification sinks",
		}),
		MonitorDeduped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lnw_monitor_events_deduped_total",
			Help: "Payment events dropped as duplicates (checking_id)",
		}),
		MonitorUnknown: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lnw_monitor_events_unknown_account_total",
			Help: "Payment events dropped because no local account matched",
		}),
		MonitorState: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lnw_monitor_state",
			Help: "Subscription state (0=disconnected 1=connecting 2=connected 3=degraded 4=stopped)",
		}),

		BackendCallDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lnw_backend_call_duration_seconds",
			Help:    "Outbound backend call duration, per operation",
			Buckets: callBuckets,
		}, []string{"op"}),
		BackendCallErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lnw_backend_call_errors_total",
			Help: "Backend call failures, per operation and kind",
		}, []string{"op", "kind"}),
		BackendRetries: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lnw_backend_retries_total",
			Help: "Backend call retry attempts, per operation",
		}, []string{"op"}),

		AccountsProvisioned: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lnw_wallet_accounts_provisioned_total",
			Help: "New backend accounts provisioned",
		}),
		AccountCacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lnw_wallet_account_cache_hits_total",
			Help: "Account lookups served from the in-memory cache",
		}),
		AccountCacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lnw_wallet_account_cache_misses_total",
			Help: "Account lookups that fell through to the durable store",
		}),
		BalanceRefreshes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lnw_wallet_balance_refreshes_total",
			Help: "Balance reads answered by a fresh backend query",
		}),
		BalanceCacheServed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lnw_wallet_balance_cache_served_total",
			Help: "Balance reads served from the cached value",
		}),

		StoreTaskDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lnw_store_task_duration_seconds",
			Help:    "Store task duration on the worker pool, per operation",
			Buckets: storeBuckets,
		}, []string{"op"}),
		StoreErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lnw_store_errors_total",
			Help: "Store task failures, per operation",
		}, []string{"op"}),
		StoreQueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lnw_store_queue_depth",
			Help: "Tasks queued for the store worker pool",
		}),

		RateLimitDecisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lnw_ratelimit_decisions_total",
			Help: "Rate limiter admission decisions",
		}, []string{"outcome"}),
	}
}
