package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the lending engine.
type Metrics struct {
	// --- Engine operations ---
	OperationsTotal   *prometheus.CounterVec
	OperationsFailed  *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	EngineSequence    prometheus.Gauge

	// --- Pool & positions ---
	PoolDeposits  prometheus.Gauge
	OpenPositions prometheus.Gauge

	// --- Liquidation ---
	LiquidationsTotal    prometheus.Counter
	LiquidationsRejected *prometheus.CounterVec
	CollateralSeized     prometheus.Counter
	DebtRepaid           prometheus.Counter

	// --- Price feed ---
	PriceLookupErrors *prometheus.CounterVec
	StaleQuotes       prometheus.Counter

	// --- Channels & backpressure ---
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistBatchSize     prometheus.Histogram
	PersistBatchDur      prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistRetry         prometheus.Counter
	PersistLastSequence  prometheus.Gauge

	// --- HTTP API ---
	APIRequests *prometheus.CounterVec
	APIDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	opBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01, 0.05,
	}

	return &Metrics{
		OperationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_operations_total",
			Help: "Engine operations completed successfully",
		}, []string{"operation"}),

		OperationsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_operations_failed_total",
			Help: "Engine operations rejected or failed",
		}, []string{"operation", "reason"}),

		OperationDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lend_operation_duration_seconds",
			Help:    "Time spent inside an engine operation",
			Buckets: opBuckets,
		}, []string{"operation"}),

		EngineSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lend_engine_sequence",
			Help: "Current event sequence number",
		}),

		PoolDeposits: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lend_pool_deposits",
			Help: "Pool aggregate in debt-asset base units",
		}),

		OpenPositions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lend_open_positions",
			Help: "Currently open positions",
		}),

		LiquidationsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_liquidations_total",
			Help: "Positions liquidated",
		}),

		LiquidationsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_liquidations_rejected_total",
			Help: "Liquidation attempts rejected",
		}, []string{"reason"}),

		CollateralSeized: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_collateral_seized_total",
			Help: "Collateral paid out to liquidators, base units",
		}),

		DebtRepaid: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_debt_repaid_total",
			Help: "Debt repaid through liquidations, base units",
		}),

		PriceLookupErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_price_lookup_errors_total",
			Help: "Price source failures by asset",
		}, []string{"asset"}),

		StaleQuotes: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_stale_quotes_total",
			Help: "Operations rejected on a stale or invalid quote",
		}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_persist_backpressure_total",
			Help: "Times the engine blocked on the persist channel",
		}),

		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "lend_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "lend_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "lend_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "lend_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		APIRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "lend_api_requests_total",
			Help: "HTTP API requests",
		}, []string{"endpoint", "status"}),

		APIDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "lend_api_duration_seconds",
			Help:    "HTTP API request latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}
