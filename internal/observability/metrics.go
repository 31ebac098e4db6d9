package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for marginwatch.
type Metrics struct {
	// --- Health evaluation ---
	HealthEvaluations   *prometheus.CounterVec
	HealthEvalDuration  prometheus.Histogram
	HealthEvalErrors    *prometheus.CounterVec
	UnhealthyPortfolios prometheus.Gauge
	MonitorScanDuration prometheus.Histogram
	MonitorScansTotal   prometheus.Counter

	// --- Liquidation ---
	LiquidationsStarted   prometheus.Counter
	LiquidationsCompleted *prometheus.CounterVec
	LiquidationStepErrors *prometheus.CounterVec
	DebtRepaidTotal       prometheus.Counter
	CollateralSeized      *prometheus.CounterVec
	EquityWithdrawn       prometheus.Counter

	// --- Price feed ---
	PriceTicksApplied  *prometheus.CounterVec
	PriceTicksRejected *prometheus.CounterVec
	OracleStaleReads   *prometheus.CounterVec

	// --- Venue calls ---
	VenueCallDuration *prometheus.HistogramVec
	VenueCallErrors   *prometheus.CounterVec

	// --- Persistence ---
	PersistWrites   *prometheus.CounterVec
	PersistErrors   *prometheus.CounterVec
	PersistBatchDur prometheus.Histogram

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	evalBuckets := []float64{
		0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005,
		0.01, 0.025, 0.05, 0.1, 0.25, 0.5,
	}

	venueBuckets := []float64{
		0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025,
		0.05, 0.1, 0.25, 0.5, 1.0, 2.5,
	}

	return &Metrics{
		// Health evaluation
		HealthEvaluations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mw_health_evaluations_total",
			Help: "Portfolio health evaluations by resulting status",
		}, []string{"status"}),

		HealthEvalDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "mw_health_eval_duration_seconds",
			Help:    "Time to aggregate and score a single portfolio",
			Buckets: evalBuckets,
		}),

		HealthEvalErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mw_health_eval_errors_total",
			Help: "Evaluations aborted by venue or oracle failure",
		}, []string{"venue"}),

		UnhealthyPortfolios: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "mw_unhealthy_portfolios",
			Help: "Portfolios below the liquidation threshold at last scan",
		}),

		MonitorScanDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "mw_monitor_scan_duration_seconds",
			Help:    "Full monitor pass over all registered accounts",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		}),

		MonitorScansTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mw_monitor_scans_total",
			Help: "Completed monitor passes",
		}),

		// Liquidation
		LiquidationsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mw_liquidations_started_total",
			Help: "Liquidation attempts that passed the health check",
		}),

		LiquidationsCompleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mw_liquidations_completed_total",
			Help: "Finished liquidations by outcome",
		}, []string{"outcome"}),

		LiquidationStepErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mw_liquidation_step_errors_total",
			Help: "Venue failures during a liquidation step",
		}, []string{"step"}),

		DebtRepaidTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mw_debt_repaid_total",
			Help: "Debt repaid through liquidations, loan-token units",
		}),

		CollateralSeized: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mw_collateral_seized_total",
			Help: "Collateral seized through liquidations, native units",
		}, []string{"token"}),

		EquityWithdrawn: promauto.NewCounter(prometheus.CounterOpts{
			Name: "mw_equity_withdrawn_total",
			Help: "Exchange equity withdrawn through liquidations",
		}),

		// Price feed
		PriceTicksApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mw_price_ticks_applied_total",
			Help: "Feed ticks accepted by the oracle",
		}, []string{"market"}),

		PriceTicksRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mw_price_ticks_rejected_total",
			Help: "Feed ticks dropped (malformed, non-positive, out of order)",
		}, []string{"reason"}),

		OracleStaleReads: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mw_oracle_stale_reads_total",
			Help: "Price reads refused because the tick was stale",
		}, []string{"market"}),

		// Venue calls
		VenueCallDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mw_venue_call_duration_seconds",
			Help:    "Latency of lending-market and exchange calls",
			Buckets: venueBuckets,
		}, []string{"venue", "op"}),

		VenueCallErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mw_venue_call_errors_total",
			Help: "Failed lending-market and exchange calls",
		}, []string{"venue", "op"}),

		// Persistence
		PersistWrites: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mw_persist_writes_total",
			Help: "Rows written to Postgres by table",
		}, []string{"table"}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mw_persist_errors_total",
			Help: "Postgres write failures by table",
		}, []string{"table"}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "mw_persist_batch_duration_seconds",
			Help:    "Postgres write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		// Query API
		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mw_query_requests_total",
			Help: "HTTP API requests",
		}, []string{"endpoint", "code"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mw_query_duration_seconds",
			Help:    "HTTP API request duration",
			Buckets: evalBuckets,
		}, []string{"endpoint"}),

		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "mw_query_errors_total",
			Help: "HTTP API errors",
		}, []string{"endpoint", "reason"}),
	}
}
