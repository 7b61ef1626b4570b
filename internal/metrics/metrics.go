package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BreakerState tracks the current state per breaker (0=closed, 1=half-open, 2=open)
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aiguard_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half_open, 2=open)",
		},
		[]string{"breaker"},
	)

	// BreakerTransitions counts state changes per breaker
	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiguard_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"breaker", "from", "to"},
	)

	// RetryAttempts counts retried attempts per error category
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiguard_retry_attempts_total",
			Help: "Total number of retried attempts",
		},
		[]string{"category"},
	)

	// OperationsTotal counts orchestrated operations per outcome
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiguard_operations_total",
			Help: "Total number of orchestrated AI operations",
		},
		[]string{"operation", "outcome"},
	)

	// OperationDuration tracks end-to-end operation latency
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "aiguard_operation_duration_seconds",
			Help:    "Orchestrated operation latency in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"operation"},
	)

	// CostUSD accumulates recorded spend per model
	CostUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiguard_cost_usd_total",
			Help: "Total recorded AI spend in USD",
		},
		[]string{"model"},
	)

	// BudgetAlerts counts budget threshold crossings
	BudgetAlerts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "aiguard_budget_alerts_total",
			Help: "Total number of budget alerts raised",
		},
	)

	// QualityFailures counts outputs rejected by the quality gate
	QualityFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiguard_quality_failures_total",
			Help: "Total number of generated outputs rejected by the quality gate",
		},
		[]string{"operation"},
	)

	// Hallucinations counts screen findings per type
	Hallucinations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiguard_hallucinations_total",
			Help: "Total number of hallucination screen findings",
		},
		[]string{"type"},
	)

	// DLQEntries tracks entries per status
	DLQEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aiguard_dlq_entries",
			Help: "Dead letter queue entries by status",
		},
		[]string{"status"},
	)

	// DLQEnqueued counts entries added, by sink
	DLQEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aiguard_dlq_enqueued_total",
			Help: "Total number of operations captured into the dead letter queue",
		},
		[]string{"sink"},
	)

	// DBConnectionPoolUsage tracks the percentage of open connections in use
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "aiguard_db_connection_pool_usage_percent",
			Help: "Database connection pool usage percentage",
		},
	)
)
