package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MigrationsTotal tracks migration outcomes by terminal phase
	MigrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modernizer_migrations_total",
			Help: "Total number of migrations by terminal phase and project type",
		},
		[]string{"phase", "project_type"},
	)

	// ActiveWorkflows tracks currently running workflows
	ActiveWorkflows = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "modernizer_active_workflows",
			Help: "Number of currently active migration workflows",
		},
	)

	// WorkerDuration tracks per-worker execution latency
	WorkerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "modernizer_worker_duration_seconds",
			Help:    "Duration of worker invocations",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 0.1s to ~27 minutes
		},
		[]string{"worker", "status"},
	)

	// ReasonerCalls tracks LLM reasoner call outcomes
	ReasonerCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modernizer_reasoner_calls_total",
			Help: "Total number of reasoner calls by task and outcome",
		},
		[]string{"task", "outcome"},
	)

	// ReasonerTokens tracks LLM token consumption
	ReasonerTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modernizer_reasoner_tokens_total",
			Help: "Total LLM tokens consumed by direction",
		},
		[]string{"task", "direction"},
	)

	// ContainerOperations tracks container runtime operation counts
	ContainerOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modernizer_container_operations_total",
			Help: "Total number of container runtime operations",
		},
		[]string{"operation", "status"},
	)

	// ContainerOperationDuration tracks container runtime operation latency
	ContainerOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "modernizer_container_operation_duration_seconds",
			Help:    "Duration of container runtime operations",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15), // 10ms to ~5 minutes
		},
		[]string{"operation"},
	)

	// ValidationStages tracks per-stage validation results
	ValidationStages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modernizer_validation_stages_total",
			Help: "Total number of validation stage executions by result",
		},
		[]string{"stage", "result"},
	)

	// RetryAttempts tracks analyzer-loop retries
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modernizer_retry_attempts_total",
			Help: "Total number of retry attempts by outcome",
		},
		[]string{"outcome"},
	)

	// EventsDropped tracks events dropped from slow subscriber buffers
	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "modernizer_events_dropped_total",
			Help: "Total number of non-terminal events dropped from subscriber buffers",
		},
	)

	// GatewayCalls tracks repo gateway call outcomes
	GatewayCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "modernizer_gateway_calls_total",
			Help: "Total number of repo gateway calls by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)
)
