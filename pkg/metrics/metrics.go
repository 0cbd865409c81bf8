package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Admission and rate limiting metrics
var (
	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dbarbiter_rate_limit_hits_total",
			Help: "Total number of requests rejected by the sliding-window rate limiter",
		},
	)

	RateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbarbiter_rate_limit_decisions_total",
			Help: "Rate limiter decisions by result",
		},
		[]string{"result"}, // result: "allowed", "rejected"
	)

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dbarbiter_queue_depth",
			Help: "Current number of requests waiting in the admission queue",
		},
		[]string{"pool"},
	)

	QueueWaitTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dbarbiter_queue_wait_seconds",
			Help:    "Time spent waiting in the admission queue before admission",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"pool"},
	)

	QueueTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbarbiter_queue_timeouts_total",
			Help: "Requests that timed out waiting in the admission queue",
		},
		[]string{"pool"},
	)
)

// Pool lifecycle metrics
var (
	PoolAcquisitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbarbiter_pool_acquisitions_total",
			Help: "Total connection acquisitions by pool",
		},
		[]string{"pool"},
	)

	PoolReleasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbarbiter_pool_releases_total",
			Help: "Total connection releases by pool",
		},
		[]string{"pool"},
	)

	PoolExhaustedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbarbiter_pool_exhausted_total",
			Help: "Acquire attempts that found zero free slots",
		},
		[]string{"pool"},
	)

	PoolActiveConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dbarbiter_pool_active_connections",
			Help: "Connections currently held by callers",
		},
		[]string{"pool"},
	)

	ConnectionErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbarbiter_connection_errors_total",
			Help: "Failed connection establishment or execution attempts",
		},
		[]string{"pool"},
	)

	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbarbiter_queries_total",
			Help: "Queries executed through the arbitration layer",
		},
		[]string{"pool"},
	)

	QueriesSlowTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbarbiter_queries_slow_total",
			Help: "Queries exceeding the slow-query threshold",
		},
		[]string{"pool"},
	)
)

// Physical pgx pool metrics, collected periodically from pool stats.
var (
	DBPoolTotalConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dbarbiter_db_pool_total_conns",
			Help: "Total number of physical connections in the pool.",
		},
		[]string{"role"}, // role: "main", "read", "admin"
	)
	DBPoolIdleConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dbarbiter_db_pool_idle_conns",
			Help: "Number of idle physical connections in the pool.",
		},
		[]string{"role"},
	)
	DBPoolInUseConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dbarbiter_db_pool_in_use_conns",
			Help: "Number of physical connections currently in use.",
		},
		[]string{"role"},
	)
)

// Replica routing and fault tolerance metrics
var (
	ReplicaHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dbarbiter_replica_healthy",
			Help: "Replica health as seen by the probe loop (1=healthy, 0=unhealthy)",
		},
		[]string{"replica"},
	)

	ReplicaProbeLatency = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dbarbiter_replica_probe_latency_seconds",
			Help: "Latency of the most recent replica connectivity probe",
		},
		[]string{"replica"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dbarbiter_circuit_breaker_state",
			Help: "Circuit breaker state per replica (0=closed, 1=half_open, 2=open)",
		},
		[]string{"replica"},
	)

	ReplicaFallbacksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dbarbiter_replica_fallbacks_total",
			Help: "READ acquisitions served by the primary because no replica was usable",
		},
	)

	RetryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dbarbiter_retry_attempts_total",
			Help: "Retry attempts for transient connection errors",
		},
		[]string{"pool"},
	)
)
