package consts

import "time"

// Arbitration defaults. Config values of zero fall back to these.
const (
	// DefaultRateLimitWindow is the sliding window for per-client admission control.
	DefaultRateLimitWindow = 60 * time.Second

	// DefaultRateLimitMaxRequests is the per-client request budget within the window.
	DefaultRateLimitMaxRequests = 100

	// DefaultAcquireTimeout bounds how long a caller waits in the admission queue.
	DefaultAcquireTimeout = 30 * time.Second

	// DefaultMaxQueueDepth caps the admission queue; past this, acquires are
	// rejected as pool-exhausted instead of queueing unboundedly.
	DefaultMaxQueueDepth = 1000

	// PriorityAgingStep is the queue-score value of one priority level,
	// expressed in milliseconds of arrival time. A request one priority
	// level lower overtakes after waiting this long.
	PriorityAgingStep = 60_000

	// MinPriority and MaxPriority bound the caller-supplied priority.
	MinPriority = 1
	MaxPriority = 10

	// DefaultHealthCheckInterval is the replica probe period.
	DefaultHealthCheckInterval = 10 * time.Second

	// DefaultProbeTimeout bounds a single replica connectivity probe so one
	// slow replica cannot delay checks on the others.
	DefaultProbeTimeout = 2 * time.Second

	// Circuit breaker defaults.
	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 60 * time.Second
	DefaultHalfOpenRequests = 3

	// DefaultSlowQueryThreshold classifies a query as slow for metrics.
	DefaultSlowQueryThreshold = 1000 * time.Millisecond

	// WaitTimeSampleCap bounds the in-memory wait/query time sample buffers.
	WaitTimeSampleCap = 1000
)
