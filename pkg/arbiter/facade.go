// Package arbiter is the component application code calls to obtain a
// database connection. It composes the rate limiter, admission queue,
// replica router, circuit breakers, and health tracker into a single
// acquire/execute/release surface.
//
// Cross-process state (rate limits, admission queue, slot counts) lives
// in the shared store; circuit breakers and replica health are
// per-process, so each instance independently decides replica routing
// under partial failure.
package arbiter

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stratosure/dbarbiter/config"
	"github.com/stratosure/dbarbiter/consts"
	"github.com/stratosure/dbarbiter/logger"
	"github.com/stratosure/dbarbiter/pkg/circuitbreaker"
	"github.com/stratosure/dbarbiter/pkg/driver"
	"github.com/stratosure/dbarbiter/pkg/health"
	"github.com/stratosure/dbarbiter/pkg/kvstore"
	"github.com/stratosure/dbarbiter/pkg/metrics"
	"github.com/stratosure/dbarbiter/pkg/queue"
	"github.com/stratosure/dbarbiter/pkg/ratelimit"
	"github.com/stratosure/dbarbiter/pkg/retry"
	"github.com/stratosure/dbarbiter/pkg/router"
)

// Options wires the arbiter's collaborators explicitly. There is no
// hidden global state: one Arbiter is constructed at process startup
// and passed to everything that needs a connection.
type Options struct {
	Arbitration *config.ArbitrationConfig
	KeyPrefix   string

	Store kvstore.Store

	// MainPool serves MAIN (write) traffic and replica fallback.
	MainPool driver.Pool

	// AdminPool is optional; when nil, ADMIN traffic uses MainPool.
	AdminPool driver.Pool

	// ReadPools maps replica ID to its pool. Empty means READ traffic
	// goes straight to the primary.
	ReadPools map[string]driver.Pool

	// IsTransient classifies driver errors for retry. Required.
	IsTransient func(error) bool

	// RetryBaseDelay is the base for exponential backoff in
	// ExecuteWithRetry. Defaults to 100ms.
	RetryBaseDelay time.Duration

	// MaxAttempts bounds ExecuteWithRetry. Defaults to 3.
	MaxAttempts int
}

// AcquireOptions describes one acquisition attempt.
type AcquireOptions struct {
	PoolType   driver.PoolType
	RoutingKey string // READ only: sticky replica selection key
	ClientID   string // identity being rate limited
	Priority   int    // 1..10, higher served sooner; 0 means default (5)
	Timeout    time.Duration
}

// Arbiter is the connection pool facade.
type Arbiter struct {
	store   kvstore.Store
	limiter *ratelimit.Limiter

	mainPool  driver.Pool
	adminPool driver.Pool
	readPools map[string]driver.Pool

	queues   map[driver.PoolType]*queue.AdmissionQueue
	trackers map[driver.PoolType]*metrics.PoolTracker

	breakers      map[string]*circuitbreaker.CircuitBreaker
	healthTracker *health.Tracker
	router        *router.Router

	isTransient    func(error) bool
	retryBaseDelay time.Duration
	maxAttempts    int
	acquireTimeout time.Duration
}

func New(opts Options) (*Arbiter, error) {
	if opts.MainPool == nil {
		return nil, fmt.Errorf("arbiter: main pool is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("arbiter: coordination store is required")
	}
	if opts.IsTransient == nil {
		return nil, fmt.Errorf("arbiter: transient error classifier is required")
	}
	arb := opts.Arbitration
	if arb == nil {
		arb = &config.ArbitrationConfig{}
	}

	window, err := arb.GetRateLimitWindow()
	if err != nil {
		return nil, err
	}
	acquireTimeout, err := arb.GetAcquireTimeout()
	if err != nil {
		return nil, err
	}
	interval, err := arb.GetHealthCheckInterval()
	if err != nil {
		return nil, err
	}
	probeTimeout, err := arb.GetProbeTimeout()
	if err != nil {
		return nil, err
	}
	recoveryTimeout, err := arb.GetRecoveryTimeout()
	if err != nil {
		return nil, err
	}
	slowThreshold, err := arb.GetSlowQueryThreshold()
	if err != nil {
		return nil, err
	}

	a := &Arbiter{
		store:          opts.Store,
		mainPool:       opts.MainPool,
		adminPool:      opts.AdminPool,
		readPools:      opts.ReadPools,
		queues:         make(map[driver.PoolType]*queue.AdmissionQueue),
		trackers:       make(map[driver.PoolType]*metrics.PoolTracker),
		breakers:       make(map[string]*circuitbreaker.CircuitBreaker),
		isTransient:    opts.IsTransient,
		retryBaseDelay: opts.RetryBaseDelay,
		maxAttempts:    opts.MaxAttempts,
		acquireTimeout: acquireTimeout,
	}
	if a.adminPool == nil {
		a.adminPool = a.mainPool
	}
	if a.retryBaseDelay <= 0 {
		a.retryBaseDelay = 100 * time.Millisecond
	}
	if a.maxAttempts <= 0 {
		a.maxAttempts = 3
	}

	a.limiter = ratelimit.New(opts.Store, opts.KeyPrefix, window, arb.GetRateLimitMaxRequests())

	// One breaker per replica, serialized per replica rather than behind
	// a global lock so replicas do not contend with each other.
	a.healthTracker = health.NewTracker(interval, probeTimeout)
	a.router = router.New(a.healthTracker.IsHealthy, a.breakerAllowsRouting)
	for id, pool := range a.readPools {
		cb := circuitbreaker.New(circuitbreaker.Settings{
			Name:             id,
			FailureThreshold: arb.GetFailureThreshold(),
			RecoveryTimeout:  recoveryTimeout,
			HalfOpenRequests: arb.GetHalfOpenRequests(),
			OnStateChange: func(name string, from, to circuitbreaker.State) {
				logger.Info("replica circuit breaker state changed", "replica", name, "from", from, "to", to)
			},
		})
		a.breakers[id] = cb
		a.healthTracker.Register(id, pool, cb)
		a.router.AddReplica(id)
	}

	// Admission capacity per pool type. READ arbitrates the combined
	// replica capacity; with no replicas, reads share the primary.
	mainCap := int64(a.mainPool.Stat().MaxConns)
	if mainCap <= 0 {
		mainCap = 1
	}
	readCap := int64(0)
	for _, pool := range a.readPools {
		readCap += int64(pool.Stat().MaxConns)
	}
	if readCap <= 0 {
		readCap = mainCap
	}
	adminCap := int64(a.adminPool.Stat().MaxConns)
	if adminCap <= 0 {
		adminCap = mainCap
	}

	caps := map[driver.PoolType]int64{
		driver.PoolTypeMain:  mainCap,
		driver.PoolTypeRead:  readCap,
		driver.PoolTypeAdmin: adminCap,
	}
	for _, pt := range []driver.PoolType{driver.PoolTypeMain, driver.PoolTypeRead, driver.PoolTypeAdmin} {
		a.queues[pt] = queue.New(opts.Store, a.limiter, queue.Options{
			KeyPrefix: opts.KeyPrefix,
			PoolType:  pt.String(),
			Capacity:  caps[pt],
			MaxDepth:  arb.GetMaxQueueDepth(),
		})
		a.trackers[pt] = metrics.NewPoolTracker(pt.String(), slowThreshold, consts.WaitTimeSampleCap)
	}

	return a, nil
}

// Start launches the replica health loop and the pool stat exporter.
func (a *Arbiter) Start(ctx context.Context) {
	a.healthTracker.Start(ctx)
}

// Stop halts background loops. Pools and the store are owned by the
// caller that constructed them and are closed there.
func (a *Arbiter) Stop() {
	a.healthTracker.Stop()
}

func (a *Arbiter) breakerAllowsRouting(replicaID string) bool {
	cb, ok := a.breakers[replicaID]
	if !ok {
		return false
	}
	return cb.State() != circuitbreaker.StateOpen
}

// Acquire obtains a connection from the requested pool, queueing for
// admission first. On success the returned ScopedConn must be released
// on every exit path; defer Release immediately.
func (a *Arbiter) Acquire(ctx context.Context, opts AcquireOptions) (*ScopedConn, error) {
	if opts.Priority == 0 {
		opts.Priority = 5
	}
	if opts.Timeout <= 0 {
		opts.Timeout = a.acquireTimeout
	}
	if opts.ClientID == "" {
		opts.ClientID = "default"
	}

	q, ok := a.queues[opts.PoolType]
	if !ok {
		return nil, fmt.Errorf("arbiter: unknown pool type %v", opts.PoolType)
	}
	tracker := a.trackers[opts.PoolType]

	req := queue.Request{
		RequestID:  uuid.NewString(),
		ClientID:   opts.ClientID,
		Priority:   opts.Priority,
		EnqueuedAt: time.Now(),
		Timeout:    opts.Timeout,
	}

	waitStart := time.Now()
	result, err := q.Acquire(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("admission failed: %w", err)
	}

	switch result {
	case queue.RateLimited:
		return nil, ErrRateLimited
	case queue.TimedOut:
		return nil, ErrTimedOut
	case queue.Exhausted:
		tracker.RecordExhausted()
		return nil, ErrPoolExhausted
	}
	wait := time.Since(waitStart)

	conn, replicaID, err := a.connect(ctx, opts, tracker)
	if err != nil {
		// The admission slot was claimed but no connection materialized;
		// hand the slot back so the next waiter is considered.
		q.Release(context.Background())
		return nil, err
	}

	tracker.RecordAcquire(wait)

	scoped := &ScopedConn{
		conn:     conn,
		poolType: opts.PoolType,
		replica:  replicaID,
	}
	scoped.release = func() {
		conn.Release()
		tracker.RecordRelease()
		q.Release(context.Background())
	}
	return scoped, nil
}

// connect resolves the physical pool for the admitted request and checks
// a connection out of it. For READ it consults the router and wraps the
// replica attempt in its circuit breaker, falling back to the primary
// when no replica is usable. The fallback is counted and logged, never
// silent.
func (a *Arbiter) connect(ctx context.Context, opts AcquireOptions, tracker *metrics.PoolTracker) (driver.Conn, string, error) {
	pool := a.mainPool
	replicaID := ""

	switch opts.PoolType {
	case driver.PoolTypeAdmin:
		pool = a.adminPool
	case driver.PoolTypeRead:
		if usePrimary, ok := ctx.Value(consts.UsePrimaryKey).(bool); ok && usePrimary {
			break
		}
		id, found := a.router.SelectReplica(opts.RoutingKey)
		if !found {
			metrics.ReplicaFallbacksTotal.Inc()
			logger.Warn("no usable read replica, falling back to primary",
				"routing_key", opts.RoutingKey, "error", ErrAllReplicasUnavailable)
			break
		}

		cb := a.breakers[id]
		if !cb.AllowRequest() {
			metrics.ReplicaFallbacksTotal.Inc()
			logger.Debug("replica breaker rejected request, falling back to primary", "replica", id)
			break
		}

		conn, err := a.readPools[id].Acquire(ctx)
		if err != nil {
			cb.OnFailure()
			tracker.RecordError()
			metrics.ReplicaFallbacksTotal.Inc()
			logger.Warn("replica connection failed, falling back to primary", "replica", id, "error", err)
			break
		}
		cb.OnSuccess()
		return conn, id, nil
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		tracker.RecordError()
		return nil, "", &ConnectionError{
			Reason:    fmt.Sprintf("acquire from %s pool", opts.PoolType),
			Transient: a.isTransient(err),
			Err:       err,
		}
	}
	return conn, replicaID, nil
}

// ExecuteWithRetry runs a statement on the scoped connection, retrying
// only transient connection errors with exponential backoff. Query and
// business errors surface immediately. The final error after exhausted
// attempts is returned wrapped with its classification.
func (a *Arbiter) ExecuteWithRetry(ctx context.Context, conn *ScopedConn, sql string, args ...any) error {
	tracker := a.trackers[conn.PoolType()]

	cfg := retry.BackoffConfig{
		InitialInterval: a.retryBaseDelay,
		MaxInterval:     a.retryBaseDelay * time.Duration(1<<uint(a.maxAttempts)),
		Multiplier:      2.0,
		Jitter:          true,
		MaxRetries:      a.maxAttempts - 1,
	}

	start := time.Now()
	err := retry.WithBackoff(ctx, cfg, func() error {
		execErr := conn.Exec(ctx, sql, args...)
		if execErr == nil {
			return nil
		}
		if !a.isTransient(execErr) {
			return retry.Stop(&ConnectionError{Reason: "execute", Transient: false, Err: execErr})
		}
		metrics.RetryAttemptsTotal.WithLabelValues(conn.PoolType().String()).Inc()
		return &ConnectionError{Reason: "execute", Transient: true, Err: execErr}
	})

	tracker.RecordQuery(time.Since(start))
	if err != nil {
		tracker.RecordError()
	}
	return err
}

// Metrics assembles the point-in-time snapshot for a pool type. Idle
// connections come from the physical pools and queued requests from the
// shared admission queue; everything else is tracker-owned.
func (a *Arbiter) Metrics(ctx context.Context, poolType driver.PoolType) (metrics.PoolMetricsSnapshot, error) {
	tracker, ok := a.trackers[poolType]
	if !ok {
		return metrics.PoolMetricsSnapshot{}, fmt.Errorf("arbiter: unknown pool type %v", poolType)
	}

	var idle int64
	switch poolType {
	case driver.PoolTypeMain:
		idle = int64(a.mainPool.Stat().IdleConns)
	case driver.PoolTypeAdmin:
		idle = int64(a.adminPool.Stat().IdleConns)
	case driver.PoolTypeRead:
		for _, pool := range a.readPools {
			idle += int64(pool.Stat().IdleConns)
		}
		if len(a.readPools) == 0 {
			idle = int64(a.mainPool.Stat().IdleConns)
		}
	}

	queued, err := a.queues[poolType].Depth(ctx)
	if err != nil {
		return metrics.PoolMetricsSnapshot{}, err
	}

	return tracker.Snapshot(idle, queued), nil
}

// ReplicaHealth returns the health tracker's per-replica snapshots.
func (a *Arbiter) ReplicaHealth() map[string]health.ReplicaHealth {
	return a.healthTracker.Snapshot()
}

// BreakerSnapshots returns diagnostic views of every replica breaker.
func (a *Arbiter) BreakerSnapshots() []circuitbreaker.Snapshot {
	out := make([]circuitbreaker.Snapshot, 0, len(a.breakers))
	for _, cb := range a.breakers {
		out = append(out, cb.GetSnapshot())
	}
	return out
}

// HealthTracker exposes the tracker for startup seeding.
func (a *Arbiter) HealthTracker() *health.Tracker {
	return a.healthTracker
}
