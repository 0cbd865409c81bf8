// Package queue implements the shared, priority-ordered connection
// admission queue. The queue itself lives in the coordination store so
// every application instance arbitrates over the same bounded capacity;
// waiters park on a wake subscription rather than busy-polling, with a
// coarse fallback poll in case a wake notification is missed.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/stratosure/dbarbiter/consts"
	"github.com/stratosure/dbarbiter/logger"
	"github.com/stratosure/dbarbiter/pkg/kvstore"
	"github.com/stratosure/dbarbiter/pkg/metrics"
	"github.com/stratosure/dbarbiter/pkg/ratelimit"
)

// Result is the outcome of an admission attempt.
type Result int

const (
	Admitted Result = iota
	TimedOut
	RateLimited
	Exhausted // queue depth cap reached, request never enqueued
)

func (r Result) String() string {
	switch r {
	case Admitted:
		return "admitted"
	case TimedOut:
		return "timed_out"
	case RateLimited:
		return "rate_limited"
	case Exhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Request is one admission attempt. Immutable once created; it lives in
// the queue until admitted or timed out and is discarded after either.
type Request struct {
	RequestID  string
	ClientID   string
	Priority   int // 1..10, higher is served sooner
	EnqueuedAt time.Time
	Timeout    time.Duration
}

// Score computes the queue ordering score. Higher priority and earlier
// arrival both lower the score; lower score is served first. The aging
// step means a request one priority level lower overtakes after waiting
// that long, so low-priority work cannot starve. Exact ties fall back
// to lexicographic request-ID order inside the sorted set.
func (r Request) Score() float64 {
	return float64(r.EnqueuedAt.UnixMilli()) - float64(r.Priority)*consts.PriorityAgingStep
}

// AdmissionQueue arbitrates admission into one pool type's bounded
// capacity. Rate limiting runs before enqueueing: rate-limited clients
// must not occupy queue slots.
type AdmissionQueue struct {
	store    kvstore.Store
	limiter  *ratelimit.Limiter
	poolType string
	capacity int64
	maxDepth int64

	queueKey string
	stateKey string
	wakeChan string

	// pollInterval bounds worst-case wake latency if a publish is lost.
	pollInterval time.Duration
}

type Options struct {
	KeyPrefix    string
	PoolType     string
	Capacity     int64 // pool slot capacity arbitrated by this queue
	MaxDepth     int64 // defensive cap on waiting entries
	PollInterval time.Duration
}

func New(store kvstore.Store, limiter *ratelimit.Limiter, opts Options) *AdmissionQueue {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = consts.DefaultMaxQueueDepth
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	return &AdmissionQueue{
		store:        store,
		limiter:      limiter,
		poolType:     opts.PoolType,
		capacity:     opts.Capacity,
		maxDepth:     opts.MaxDepth,
		queueKey:     kvstore.QueueKey(opts.KeyPrefix, opts.PoolType),
		stateKey:     kvstore.StateKey(opts.KeyPrefix, opts.PoolType),
		wakeChan:     kvstore.WakeChannel(opts.KeyPrefix, opts.PoolType),
		pollInterval: opts.PollInterval,
	}
}

// Acquire waits for admission into the pool. It returns Admitted once
// this request is the lowest-score waiter and a slot is free, TimedOut
// when the request's timeout elapses first, RateLimited when the client
// is over budget (never enqueued), or Exhausted when the queue depth cap
// is hit. A context error is returned as an error, not a Result.
func (q *AdmissionQueue) Acquire(ctx context.Context, req Request) (Result, error) {
	if req.Priority < consts.MinPriority {
		req.Priority = consts.MinPriority
	}
	if req.Priority > consts.MaxPriority {
		req.Priority = consts.MaxPriority
	}

	decision, err := q.limiter.CheckAndRecord(ctx, req.ClientID, req.RequestID)
	if err != nil {
		return TimedOut, err
	}
	if decision == ratelimit.RateLimited {
		return RateLimited, nil
	}

	depth, err := q.store.QueueDepth(ctx, q.queueKey)
	if err != nil {
		return TimedOut, err
	}
	if depth >= q.maxDepth {
		logger.Warn("admission queue depth cap reached", "pool", q.poolType, "depth", depth)
		return Exhausted, nil
	}

	// Subscribe before enqueueing so a wake published between the two
	// cannot be missed.
	wake, cancelWake, err := q.store.SubscribeWake(ctx, q.wakeChan)
	if err != nil {
		return TimedOut, fmt.Errorf("admission wait for %s: %w", req.RequestID, err)
	}
	defer cancelWake()

	if err := q.store.Enqueue(ctx, q.queueKey, req.RequestID, req.Score()); err != nil {
		return TimedOut, err
	}
	metrics.QueueDepth.WithLabelValues(q.poolType).Inc()
	defer metrics.QueueDepth.WithLabelValues(q.poolType).Dec()

	timeout := time.NewTimer(req.Timeout)
	defer timeout.Stop()
	poll := time.NewTicker(q.pollInterval)
	defer poll.Stop()

	for {
		admitted, err := q.store.AdmitIfHead(ctx, q.queueKey, q.stateKey, req.RequestID, q.capacity)
		if err != nil {
			q.removeBestEffort(req.RequestID)
			return TimedOut, err
		}
		if admitted {
			// An admission that races the timeout is still honored;
			// the timeout only applies to the waiting state.
			return Admitted, nil
		}

		select {
		case <-ctx.Done():
			q.removeBestEffort(req.RequestID)
			return TimedOut, fmt.Errorf("admission wait cancelled: %w", ctx.Err())
		case <-timeout.C:
			// One last attempt so a grant that became available exactly
			// at the deadline is not dropped.
			admitted, err := q.store.AdmitIfHead(ctx, q.queueKey, q.stateKey, req.RequestID, q.capacity)
			if err == nil && admitted {
				return Admitted, nil
			}
			q.removeBestEffort(req.RequestID)
			metrics.QueueTimeouts.WithLabelValues(q.poolType).Inc()
			return TimedOut, nil
		case <-wake:
		case <-poll.C:
		}
	}
}

// Release returns a slot to the pool and wakes the next waiter so the
// lowest-score entry is promptly considered.
func (q *AdmissionQueue) Release(ctx context.Context) {
	if err := q.store.ReleaseSlot(ctx, q.stateKey); err != nil {
		logger.Error("failed to release admission slot", "pool", q.poolType, "error", err)
	}
	if err := q.store.PublishWake(ctx, q.wakeChan); err != nil {
		logger.Debug("failed to publish admission wake", "pool", q.poolType, "error", err)
	}
}

// Depth returns the number of requests currently waiting.
func (q *AdmissionQueue) Depth(ctx context.Context) (int64, error) {
	return q.store.QueueDepth(ctx, q.queueKey)
}

// ActiveSlots returns the shared count of held slots for this pool type.
func (q *AdmissionQueue) ActiveSlots(ctx context.Context) (int64, error) {
	return q.store.ActiveSlots(ctx, q.stateKey)
}

// Capacity returns the slot capacity arbitrated by this queue.
func (q *AdmissionQueue) Capacity() int64 {
	return q.capacity
}

func (q *AdmissionQueue) removeBestEffort(requestID string) {
	// The waiter is leaving; removal uses its own short deadline so a
	// cancelled caller context cannot strand the entry.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := q.store.Remove(ctx, q.queueKey, requestID); err != nil {
		logger.Debug("failed to remove queue entry", "pool", q.poolType, "request_id", requestID, "error", err)
	}
}
