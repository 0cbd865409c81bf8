// Package kvstore abstracts the shared coordination store used for
// cross-process rate limiting and connection admission queueing.
//
// The Store interface exposes the specific atomic operations the
// arbitration layer needs, named after what they do rather than the
// underlying commands. The Redis implementation executes the compound
// operations as server-side Lua scripts so concurrent callers cannot
// interleave between a check and its matching mutation. The in-memory
// implementation mirrors the same semantics under a single mutex for
// single-process deployments and tests.
package kvstore

import (
	"context"
	"fmt"
	"time"
)

// Store is the coordination backend shared by all application instances.
// Implementations must make each method atomic with respect to the others.
type Store interface {
	// SlidingWindowAdmit atomically expires entries older than the window,
	// counts the remainder, and either rejects (count >= maxRequests, no
	// mutation) or records member at the given time. It returns whether the
	// caller was admitted and the number of entries now in the window.
	SlidingWindowAdmit(ctx context.Context, key, member string, now time.Time, window time.Duration, maxRequests int) (allowed bool, count int64, err error)

	// Enqueue inserts member into the sorted queue with the given score.
	Enqueue(ctx context.Context, queueKey, member string, score float64) error

	// AdmitIfHead atomically admits member if and only if it is the
	// minimum-score entry of the queue AND the active-slot counter at
	// stateKey is below capacity. On admission the member is removed from
	// the queue and the counter incremented in the same atomic step.
	AdmitIfHead(ctx context.Context, queueKey, stateKey, member string, capacity int64) (bool, error)

	// Remove deletes member from the queue, reporting whether it was present.
	Remove(ctx context.Context, queueKey, member string) (bool, error)

	// QueueDepth returns the number of waiting entries in the queue.
	QueueDepth(ctx context.Context, queueKey string) (int64, error)

	// ReleaseSlot decrements the active-slot counter, clamping at zero.
	ReleaseSlot(ctx context.Context, stateKey string) error

	// ActiveSlots returns the current value of the active-slot counter.
	ActiveSlots(ctx context.Context, stateKey string) (int64, error)

	// PublishWake notifies waiters subscribed to the channel that a slot
	// may have become available.
	PublishWake(ctx context.Context, channel string) error

	// SubscribeWake returns a channel that receives a signal per wake
	// notification, and a cancel function releasing the subscription.
	// Signals are best-effort; slow consumers may coalesce or miss them.
	SubscribeWake(ctx context.Context, channel string) (<-chan struct{}, func(), error)

	Close() error
}

// Key builders. Key separation per pool type is load-bearing: multiple
// pool types share one store and must not interfere.

func RateLimitKey(prefix, clientID string) string {
	return fmt.Sprintf("%srate_limit:%s", prefix, clientID)
}

func QueueKey(prefix, poolType string) string {
	return fmt.Sprintf("%squeue:%s", prefix, poolType)
}

func StateKey(prefix, poolType string) string {
	return fmt.Sprintf("%sstate:%s", prefix, poolType)
}

func WakeChannel(prefix, poolType string) string {
	return fmt.Sprintf("%swake:%s", prefix, poolType)
}
