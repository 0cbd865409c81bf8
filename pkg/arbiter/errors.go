package arbiter

import (
	"errors"
	"fmt"
)

// Admission-layer errors are never retried internally: the system is
// already signaling overload, and retrying inside it would compound the
// backpressure. Callers apply their own backoff or give up.
var (
	// ErrRateLimited means the client exceeded its request budget in the
	// current sliding window.
	ErrRateLimited = errors.New("rate limited")

	// ErrTimedOut means the caller waited in the admission queue past its
	// deadline without being admitted. Distinguishes "never got a turn"
	// from "got a turn but failed".
	ErrTimedOut = errors.New("timed out waiting for connection")

	// ErrPoolExhausted means no capacity was available and queueing was
	// not attempted (or the queue depth cap was hit).
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrAllReplicasUnavailable means every read replica is unhealthy or
	// circuit-open. The facade falls back to the primary instead of
	// surfacing this, but the fallback is counted and logged.
	ErrAllReplicasUnavailable = errors.New("all read replicas unavailable")
)

// ConnectionError wraps an underlying driver failure with its
// transience classification. Only transient errors are retried by
// ExecuteWithRetry.
type ConnectionError struct {
	Reason    string
	Transient bool
	Err       error
}

func (e *ConnectionError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("connection failed (%s, %s): %v", e.Reason, kind, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether an error from this package may succeed on
// a fresh attempt. Admission errors are deliberately excluded.
func IsRetryable(err error) bool {
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return connErr.Transient
	}
	return false
}
