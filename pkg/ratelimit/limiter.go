// Package ratelimit implements sliding-window admission control per
// calling client, coordinated across application instances through the
// shared store. The check-and-record is a single atomic operation on
// the store; there is no window in which two concurrent callers can
// both pass the count check before either records itself.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/stratosure/dbarbiter/logger"
	"github.com/stratosure/dbarbiter/pkg/kvstore"
	"github.com/stratosure/dbarbiter/pkg/metrics"
)

// Decision is the outcome of a rate limit check.
type Decision int

const (
	Allowed Decision = iota
	RateLimited
)

func (d Decision) String() string {
	if d == Allowed {
		return "allowed"
	}
	return "rate_limited"
}

// Limiter enforces a per-client request budget within a sliding window.
// A rejection is surfaced immediately; this component never retries.
type Limiter struct {
	store       kvstore.Store
	keyPrefix   string
	window      time.Duration
	maxRequests int

	// now is swappable for tests that advance simulated time.
	now func() time.Time
}

func New(store kvstore.Store, keyPrefix string, window time.Duration, maxRequests int) *Limiter {
	return &Limiter{
		store:       store,
		keyPrefix:   keyPrefix,
		window:      window,
		maxRequests: maxRequests,
		now:         time.Now,
	}
}

// SetNowFunc overrides the limiter's clock. Test hook.
func (l *Limiter) SetNowFunc(now func() time.Time) {
	l.now = now
}

// CheckAndRecord atomically expires old entries for the client, counts
// the remainder, and either rejects (no mutation) or records requestID
// in the window. Store errors are returned as errors, not decisions.
func (l *Limiter) CheckAndRecord(ctx context.Context, clientID, requestID string) (Decision, error) {
	key := kvstore.RateLimitKey(l.keyPrefix, clientID)

	allowed, count, err := l.store.SlidingWindowAdmit(ctx, key, requestID, l.now(), l.window, l.maxRequests)
	if err != nil {
		return RateLimited, fmt.Errorf("rate limit check for client %s: %w", clientID, err)
	}

	if !allowed {
		metrics.RateLimitHits.Inc()
		metrics.RateLimitDecisions.WithLabelValues("rejected").Inc()
		logger.Debug("rate limit exceeded", "client_id", clientID,
			"window", l.window, "in_window", count, "max", l.maxRequests)
		return RateLimited, nil
	}

	metrics.RateLimitDecisions.WithLabelValues("allowed").Inc()
	return Allowed, nil
}

// Window returns the configured sliding window.
func (l *Limiter) Window() time.Duration {
	return l.window
}

// MaxRequests returns the configured per-client budget.
func (l *Limiter) MaxRequests() int {
	return l.maxRequests
}
