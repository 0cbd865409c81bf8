// Package health runs the periodic connectivity probe loop over the
// registered read replicas. Probe outcomes feed both the per-replica
// health snapshot consulted by the router and the replica's circuit
// breaker. Probe failures never propagate to callers; they only update
// state consulted by future routing decisions.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stratosure/dbarbiter/logger"
	"github.com/stratosure/dbarbiter/pkg/circuitbreaker"
	"github.com/stratosure/dbarbiter/pkg/driver"
	"github.com/stratosure/dbarbiter/pkg/metrics"
)

// ReplicaHealth is a per-replica health snapshot. It is mutated only by
// the tracker loop (single writer per replica) and read by the router.
type ReplicaHealth struct {
	ReplicaID           string    `json:"replica_id"`
	Healthy             bool      `json:"healthy"`
	LatencyMs           float64   `json:"latency_ms"`
	ActiveConnections   int32     `json:"active_connections"`
	LastCheck           time.Time `json:"last_check"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

type replicaEntry struct {
	id      string
	pool    driver.Pool
	breaker *circuitbreaker.CircuitBreaker

	mu     sync.RWMutex
	health ReplicaHealth
}

// Tracker probes each registered replica on a fixed period. One failing
// or slow replica cannot delay checks on the others: every iteration
// fans out one goroutine per replica, each with its own probe deadline.
type Tracker struct {
	interval     time.Duration
	probeTimeout time.Duration

	mu       sync.RWMutex
	replicas map[string]*replicaEntry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewTracker(interval, probeTimeout time.Duration) *Tracker {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if probeTimeout <= 0 {
		probeTimeout = 2 * time.Second
	}
	return &Tracker{
		interval:     interval,
		probeTimeout: probeTimeout,
		replicas:     make(map[string]*replicaEntry),
	}
}

// Register adds a replica to the probe set. Replicas start healthy so a
// fresh process does not reject reads before the first probe completes.
func (t *Tracker) Register(id string, pool driver.Pool, breaker *circuitbreaker.CircuitBreaker) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.replicas[id] = &replicaEntry{
		id:      id,
		pool:    pool,
		breaker: breaker,
		health: ReplicaHealth{
			ReplicaID: id,
			Healthy:   true,
		},
	}
}

// Start launches the probe loop. It runs until the context is cancelled
// or Stop is called, and never lets a probe error terminate it.
func (t *Tracker) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()

		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()

		logger.Info("replica health tracker started", "interval", t.interval, "probe_timeout", t.probeTimeout)

		for {
			select {
			case <-ctx.Done():
				logger.Info("replica health tracker stopped")
				return
			case <-ticker.C:
				t.probeAll(ctx)
			}
		}
	}()
}

// Stop cancels the loop and waits for in-flight probes to finish.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}

func (t *Tracker) probeAll(ctx context.Context) {
	t.mu.RLock()
	entries := make([]*replicaEntry, 0, len(t.replicas))
	for _, e := range t.replicas {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	var wg sync.WaitGroup
	for _, entry := range entries {
		wg.Add(1)
		go func(e *replicaEntry) {
			defer wg.Done()
			t.probeOne(ctx, e)
		}(entry)
	}
	wg.Wait()
}

func (t *Tracker) probeOne(ctx context.Context, e *replicaEntry) {
	// A panicking driver must not take the whole loop down.
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic during replica probe", "replica", e.id, "panic", fmt.Sprintf("%v", r))
			t.recordFailure(e, fmt.Errorf("panic: %v", r))
		}
	}()

	probeCtx, cancel := context.WithTimeout(ctx, t.probeTimeout)
	defer cancel()

	start := time.Now()
	err := e.pool.Ping(probeCtx)
	elapsed := time.Since(start)

	if err != nil {
		t.recordFailure(e, err)
		return
	}
	t.recordSuccess(e, elapsed)
}

func (t *Tracker) recordSuccess(e *replicaEntry, latency time.Duration) {
	stat := e.pool.Stat()

	e.mu.Lock()
	wasHealthy := e.health.Healthy
	e.health.Healthy = true
	e.health.LatencyMs = float64(latency.Microseconds()) / 1000.0
	e.health.ActiveConnections = stat.InUseConns
	e.health.LastCheck = time.Now()
	e.health.ConsecutiveFailures = 0
	e.mu.Unlock()

	if e.breaker != nil {
		e.breaker.OnSuccess()
	}

	metrics.ReplicaHealthy.WithLabelValues(e.id).Set(1)
	metrics.ReplicaProbeLatency.WithLabelValues(e.id).Set(latency.Seconds())
	updateBreakerGauge(e)

	if !wasHealthy {
		logger.Info("replica recovered", "replica", e.id, "latency", latency)
	}
}

func (t *Tracker) recordFailure(e *replicaEntry, err error) {
	e.mu.Lock()
	wasHealthy := e.health.Healthy
	e.health.Healthy = false
	e.health.LastCheck = time.Now()
	e.health.ConsecutiveFailures++
	failures := e.health.ConsecutiveFailures
	e.mu.Unlock()

	if e.breaker != nil {
		e.breaker.OnFailure()
	}

	metrics.ReplicaHealthy.WithLabelValues(e.id).Set(0)
	updateBreakerGauge(e)

	if wasHealthy {
		logger.Warn("replica probe failed", "replica", e.id, "consecutive_failures", failures, "error", err)
	} else {
		logger.Debug("replica still failing", "replica", e.id, "consecutive_failures", failures, "error", err)
	}
}

func updateBreakerGauge(e *replicaEntry) {
	if e.breaker == nil {
		return
	}
	var v float64
	switch e.breaker.State() {
	case circuitbreaker.StateHalfOpen:
		v = 1
	case circuitbreaker.StateOpen:
		v = 2
	}
	metrics.CircuitBreakerState.WithLabelValues(e.id).Set(v)
}

// Health returns the current snapshot for a replica.
func (t *Tracker) Health(id string) (ReplicaHealth, bool) {
	t.mu.RLock()
	e, ok := t.replicas[id]
	t.mu.RUnlock()
	if !ok {
		return ReplicaHealth{}, false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.health, true
}

// Snapshot returns health snapshots for all registered replicas.
func (t *Tracker) Snapshot() map[string]ReplicaHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]ReplicaHealth, len(t.replicas))
	for id, e := range t.replicas {
		e.mu.RLock()
		out[id] = e.health
		e.mu.RUnlock()
	}
	return out
}

// IsHealthy reports the probe loop's view of a replica.
func (t *Tracker) IsHealthy(id string) bool {
	h, ok := t.Health(id)
	return ok && h.Healthy
}

// ProbeNow runs one probe cycle synchronously. Used at startup to seed
// health state before serving, and by tests.
func (t *Tracker) ProbeNow(ctx context.Context) {
	t.probeAll(ctx)
}
