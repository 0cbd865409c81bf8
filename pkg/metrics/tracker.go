package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// PoolMetricsSnapshot is a point-in-time, read-only view of one pool's
// arbitration bookkeeping. It is derived on demand and is never the
// source of truth itself.
type PoolMetricsSnapshot struct {
	ActiveConnections int64   `json:"active_connections"`
	IdleConnections   int64   `json:"idle_connections"`
	QueuedRequests    int64   `json:"queued_requests"`
	TotalAcquisitions int64   `json:"total_acquisitions"`
	TotalReleases     int64   `json:"total_releases"`
	ConnectionErrors  int64   `json:"connection_errors"`
	QueriesTotal      int64   `json:"queries_total"`
	QueriesSlow       int64   `json:"queries_slow"`
	PoolExhausted     int64   `json:"pool_exhausted"`
	AverageWaitTimeMs float64 `json:"average_wait_time_ms"`
	P95WaitTimeMs     float64 `json:"p95_wait_time_ms"`
	AverageQueryMs    float64 `json:"average_query_ms"`
}

// sampleRing is a bounded ring buffer of duration samples. Bounding the
// buffer bounds memory; mean and percentiles are computed from a sorted
// copy on demand.
type sampleRing struct {
	mu      sync.Mutex
	samples []float64
	next    int
	full    bool
}

func newSampleRing(capacity int) *sampleRing {
	return &sampleRing{samples: make([]float64, capacity)}
}

func (r *sampleRing) add(v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.samples[r.next] = v
	r.next++
	if r.next == len(r.samples) {
		r.next = 0
		r.full = true
	}
}

func (r *sampleRing) snapshot() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.next
	if r.full {
		n = len(r.samples)
	}
	out := make([]float64, n)
	copy(out, r.samples[:n])
	return out
}

func meanAndP95(samples []float64) (mean, p95 float64) {
	if len(samples) == 0 {
		return 0, 0
	}
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	mean = sum / float64(len(sorted))

	idx := (len(sorted) * 95) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return mean, sorted[idx]
}

// PoolTracker keeps O(1)-amortized counters for a single pool type. All
// counters are atomic; only the sample rings take a short mutex.
type PoolTracker struct {
	pool string // prometheus label

	active        atomic.Int64
	acquisitions  atomic.Int64
	releases      atomic.Int64
	errors        atomic.Int64
	queries       atomic.Int64
	slowQueries   atomic.Int64
	poolExhausted atomic.Int64

	slowThreshold time.Duration

	waitTimes  *sampleRing
	queryTimes *sampleRing
}

// NewPoolTracker creates a tracker for the named pool. sampleCap bounds
// both the wait-time and query-time sample buffers.
func NewPoolTracker(pool string, slowThreshold time.Duration, sampleCap int) *PoolTracker {
	if sampleCap <= 0 {
		sampleCap = 1000
	}
	return &PoolTracker{
		pool:          pool,
		slowThreshold: slowThreshold,
		waitTimes:     newSampleRing(sampleCap),
		queryTimes:    newSampleRing(sampleCap),
	}
}

// RecordAcquire registers a successful admission and the time spent
// waiting for it.
func (t *PoolTracker) RecordAcquire(wait time.Duration) {
	t.active.Add(1)
	t.acquisitions.Add(1)
	t.waitTimes.add(float64(wait.Milliseconds()))

	PoolAcquisitionsTotal.WithLabelValues(t.pool).Inc()
	PoolActiveConnections.WithLabelValues(t.pool).Inc()
	QueueWaitTime.WithLabelValues(t.pool).Observe(wait.Seconds())
}

// RecordRelease registers a connection return. The active gauge clamps
// at zero: a release without a matching acquire must not wrap negative.
func (t *PoolTracker) RecordRelease() {
	for {
		cur := t.active.Load()
		if cur <= 0 {
			return
		}
		if t.active.CompareAndSwap(cur, cur-1) {
			break
		}
	}
	t.releases.Add(1)

	PoolReleasesTotal.WithLabelValues(t.pool).Inc()
	PoolActiveConnections.WithLabelValues(t.pool).Dec()
}

func (t *PoolTracker) RecordError() {
	t.errors.Add(1)
	ConnectionErrorsTotal.WithLabelValues(t.pool).Inc()
}

func (t *PoolTracker) RecordExhausted() {
	t.poolExhausted.Add(1)
	PoolExhaustedTotal.WithLabelValues(t.pool).Inc()
}

// RecordQuery registers a completed query and classifies it as slow when
// its wall time exceeds the threshold.
func (t *PoolTracker) RecordQuery(elapsed time.Duration) {
	t.queries.Add(1)
	t.queryTimes.add(float64(elapsed.Milliseconds()))
	QueriesTotal.WithLabelValues(t.pool).Inc()

	if t.slowThreshold > 0 && elapsed > t.slowThreshold {
		t.slowQueries.Add(1)
		QueriesSlowTotal.WithLabelValues(t.pool).Inc()
	}
}

// Active returns the number of connections currently held.
func (t *PoolTracker) Active() int64 {
	return t.active.Load()
}

// Snapshot produces the read-only metric view. Idle connections and
// queued requests are owned by other components (the physical pool and
// the admission queue) and are supplied by the caller.
func (t *PoolTracker) Snapshot(idleConns, queuedRequests int64) PoolMetricsSnapshot {
	waitMean, waitP95 := meanAndP95(t.waitTimes.snapshot())
	queryMean, _ := meanAndP95(t.queryTimes.snapshot())

	return PoolMetricsSnapshot{
		ActiveConnections: t.active.Load(),
		IdleConnections:   idleConns,
		QueuedRequests:    queuedRequests,
		TotalAcquisitions: t.acquisitions.Load(),
		TotalReleases:     t.releases.Load(),
		ConnectionErrors:  t.errors.Load(),
		QueriesTotal:      t.queries.Load(),
		QueriesSlow:       t.slowQueries.Load(),
		PoolExhausted:     t.poolExhausted.Load(),
		AverageWaitTimeMs: waitMean,
		P95WaitTimeMs:     waitP95,
		AverageQueryMs:    queryMean,
	}
}
