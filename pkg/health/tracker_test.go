package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stratosure/dbarbiter/consts"
	"github.com/stratosure/dbarbiter/pkg/circuitbreaker"
	"github.com/stratosure/dbarbiter/pkg/driver"
)

// fakePool is a driver.Pool whose ping outcome is controlled by tests.
type fakePool struct {
	pingErr atomic.Value // error
	pings   atomic.Int64
	inUse   int32
}

func newFakePool() *fakePool { return &fakePool{} }

func (p *fakePool) setPingErr(err error) {
	if err == nil {
		p.pingErr.Store(errNone)
		return
	}
	p.pingErr.Store(err)
}

var errNone = errors.New("none")

func (p *fakePool) Acquire(ctx context.Context) (driver.Conn, error) {
	return nil, errors.New("not implemented")
}

func (p *fakePool) Ping(ctx context.Context) error {
	p.pings.Add(1)
	if v := p.pingErr.Load(); v != nil && v != errNone {
		return v.(error)
	}
	return nil
}

func (p *fakePool) Stat() driver.Stat {
	return driver.Stat{TotalConns: 4, IdleConns: 2, InUseConns: p.inUse, MaxConns: 10}
}

func (p *fakePool) Close() {}

func newTestBreaker() *circuitbreaker.CircuitBreaker {
	return circuitbreaker.New(circuitbreaker.Settings{
		Name:             "test-replica",
		FailureThreshold: 3,
		RecoveryTimeout:  time.Minute,
		HalfOpenRequests: consts.DefaultHalfOpenRequests,
	})
}

func TestReplicasStartHealthy(t *testing.T) {
	tracker := NewTracker(time.Hour, time.Second)
	tracker.Register("replica-1", newFakePool(), nil)

	if !tracker.IsHealthy("replica-1") {
		t.Error("replica not healthy before first probe")
	}
	if tracker.IsHealthy("replica-unknown") {
		t.Error("unregistered replica reported healthy")
	}
}

func TestProbeSuccessUpdatesHealth(t *testing.T) {
	pool := newFakePool()
	pool.inUse = 3
	tracker := NewTracker(time.Hour, time.Second)
	tracker.Register("replica-1", pool, nil)

	tracker.ProbeNow(context.Background())

	h, ok := tracker.Health("replica-1")
	if !ok {
		t.Fatal("replica missing from tracker")
	}
	if !h.Healthy {
		t.Error("replica unhealthy after successful probe")
	}
	if h.ActiveConnections != 3 {
		t.Errorf("active connections = %d, want 3", h.ActiveConnections)
	}
	if h.LastCheck.IsZero() {
		t.Error("last check time not recorded")
	}
}

func TestProbeFailureMarksUnhealthy(t *testing.T) {
	pool := newFakePool()
	pool.setPingErr(errors.New("connection refused"))
	tracker := NewTracker(time.Hour, time.Second)
	tracker.Register("replica-1", pool, nil)

	tracker.ProbeNow(context.Background())
	tracker.ProbeNow(context.Background())

	h, _ := tracker.Health("replica-1")
	if h.Healthy {
		t.Error("replica healthy after failed probes")
	}
	if h.ConsecutiveFailures != 2 {
		t.Errorf("consecutive failures = %d, want 2", h.ConsecutiveFailures)
	}

	pool.setPingErr(nil)
	tracker.ProbeNow(context.Background())

	h, _ = tracker.Health("replica-1")
	if !h.Healthy {
		t.Error("replica not marked healthy after recovery")
	}
	if h.ConsecutiveFailures != 0 {
		t.Errorf("consecutive failures not reset: %d", h.ConsecutiveFailures)
	}
}

func TestProbesFeedCircuitBreaker(t *testing.T) {
	pool := newFakePool()
	pool.setPingErr(errors.New("connection refused"))
	breaker := newTestBreaker()
	tracker := NewTracker(time.Hour, time.Second)
	tracker.Register("replica-1", pool, breaker)

	for i := 0; i < 3; i++ {
		tracker.ProbeNow(context.Background())
	}

	if got := breaker.State(); got != circuitbreaker.StateOpen {
		t.Errorf("breaker state = %s after threshold failures, want open", got)
	}
}

func TestProbeLoopRunsPeriodically(t *testing.T) {
	pool := newFakePool()
	tracker := NewTracker(20*time.Millisecond, time.Second)
	tracker.Register("replica-1", pool, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tracker.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for pool.pings.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	tracker.Stop()

	if pool.pings.Load() < 2 {
		t.Errorf("expected at least 2 probes, got %d", pool.pings.Load())
	}
}

func TestOneFailingReplicaDoesNotHideOthers(t *testing.T) {
	good := newFakePool()
	bad := newFakePool()
	bad.setPingErr(errors.New("connection refused"))

	tracker := NewTracker(time.Hour, time.Second)
	tracker.Register("replica-good", good, nil)
	tracker.Register("replica-bad", bad, nil)

	tracker.ProbeNow(context.Background())

	snapshot := tracker.Snapshot()
	if !snapshot["replica-good"].Healthy {
		t.Error("healthy replica reported unhealthy")
	}
	if snapshot["replica-bad"].Healthy {
		t.Error("failing replica reported healthy")
	}
}
