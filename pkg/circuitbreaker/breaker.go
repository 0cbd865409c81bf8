// Package circuitbreaker implements a per-replica fault-tolerance state
// machine. A breaker is a pure decision oracle: it never returns errors
// and never performs I/O. Callers consult AllowRequest before talking to
// a replica and report the outcome through OnSuccess/OnFailure.
package circuitbreaker

import (
	"sync"
	"time"
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// Settings configures a breaker. Zero values fall back to defaults.
type Settings struct {
	Name             string
	FailureThreshold int           // consecutive failures in CLOSED before tripping
	RecoveryTimeout  time.Duration // how long OPEN rejects before probing recovery
	HalfOpenRequests int           // trial admissions allowed in HALF_OPEN
	OnStateChange    func(name string, from, to State)
}

// Snapshot is a read-only view of breaker state for diagnostics.
type Snapshot struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	FailureCount    int       `json:"failure_count"`
	LastFailureTime time.Time `json:"last_failure_time"`
	HalfOpenTrials  int       `json:"half_open_trials"`
}

type CircuitBreaker struct {
	name             string
	failureThreshold int
	recoveryTimeout  time.Duration
	halfOpenRequests int
	onStateChange    func(name string, from, to State)

	mu              sync.Mutex
	state           State
	failureCount    int
	lastFailureTime time.Time
	halfOpenTrials  int
	halfOpenFailed  bool
	halfOpenSuccess int
}

func New(st Settings) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:             st.Name,
		failureThreshold: st.FailureThreshold,
		recoveryTimeout:  st.RecoveryTimeout,
		halfOpenRequests: st.HalfOpenRequests,
		onStateChange:    st.OnStateChange,
	}
	if cb.name == "" {
		cb.name = "CircuitBreaker"
	}
	if cb.failureThreshold <= 0 {
		cb.failureThreshold = 5
	}
	if cb.recoveryTimeout <= 0 {
		cb.recoveryTimeout = 60 * time.Second
	}
	if cb.halfOpenRequests <= 0 {
		cb.halfOpenRequests = 3
	}
	return cb
}

func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// AllowRequest reports whether a request may be sent to the guarded
// replica right now. In OPEN it returns false until the recovery timeout
// has elapsed, at which point the breaker moves to HALF_OPEN and admits
// a bounded number of trial requests.
func (cb *CircuitBreaker) AllowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState(time.Now()) {
	case StateClosed:
		return true
	case StateHalfOpen:
		if cb.halfOpenTrials < cb.halfOpenRequests {
			cb.halfOpenTrials++
			return true
		}
		return false
	default: // StateOpen
		return false
	}
}

// OnSuccess records a successful call to the replica.
func (cb *CircuitBreaker) OnSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState(time.Now()) {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.halfOpenSuccess++
		// Close only once the whole trial quota has succeeded.
		if !cb.halfOpenFailed && cb.halfOpenSuccess >= cb.halfOpenRequests {
			cb.setState(StateClosed)
			cb.failureCount = 0
		}
	}
}

// OnFailure records a failed call to the replica.
func (cb *CircuitBreaker) OnFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	switch cb.currentState(now) {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.failureThreshold {
			cb.lastFailureTime = now
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		// Any failed trial reopens immediately.
		cb.halfOpenFailed = true
		cb.lastFailureTime = now
		cb.setState(StateOpen)
	default: // StateOpen
		cb.lastFailureTime = now
	}
}

// State returns the effective state, applying the OPEN -> HALF_OPEN
// transition when the recovery timeout has elapsed. This keeps routing
// decisions (which exclude OPEN replicas) eligible for recovery without
// requiring a read request to arrive first.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState(time.Now())
}

// GetSnapshot returns a diagnostic view of the breaker.
func (cb *CircuitBreaker) GetSnapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Snapshot{
		Name:            cb.name,
		State:           cb.currentState(time.Now()).String(),
		FailureCount:    cb.failureCount,
		LastFailureTime: cb.lastFailureTime,
		HalfOpenTrials:  cb.halfOpenTrials,
	}
}

// currentState must be called with the mutex held.
func (cb *CircuitBreaker) currentState(now time.Time) State {
	if cb.state == StateOpen && now.Sub(cb.lastFailureTime) > cb.recoveryTimeout {
		cb.setState(StateHalfOpen)
	}
	return cb.state
}

// setState must be called with the mutex held.
func (cb *CircuitBreaker) setState(state State) {
	if cb.state == state {
		return
	}
	prev := cb.state
	cb.state = state

	if state == StateHalfOpen {
		cb.halfOpenTrials = 0
		cb.halfOpenSuccess = 0
		cb.halfOpenFailed = false
	}

	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, prev, state)
	}
}
