package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastConfig(maxRetries int) BackoffConfig {
	return BackoffConfig{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2.0,
		Jitter:          false,
		MaxRetries:      maxRetries,
	}
}

func TestSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := WithBackoff(context.Background(), fastConfig(2), func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetriesThenSucceeds(t *testing.T) {
	calls := 0
	err := WithBackoff(context.Background(), fastConfig(2), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestExhaustsAttempts(t *testing.T) {
	base := errors.New("always failing")
	calls := 0
	err := WithBackoff(context.Background(), fastConfig(2), func() error {
		calls++
		return base
	})
	if err == nil {
		t.Fatal("expected error after exhaustion")
	}
	if calls != 3 {
		t.Errorf("expected initial attempt plus 2 retries, got %d calls", calls)
	}
	if !errors.Is(err, base) {
		t.Errorf("exhaustion error does not wrap the last failure: %v", err)
	}
}

func TestStopHaltsImmediately(t *testing.T) {
	base := errors.New("permanent")
	calls := 0
	err := WithBackoff(context.Background(), fastConfig(5), func() error {
		calls++
		return Stop(base)
	})
	if calls != 1 {
		t.Errorf("expected 1 call for a stopped error, got %d", calls)
	}
	if !errors.Is(err, base) {
		t.Errorf("expected the unwrapped cause, got %v", err)
	}
	if IsStopError(err) {
		t.Error("returned error still carries the stop wrapper")
	}
}

func TestContextCancellationStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := WithBackoff(ctx, BackoffConfig{
		InitialInterval: time.Hour,
		MaxInterval:     time.Hour,
		Multiplier:      2.0,
		MaxRetries:      5,
	}, func() error {
		calls++
		cancel()
		return errors.New("transient")
	})
	if err == nil || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call before cancellation, got %d", calls)
	}
}

func TestBackoffGrowthAndCap(t *testing.T) {
	backoff := ExponentialBackoff(BackoffConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     time.Second,
		Multiplier:      2.0,
		Jitter:          false,
	})

	expected := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		400 * time.Millisecond,
		800 * time.Millisecond,
		time.Second,
		time.Second,
	}
	for i, want := range expected {
		if got := backoff(i + 1); got != want {
			t.Errorf("attempt %d: delay %v, want %v", i+1, got, want)
		}
	}
}

func TestJitterStaysWithinBounds(t *testing.T) {
	backoff := ExponentialBackoff(BackoffConfig{
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     time.Second,
		Multiplier:      2.0,
		Jitter:          true,
	})

	for i := 0; i < 100; i++ {
		d := backoff(1)
		if d < 50*time.Millisecond || d > 100*time.Millisecond {
			t.Fatalf("jittered delay %v outside [50ms, 100ms]", d)
		}
	}
}
