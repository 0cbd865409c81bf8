package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stratosure/dbarbiter/pkg/kvstore"
)

func TestAllowsUpToBudget(t *testing.T) {
	limiter := New(kvstore.NewMemoryStore(), "test:", time.Minute, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		decision, err := limiter.CheckAndRecord(ctx, "client-1", fmt.Sprintf("req-%d", i))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if decision != Allowed {
			t.Fatalf("request %d rejected under budget", i)
		}
	}

	decision, err := limiter.CheckAndRecord(ctx, "client-1", "req-over")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if decision != RateLimited {
		t.Error("expected rejection at budget")
	}
}

func TestConcurrentBurstAdmitsExactlyBudget(t *testing.T) {
	const budget = 5
	const requests = 20

	limiter := New(kvstore.NewMemoryStore(), "test:", time.Minute, budget)
	ctx := context.Background()

	var allowed, rejected atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			<-start
			decision, err := limiter.CheckAndRecord(ctx, "client-1", fmt.Sprintf("req-%d", n))
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if decision == Allowed {
				allowed.Add(1)
			} else {
				rejected.Add(1)
			}
		}(i)
	}

	close(start)
	wg.Wait()

	if allowed.Load() != budget {
		t.Errorf("expected exactly %d allowed, got %d", budget, allowed.Load())
	}
	if rejected.Load() != requests-budget {
		t.Errorf("expected %d rejected, got %d", requests-budget, rejected.Load())
	}
}

func TestWindowSlides(t *testing.T) {
	limiter := New(kvstore.NewMemoryStore(), "test:", time.Minute, 2)
	ctx := context.Background()

	current := time.Now()
	limiter.SetNowFunc(func() time.Time { return current })

	limiter.CheckAndRecord(ctx, "client-1", "req-1")
	limiter.CheckAndRecord(ctx, "client-1", "req-2")

	if decision, _ := limiter.CheckAndRecord(ctx, "client-1", "req-3"); decision != RateLimited {
		t.Fatal("expected rejection inside the window")
	}

	// 30 seconds later both earlier requests are still inside the
	// 60 second window.
	current = current.Add(30 * time.Second)
	if decision, _ := limiter.CheckAndRecord(ctx, "client-1", "req-4"); decision != RateLimited {
		t.Error("expected rejection while earlier requests remain in window")
	}

	current = current.Add(31 * time.Second)
	if decision, _ := limiter.CheckAndRecord(ctx, "client-1", "req-5"); decision != Allowed {
		t.Error("expected admission after earlier requests left the window")
	}
}

func TestRejectionDoesNotConsumeBudget(t *testing.T) {
	limiter := New(kvstore.NewMemoryStore(), "test:", time.Minute, 1)
	ctx := context.Background()

	current := time.Now()
	limiter.SetNowFunc(func() time.Time { return current })

	limiter.CheckAndRecord(ctx, "client-1", "req-1")

	// Rejected attempts must not extend or refill the window.
	for i := 0; i < 10; i++ {
		if decision, _ := limiter.CheckAndRecord(ctx, "client-1", fmt.Sprintf("spam-%d", i)); decision != RateLimited {
			t.Fatal("expected rejection")
		}
	}

	current = current.Add(61 * time.Second)
	if decision, _ := limiter.CheckAndRecord(ctx, "client-1", "req-2"); decision != Allowed {
		t.Error("rejected attempts consumed budget")
	}
}

func TestClientsAreIndependent(t *testing.T) {
	limiter := New(kvstore.NewMemoryStore(), "test:", time.Minute, 1)
	ctx := context.Background()

	limiter.CheckAndRecord(ctx, "client-1", "req-1")
	if decision, _ := limiter.CheckAndRecord(ctx, "client-1", "req-2"); decision != RateLimited {
		t.Fatal("expected client-1 rejection at budget")
	}
	if decision, _ := limiter.CheckAndRecord(ctx, "client-2", "req-1"); decision != Allowed {
		t.Error("client-2 rejected because of client-1's budget")
	}
}
