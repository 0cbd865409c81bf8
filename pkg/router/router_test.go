package router

import (
	"fmt"
	"testing"
)

func always(string) bool { return true }

func newTestRouter(replicas int, healthy, usable func(string) bool) *Router {
	r := New(healthy, usable)
	for i := 0; i < replicas; i++ {
		r.AddReplica(fmt.Sprintf("replica-%d", i))
	}
	return r
}

func TestSelectionIsSticky(t *testing.T) {
	r := newTestRouter(4, always, always)

	for _, key := range []string{"client-a", "client-b", "tenant-42", ""} {
		first, ok := r.SelectReplica(key)
		if !ok {
			t.Fatalf("no replica selected for %q", key)
		}
		for i := 0; i < 10; i++ {
			got, _ := r.SelectReplica(key)
			if got != first {
				t.Fatalf("key %q moved from %s to %s with a stable replica set", key, first, got)
			}
		}
	}
}

func TestSelectionSpreadsKeys(t *testing.T) {
	r := newTestRouter(4, always, always)

	seen := make(map[string]int)
	for i := 0; i < 400; i++ {
		id, ok := r.SelectReplica(fmt.Sprintf("key-%d", i))
		if !ok {
			t.Fatal("no replica selected")
		}
		seen[id]++
	}

	if len(seen) != 4 {
		t.Errorf("expected keys over all 4 replicas, got %d: %v", len(seen), seen)
	}
}

func TestUnhealthyReplicaSkipped(t *testing.T) {
	down := map[string]bool{"replica-1": true}
	r := newTestRouter(3, func(id string) bool { return !down[id] }, always)

	for i := 0; i < 100; i++ {
		id, ok := r.SelectReplica(fmt.Sprintf("key-%d", i))
		if !ok {
			t.Fatal("no replica selected")
		}
		if id == "replica-1" {
			t.Fatal("unhealthy replica selected")
		}
	}
}

func TestCircuitOpenReplicaSkipped(t *testing.T) {
	open := map[string]bool{"replica-0": true, "replica-2": true}
	r := newTestRouter(3, always, func(id string) bool { return !open[id] })

	for i := 0; i < 20; i++ {
		id, ok := r.SelectReplica(fmt.Sprintf("key-%d", i))
		if !ok {
			t.Fatal("no replica selected")
		}
		if id != "replica-1" {
			t.Fatalf("selected %s with only replica-1 usable", id)
		}
	}
}

func TestNoUsableReplica(t *testing.T) {
	r := newTestRouter(3, func(string) bool { return false }, always)

	if id, ok := r.SelectReplica("key"); ok {
		t.Errorf("expected no selection with all replicas unhealthy, got %s", id)
	}
}

// Removing one replica from the candidate set must only move the keys
// that were mapped to it. Keys on surviving replicas keep their replica.
func TestRemovalRedistributesOnlyOrphanedKeys(t *testing.T) {
	const keys = 500

	healthy := map[string]bool{
		"replica-0": true,
		"replica-1": true,
		"replica-2": true,
		"replica-3": true,
	}
	r := newTestRouter(4, func(id string) bool { return healthy[id] }, always)

	before := make(map[string]string, keys)
	for i := 0; i < keys; i++ {
		key := fmt.Sprintf("key-%d", i)
		id, ok := r.SelectReplica(key)
		if !ok {
			t.Fatal("no replica selected")
		}
		before[key] = id
	}

	healthy["replica-2"] = false

	var moved int
	for key, was := range before {
		now, ok := r.SelectReplica(key)
		if !ok {
			t.Fatal("no replica selected after removal")
		}
		if was == "replica-2" {
			if now == "replica-2" {
				t.Fatalf("key %q still mapped to removed replica", key)
			}
			continue
		}
		if now != was {
			moved++
		}
	}

	if moved != 0 {
		t.Errorf("%d keys on surviving replicas were remapped", moved)
	}
}

func TestAddReplicaIsIdempotent(t *testing.T) {
	r := New(always, always)
	r.AddReplica("replica-0")
	r.AddReplica("replica-0")

	if got := len(r.Replicas()); got != 1 {
		t.Errorf("expected 1 replica, got %d", got)
	}
}
