// Package router selects a read replica for a routing key. Selection is
// sticky: for a fixed set of usable replicas the same key always maps to
// the same replica, which keeps replica-local caches warm. When the
// usable set changes, keys redistribute over the remaining replicas.
package router

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"
	"sync"
)

// Router picks among replicas that are both healthy and not circuit-open.
// The two predicates are injected so the router carries no dependency on
// the health tracker or breaker implementations.
type Router struct {
	mu       sync.RWMutex
	replicas []string // kept sorted for deterministic candidate order

	isHealthy func(replicaID string) bool
	isUsable  func(replicaID string) bool // circuit breaker not OPEN
}

func New(isHealthy, isUsable func(replicaID string) bool) *Router {
	return &Router{
		isHealthy: isHealthy,
		isUsable:  isUsable,
	}
}

// AddReplica registers a replica for selection.
func (r *Router) AddReplica(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.replicas {
		if existing == id {
			return
		}
	}
	r.replicas = append(r.replicas, id)
	sort.Strings(r.replicas)
}

// Replicas returns the registered replica IDs.
func (r *Router) Replicas() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, len(r.replicas))
	copy(out, r.replicas)
	return out
}

// SelectReplica returns the replica for the key, or false when no
// replica is usable (the caller falls back to the primary pool).
//
// Selection uses highest-random-weight (rendezvous) hashing over the
// candidate set: each candidate is scored by a cryptographic digest of
// the key joined with the replica ID, and the highest score wins. A
// replica leaving the candidate set only redistributes the keys that
// were mapped to it; keys on the surviving replicas are unaffected.
// Candidate filtering is O(n) in replicas, not in requests.
func (r *Router) SelectReplica(routingKey string) (string, bool) {
	r.mu.RLock()
	candidates := make([]string, 0, len(r.replicas))
	for _, id := range r.replicas {
		if r.isHealthy(id) && r.isUsable(id) {
			candidates = append(candidates, id)
		}
	}
	r.mu.RUnlock()

	if len(candidates) == 0 {
		return "", false
	}

	var best string
	var bestScore uint64
	for _, id := range candidates {
		sum := sha256.Sum256([]byte(routingKey + "|" + id))
		score := binary.BigEndian.Uint64(sum[:8])
		if best == "" || score > bestScore || (score == bestScore && id < best) {
			best, bestScore = id, score
		}
	}
	return best, true
}
