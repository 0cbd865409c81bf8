package kvstore

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a single-process Store implementation. It keeps the
// same atomicity and ordering semantics as the Redis store (one mutex
// spans every compound operation) and is used for single-instance
// deployments and tests. It obviously cannot coordinate across
// processes.
type MemoryStore struct {
	mu          sync.Mutex
	sets        map[string]map[string]float64 // key -> member -> score
	counters    map[string]int64
	subscribers map[string][]chan struct{}
	closed      bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sets:        make(map[string]map[string]float64),
		counters:    make(map[string]int64),
		subscribers: make(map[string][]chan struct{}),
	}
}

func (s *MemoryStore) SlidingWindowAdmit(_ context.Context, key, member string, now time.Time, window time.Duration, maxRequests int) (bool, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.sets[key]
	if set == nil {
		set = make(map[string]float64)
		s.sets[key] = set
	}

	cutoff := float64(now.Add(-window).UnixMilli())
	for m, score := range set {
		if score < cutoff {
			delete(set, m)
		}
	}

	count := int64(len(set))
	if count >= int64(maxRequests) {
		return false, count, nil
	}

	set[member] = float64(now.UnixMilli())
	return true, count + 1, nil
}

func (s *MemoryStore) Enqueue(_ context.Context, queueKey, member string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.sets[queueKey]
	if set == nil {
		set = make(map[string]float64)
		s.sets[queueKey] = set
	}
	set[member] = score
	return nil
}

// head returns the minimum-score member, breaking exact score ties by
// lexicographic member order, matching sorted-set semantics.
func (s *MemoryStore) head(queueKey string) (string, bool) {
	set := s.sets[queueKey]
	if len(set) == 0 {
		return "", false
	}

	var best string
	var bestScore float64
	first := true
	for m, score := range set {
		if first || score < bestScore || (score == bestScore && m < best) {
			best, bestScore = m, score
			first = false
		}
	}
	return best, true
}

func (s *MemoryStore) AdmitIfHead(_ context.Context, queueKey, stateKey, member string, capacity int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	head, ok := s.head(queueKey)
	if !ok || head != member {
		return false, nil
	}
	if s.counters[stateKey] >= capacity {
		return false, nil
	}

	delete(s.sets[queueKey], member)
	s.counters[stateKey]++
	return true, nil
}

func (s *MemoryStore) Remove(_ context.Context, queueKey, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.sets[queueKey]
	if set == nil {
		return false, nil
	}
	if _, present := set[member]; !present {
		return false, nil
	}
	delete(set, member)
	return true, nil
}

func (s *MemoryStore) QueueDepth(_ context.Context, queueKey string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.sets[queueKey])), nil
}

func (s *MemoryStore) ReleaseSlot(_ context.Context, stateKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.counters[stateKey] > 0 {
		s.counters[stateKey]--
	}
	return nil
}

func (s *MemoryStore) ActiveSlots(_ context.Context, stateKey string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[stateKey], nil
}

func (s *MemoryStore) PublishWake(_ context.Context, channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ch := range s.subscribers[channel] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

func (s *MemoryStore) SubscribeWake(_ context.Context, channel string) (<-chan struct{}, func(), error) {
	ch := make(chan struct{}, 1)

	s.mu.Lock()
	s.subscribers[channel] = append(s.subscribers[channel], ch)
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		subs := s.subscribers[channel]
		for i, c := range subs {
			if c == ch {
				s.subscribers[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}

	return ch, cancel, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
