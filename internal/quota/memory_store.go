package quota

import (
	"context"
	"sync"
	"time"
)

type memoryCounter struct {
	count     int64
	expiresAt time.Time
}

// MemoryCounterStore is a process-local CounterStore. It backs single-node
// deployments that run without redis, and the quota tests.
type MemoryCounterStore struct {
	mu       sync.Mutex
	counters map[string]*memoryCounter
}

func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{counters: make(map[string]*memoryCounter)}
}

func (s *MemoryCounterStore) ReserveSlot(_ context.Context, key string, limit int64, ttl time.Duration) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.liveCounter(key, ttl)
	if limit > 0 && c.count >= limit {
		return c.count, false, nil
	}
	c.count++
	return c.count, true, nil
}

func (s *MemoryCounterStore) ReleaseSlot(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.counters[key]; ok && c.count > 0 {
		c.count--
	}
	return nil
}

func (s *MemoryCounterStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.liveCounter(key, ttl)
	c.count++
	return c.count, nil
}

func (s *MemoryCounterStore) Current(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[key]
	if !ok || time.Now().After(c.expiresAt) {
		return 0, nil
	}
	return c.count, nil
}

func (s *MemoryCounterStore) liveCounter(key string, ttl time.Duration) *memoryCounter {
	c, ok := s.counters[key]
	if !ok || time.Now().After(c.expiresAt) {
		c = &memoryCounter{expiresAt: time.Now().Add(ttl)}
		s.counters[key] = c
	}
	return c
}
