package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// MemoryStore is a process-local KeyedStore. It backs tests and single-process
// deployments that do not need breaker state to survive restarts.
type MemoryStore struct {
	mu       sync.Mutex
	clock    clock.Clock
	sets     map[string]map[string]struct{}
	counters map[string]int64
	expiry   map[string]time.Time
}

func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryStore{
		clock:    clk,
		sets:     make(map[string]map[string]struct{}),
		counters: make(map[string]int64),
		expiry:   make(map[string]time.Time),
	}
}

// expireLocked drops key if its TTL has passed. Caller holds mu.
func (s *MemoryStore) expireLocked(key string) {
	deadline, ok := s.expiry[key]
	if !ok || s.clock.Now().Before(deadline) {
		return
	}
	delete(s.sets, key)
	delete(s.counters, key)
	delete(s.expiry, key)
}

func (s *MemoryStore) SetAdd(_ context.Context, key, member string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked(key)
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	set[member] = struct{}{}
	if ttl > 0 {
		s.expiry[key] = s.clock.Now().Add(ttl)
	}
	return int64(len(set)), nil
}

func (s *MemoryStore) SetInsert(_ context.Context, key, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked(key)
	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}
	if _, exists := set[member]; exists {
		return false, nil
	}
	set[member] = struct{}{}
	return true, nil
}

func (s *MemoryStore) SetCard(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked(key)
	return int64(len(s.sets[key])), nil
}

func (s *MemoryStore) SetRemove(_ context.Context, key string, members ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[key]
	if !ok {
		return nil
	}
	for _, m := range members {
		delete(set, m)
	}
	if len(set) == 0 {
		delete(s.sets, key)
		delete(s.expiry, key)
	}
	return nil
}

func (s *MemoryStore) SetIsMember(_ context.Context, key, member string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked(key)
	_, ok := s.sets[key][member]
	return ok, nil
}

func (s *MemoryStore) SetMembers(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked(key)
	members := make([]string, 0, len(s.sets[key]))
	for m := range s.sets[key] {
		members = append(members, m)
	}
	sort.Strings(members)
	return members, nil
}

func (s *MemoryStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked(key)
	_, existed := s.counters[key]
	s.counters[key]++
	if !existed && ttl > 0 {
		s.expiry[key] = s.clock.Now().Add(ttl)
	}
	return s.counters[key], nil
}

func (s *MemoryStore) Counters(_ context.Context, keys ...string) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	values := make([]int64, len(keys))
	for i, key := range keys {
		s.expireLocked(key)
		values[i] = s.counters[key]
	}
	return values, nil
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		delete(s.sets, key)
		delete(s.counters, key)
		delete(s.expiry, key)
	}
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

var _ KeyedStore = (*MemoryStore)(nil)
