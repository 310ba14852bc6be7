package sentinel

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryStateStore implements StateStore with in-memory storage. It backs
// tests and single-process deployments; multi-worker deployments should use
// RedisStateStore so counters stay linearizable across processes.
//
// Counter keys hold their count as a decimal string, mirroring how Redis
// INCR represents integers, so Get behaves identically on both stores.
type MemoryStateStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	clock   func() time.Time
}

type memoryEntry struct {
	value   string
	expires time.Time
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{
		entries: make(map[string]*memoryEntry),
		clock:   time.Now,
	}
}

func (s *MemoryStateStore) live(entry *memoryEntry, now time.Time) bool {
	return entry != nil && (entry.expires.IsZero() || now.Before(entry.expires))
}

func (s *MemoryStateStore) IncrementWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	entry, exists := s.entries[key]
	if !exists || !s.live(entry, now) {
		entry = &memoryEntry{value: "1"}
		if ttl > 0 {
			entry.expires = now.Add(ttl)
		}
		s.entries[key] = entry
		return 1, nil
	}
	count, _ := strconv.ParseInt(entry.value, 10, 64)
	count++
	entry.value = strconv.FormatInt(count, 10)
	return count, nil
}

func (s *MemoryStateStore) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := &memoryEntry{value: value}
	if ttl > 0 {
		entry.expires = s.clock().Add(ttl)
	}
	s.entries[key] = entry
	return nil
}

func (s *MemoryStateStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, exists := s.entries[key]
	if !exists {
		return "", false, nil
	}
	if !s.live(entry, s.clock()) {
		delete(s.entries, key)
		return "", false, nil
	}
	return entry.value, true, nil
}

func (s *MemoryStateStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryStateStore) HealthCheck(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = len(s.entries)
	return nil
}

// Cleanup drops expired entries. Expiry is otherwise handled lazily on read,
// so this only matters for long-running processes with churning key sets.
func (s *MemoryStateStore) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	for key, entry := range s.entries {
		if !s.live(entry, now) {
			delete(s.entries, key)
		}
	}
}
