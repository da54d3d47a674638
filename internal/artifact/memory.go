package artifact

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-process fallback used when no Redis is configured.
// TTLs are honored lazily: an expired entry is treated as absent on read.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	active  map[string]struct{}
}

type memoryEntry struct {
	value    []byte
	deadline time.Time // zero means no expiry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		active:  make(map[string]struct{}),
	}
}

func (s *MemoryStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.set(key, value, ttl)
	return nil
}

func (s *MemoryStore) set(key string, value []byte, ttl time.Duration) {
	entry := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.deadline = time.Now().Add(ttl)
	}
	s.entries[key] = entry
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !entry.deadline.IsZero() && time.Now().After(entry.deadline) {
		return nil, false, nil
	}
	return append([]byte(nil), entry.value...), true, nil
}

func (s *MemoryStore) SaveState(_ context.Context, runID string, state []byte, terminal bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if terminal {
		s.set(StateKey(runID), state, RetainTerminal)
		delete(s.active, runID)
		return nil
	}
	s.set(StateKey(runID), state, 0)
	s.active[runID] = struct{}{}
	return nil
}

func (s *MemoryStore) LoadState(ctx context.Context, runID string) ([]byte, bool, error) {
	return s.Get(ctx, StateKey(runID))
}

func (s *MemoryStore) ActiveRuns(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.active))
	for id := range s.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
