package orchestration

import (
	"sort"
	"sync"
)

// State is the shared orchestration state for one run. It is created when a
// run starts and discarded with the engine.
//
// The store guards its map with a mutex so concurrent access from parallel
// invocations is memory-safe, but it provides no arbitration beyond that:
// concurrent writers within the same tick must partition keys by convention
// (e.g., each fan-out branch writes its own namespaced key) or add their own
// synchronization. Mutations made during tick N are visible to every node in
// tick N+1.
type State struct {
	mu     sync.RWMutex
	values map[string]interface{}
}

// NewState creates an empty state store
func NewState() *State {
	return &State{
		values: make(map[string]interface{}),
	}
}

// Get retrieves a value by key
func (s *State) Get(key string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Set stores a value under key, replacing any previous value
func (s *State) Set(key string, value interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Delete removes a key
func (s *State) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
}

// Has reports whether key is present
func (s *State) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.values[key]
	return ok
}

// HasAll reports whether every given key is present
func (s *State) HasAll(keys ...string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, key := range keys {
		if _, ok := s.values[key]; !ok {
			return false
		}
	}
	return true
}

// Keys returns all present keys in sorted order
func (s *State) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of stored keys
func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

// Snapshot returns a shallow copy of the stored values. Expression
// predicates evaluate against snapshots so they cannot mutate the store.
func (s *State) Snapshot() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot := make(map[string]interface{}, len(s.values))
	for k, v := range s.values {
		snapshot[k] = v
	}
	return snapshot
}
