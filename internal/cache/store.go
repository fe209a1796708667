// Package cache holds the entity collection cache: a read replica of the
// remote store, keyed by collection name. Values are replaced wholesale on
// fetch and mutated in place only during the optimistic window of a pending
// write. The store is injectable so tests can observe it directly.
package cache

import "sync"

// Key names a cached entity collection, e.g. "leads".
type Key string

type entry[V any] struct {
	value V
	stale bool
}

// Store maps cache keys to collection values of one type. A zero collection
// and a missing key are distinct: Get reports presence explicitly.
type Store[V any] struct {
	mu      sync.Mutex
	entries map[Key]entry[V]
}

func NewStore[V any]() *Store[V] {
	return &Store[V]{entries: make(map[Key]entry[V])}
}

// Get returns the cached value for key and whether one exists. A stale value
// is still returned; callers deciding whether to refetch use Stale.
func (s *Store[V]) Get(k Key) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[k]
	return e.value, ok
}

// Set replaces the value for key and clears staleness.
func (s *Store[V]) Set(k Key, v V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[k] = entry[V]{value: v}
}

// Invalidate marks key stale so the next read forces a refetch. The cached
// value is kept for rendering until the refetch lands.
func (s *Store[V]) Invalidate(k Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[k]
	if !ok {
		return
	}
	e.stale = true
	s.entries[k] = e
}

// Stale reports whether key needs a refetch. Missing keys are stale.
func (s *Store[V]) Stale(k Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[k]
	return !ok || e.stale
}

// Drop removes key entirely.
func (s *Store[V]) Drop(k Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, k)
}
