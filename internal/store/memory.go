package store

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultMemoryEntries is the memory tier capacity used when none is configured.
const DefaultMemoryEntries = 100

// Memory is the bounded in-memory tier, keyed by locator. Values are expected
// to be cheap to copy (pointers); the internal lock covers only the map update.
type Memory[V any] struct {
	cache *lru.Cache[string, V]
	size  int
}

// NewMemory creates a memory tier holding at most size entries.
func NewMemory[V any](size int) (*Memory[V], error) {
	if size <= 0 {
		return nil, fmt.Errorf("memory tier size must be positive, got %d", size)
	}
	c, err := lru.New[string, V](size)
	if err != nil {
		return nil, err
	}
	return &Memory[V]{cache: c, size: size}, nil
}

// Get returns the value for key and marks it most recently used.
func (m *Memory[V]) Get(key string) (V, bool) {
	return m.cache.Get(key)
}

// Contains reports presence without touching recency.
func (m *Memory[V]) Contains(key string) bool {
	return m.cache.Contains(key)
}

// Add inserts or replaces key. It reports whether the least recently used
// entry was evicted to make room.
func (m *Memory[V]) Add(key string, value V) (evicted bool) {
	return m.cache.Add(key, value)
}

// Remove drops key if present.
func (m *Memory[V]) Remove(key string) {
	m.cache.Remove(key)
}

// Clear empties the tier.
func (m *Memory[V]) Clear() {
	m.cache.Purge()
}

// Len returns the number of entries.
func (m *Memory[V]) Len() int { return m.cache.Len() }

// Cap returns the configured capacity.
func (m *Memory[V]) Cap() int { return m.size }
