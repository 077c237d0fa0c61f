package bykey

import (
	"strings"
	"sync"
)

// Manager is a generic thread-safe per-key object store.
// Keys are caller-supplied operation keys such as "sync:perform".
type Manager[T any] struct {
	items map[string]T
	mu    sync.RWMutex
}

// New creates a new Manager.
func New[T any]() *Manager[T] {
	return &Manager[T]{}
}

// Add stores an item for the given key.
func (m *Manager[T]) Add(key string, item T) {
	m.mu.Lock()
	if m.items == nil {
		m.items = make(map[string]T)
	}
	m.items[key] = item
	m.mu.Unlock()
}

// Get retrieves the item for the given key.
func (m *Manager[T]) Get(key string) (_ T, ok bool) {
	m.mu.RLock()
	v, ok := m.items[key]
	m.mu.RUnlock()
	return v, ok
}

// GetOrCreate returns the item for key, creating it with create when absent.
// create runs under the write lock and must not call back into the Manager.
func (m *Manager[T]) GetOrCreate(key string, create func() T) T {
	m.mu.RLock()
	v, ok := m.items[key]
	m.mu.RUnlock()
	if ok {
		return v
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.items[key]; ok {
		return v
	}
	if m.items == nil {
		m.items = make(map[string]T)
	}
	v = create()
	m.items[key] = v
	return v
}

// Delete removes the item for key.
func (m *Manager[T]) Delete(key string) {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
}

// DeleteByPrefix removes every item whose key starts with prefix and
// returns how many were removed. An empty prefix removes everything.
func (m *Manager[T]) DeleteByPrefix(prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k := range m.items {
		if strings.HasPrefix(k, prefix) {
			delete(m.items, k)
			n++
		}
	}
	return n
}

// Keys returns all keys that have items stored.
func (m *Manager[T]) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.items))
	for id := range m.items {
		ids = append(ids, id)
	}
	return ids
}

// Range iterates over all items. Return false from fn to stop early.
func (m *Manager[T]) Range(fn func(key string, item T) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, item := range m.items {
		if !fn(id, item) {
			break
		}
	}
}

// Len returns the number of stored items.
func (m *Manager[T]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Clear removes all stored items.
func (m *Manager[T]) Clear() {
	m.mu.Lock()
	m.items = nil
	m.mu.Unlock()
}

// CollectStats builds a key → snapshot map from every stored item.
func CollectStats[T any, S any](m *Manager[T], snap func(T) S) map[string]S {
	out := make(map[string]S, m.Len())
	m.Range(func(key string, item T) bool {
		out[key] = snap(item)
		return true
	})
	return out
}
