package store

import (
	"context"
	"sort"
	"sync"
)

// Memory keeps objects in a map. Used for dry runs and tests.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
	writes  int
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

// Store replaces the object at key with a copy of body.
func (m *Memory) Store(ctx context.Context, key string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = append([]byte(nil), body...)
	m.writes++
	return nil
}

// Get returns the object at key.
func (m *Memory) Get(key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	body, ok := m.objects[key]
	return body, ok
}

// Keys returns the stored keys sorted.
func (m *Memory) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Writes counts Store calls that succeeded.
func (m *Memory) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }
