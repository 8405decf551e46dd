package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// Memory is the in-process backend used by tests and single-node setups.
type Memory struct {
	mu   sync.RWMutex
	data map[string]map[string][]byte
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]map[string][]byte)}
}

// Put stores a copy of value.
func (m *Memory) Put(_ context.Context, namespace, key string, value json.RawMessage) error {
	stored := make([]byte, len(value))
	copy(stored, value)

	m.mu.Lock()
	defer m.mu.Unlock()
	ns, ok := m.data[namespace]
	if !ok {
		ns = make(map[string][]byte)
		m.data[namespace] = ns
	}
	ns[key] = stored
	return nil
}

// Get returns a copy of the stored value or ErrNotFound.
func (m *Memory) Get(_ context.Context, namespace, key string) (json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[namespace][key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// List returns every entry in the namespace, sorted by key.
func (m *Memory) List(_ context.Context, namespace string) ([]Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ns := m.data[namespace]
	items := make([]Item, 0, len(ns))
	for k, v := range ns {
		value := make([]byte, len(v))
		copy(value, v)
		items = append(items, Item{Key: k, Value: value})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
	return items, nil
}

// Search falls back to list+filter.
func (m *Memory) Search(ctx context.Context, namespace, query string) ([]Item, error) {
	return ListFilter(ctx, m, namespace, query)
}

// Reset drops everything. Exposed for test teardown.
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string]map[string][]byte)
}
