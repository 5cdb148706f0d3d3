package cache

import (
	"context"
	"sync"
)

// Store is a string key/value store with an atomic set-if-absent.
// Entries never expire.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	SetIfAbsent(ctx context.Context, key, value string) (bool, error)
}

// Memory is a process-local Store used by single-instance runs and tests.
type Memory struct {
	mu   sync.RWMutex
	data map[string]string
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *Memory) SetIfAbsent(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key] = value
	return true, nil
}

// Flush drops every entry.
func (m *Memory) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string]string)
}
