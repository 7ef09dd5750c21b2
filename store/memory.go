package store

import (
	"context"
	"sync"
)

// memory is a Backend that keeps every record in a process-local map. It is
// the reference fixture the unit tests and end-to-end scenarios in spec §8
// are built from, mirroring the teacher's in-memory ObjectStorage fixtures.
type memory struct {
	mu   sync.RWMutex
	data map[string][]byte

	keys *keyMutex
}

// NewMemory returns a Backend that stores records in-memory. Safe for
// concurrent use.
func NewMemory() Backend {
	return &memory{
		data: make(map[string][]byte),
		keys: newKeyMutex(),
	}
}

func (m *memory) Exists(ctx context.Context, key []byte) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[string(key)]
	return ok, nil
}

func (m *memory) Get(ctx context.Context, key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return dup(data), nil
}

func (m *memory) PutIfAbsent(ctx context.Context, key []byte, data []byte) (bool, error) {
	sk := string(key)

	m.keys.Lock(sk)
	defer m.keys.Unlock(sk)

	m.mu.RLock()
	_, exists := m.data[sk]
	m.mu.RUnlock()
	if exists {
		return false, nil
	}

	m.mu.Lock()
	m.data[sk] = dup(data)
	m.mu.Unlock()
	return true, nil
}
