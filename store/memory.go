package store

import (
	"context"
	"sync"
)

// Memory is an in-process Store. Documents are copied on the way in and out.
type Memory struct {
	mu    sync.RWMutex
	kinds map[string]map[int64][]byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{kinds: make(map[string]map[int64][]byte)}
}

// FindOne implements Store.
func (m *Memory) FindOne(ctx context.Context, kind string, id int64) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, persistenceError("find", kind, err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.kinds[kind][id]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), data...), true, nil
}

// UpsertMany implements Store.
func (m *Memory) UpsertMany(ctx context.Context, kind string, docs []Document) error {
	if err := ctx.Err(); err != nil {
		return persistenceError("upsert", kind, err)
	}
	if err := ValidateKind(kind); err != nil {
		return persistenceError("upsert", kind, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	coll, ok := m.kinds[kind]
	if !ok {
		coll = make(map[int64][]byte)
		m.kinds[kind] = coll
	}
	for _, doc := range docs {
		coll[doc.ID] = append([]byte(nil), doc.Data...)
	}
	return nil
}

// Len returns the number of documents of kind.
func (m *Memory) Len(kind string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.kinds[kind])
}

// Close implements Store.
func (m *Memory) Close() error {
	return nil
}
