package storage

import (
	"context"
	"sync"
)

// MemoryStore is an in-process History used by simulations and tests.
type MemoryStore struct {
	retention int

	mu        sync.RWMutex
	snapshots []Snapshot
}

// NewMemoryStore builds an empty in-memory history.
func NewMemoryStore(retention int) *MemoryStore {
	return &MemoryStore{retention: retention}
}

func (m *MemoryStore) Append(ctx context.Context, s Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = trim(append(m.snapshots, s), m.retention)
	return nil
}

func (m *MemoryStore) Latest(ctx context.Context) (*Snapshot, error) {
	cur, _, err := m.LatestTwo(ctx)
	return cur, err
}

func (m *MemoryStore) LatestTwo(ctx context.Context) (*Snapshot, *Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cur, prev := lastTwo(m.snapshots)
	return cur, prev, nil
}

func (m *MemoryStore) All(ctx context.Context) ([]Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Snapshot, len(m.snapshots))
	copy(out, m.snapshots)
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

var _ History = (*MemoryStore)(nil)
