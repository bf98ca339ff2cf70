package storage

import (
	"context"
	"slices"
	"sync"
)

// MemoryStore keeps the latest snapshot per dataset in process memory.
// It is safe for concurrent use and is meant for tests and dry runs; the
// published table does not survive the process.
type MemoryStore struct {
	mu        sync.RWMutex
	snapshots map[string]Snapshot
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[string]Snapshot),
	}
}

// Put replaces the snapshot of s.Dataset. The months slice is copied so
// later changes by the caller are not visible to readers.
func (m *MemoryStore) Put(ctx context.Context, s Snapshot) error {
	if err := ValidateDataset(s.Dataset); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.Months = slices.Clone(s.Months)
	if s.Trend != nil {
		trend := *s.Trend
		s.Trend = &trend
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[s.Dataset] = s
	return nil
}

// GetLatest returns the snapshot of dataset, if any.
func (m *MemoryStore) GetLatest(ctx context.Context, dataset string) (Snapshot, bool, error) {
	select {
	case <-ctx.Done():
		return Snapshot{}, false, ctx.Err()
	default:
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	s, found := m.snapshots[dataset]
	return s, found, nil
}

// Len returns the number of datasets stored.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.snapshots)
}

// Delete removes the snapshot of dataset and reports whether one existed.
func (m *MemoryStore) Delete(dataset string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, existed := m.snapshots[dataset]
	delete(m.snapshots, dataset)
	return existed
}
