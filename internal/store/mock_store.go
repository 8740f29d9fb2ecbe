// ABOUTME: Mock SnapshotStore implementation for testing
// ABOUTME: Allows tests to run without SQLite or Redis

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/2389/inbox-sync/internal/inbox"
)

// MockStore is an in-memory SnapshotStore for testing. Snapshots are kept
// JSON-encoded so callers cannot alias stored state.
type MockStore struct {
	mu        sync.RWMutex
	snapshots map[string][]byte
	saves     int

	// SaveErr, when set, is returned by every Save.
	SaveErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{snapshots: make(map[string][]byte)}
}

// Save stores a copy of snap.
func (m *MockStore) Save(ctx context.Context, accountID string, snap *inbox.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.SaveErr != nil {
		return m.SaveErr
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	m.snapshots[accountID] = data
	m.saves++
	return nil
}

// Load returns a copy of the stored snapshot.
func (m *MockStore) Load(ctx context.Context, accountID string) (*inbox.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.snapshots[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	var snap inbox.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	return &snap, nil
}

// Delete removes the snapshot.
func (m *MockStore) Delete(ctx context.Context, accountID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.snapshots, accountID)
	return nil
}

// Saves returns how many times Save succeeded.
func (m *MockStore) Saves() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}

// Close is a no-op.
func (m *MockStore) Close() error { return nil }
