// ABOUTME: SnapshotStore interface for persisting session snapshots between runs
// ABOUTME: Implemented by SQLite, Redis, and an in-memory mock

package store

import (
	"context"
	"errors"

	"github.com/2389/inbox-sync/internal/inbox"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// SnapshotStore persists one session snapshot per account.
type SnapshotStore interface {
	// Load returns the stored snapshot for accountID, or ErrNotFound.
	Load(ctx context.Context, accountID string) (*inbox.Snapshot, error)
	// Save replaces the stored snapshot for accountID.
	Save(ctx context.Context, accountID string, snap *inbox.Snapshot) error
	// Delete removes the snapshot. Deleting a missing snapshot is not an error.
	Delete(ctx context.Context, accountID string) error
	Close() error
}
