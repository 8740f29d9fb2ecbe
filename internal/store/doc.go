// Package store persists session snapshots so a restart can show the last
// known inbox before the first bulk fetch completes.
//
// Drivers:
//
//   - SQLiteStore: one row per account in a local database (modernc.org/sqlite, no cgo)
//   - RedisStore: one key per account, optionally expiring
//   - MockStore: in-memory, for tests
//
// All drivers return ErrNotFound for an account with no snapshot.
package store

// Compile-time interface checks.
var (
	_ SnapshotStore = (*SQLiteStore)(nil)
	_ SnapshotStore = (*RedisStore)(nil)
	_ SnapshotStore = (*MockStore)(nil)
)
