// ABOUTME: SQLite implementation of SnapshotStore using modernc.org/sqlite
// ABOUTME: Stores one JSON snapshot row per account with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/inbox-sync/internal/inbox"
)

// SQLiteStore implements SnapshotStore using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS snapshots (
			account_id TEXT PRIMARY KEY,
			version INTEGER NOT NULL,
			taken_at TEXT NOT NULL,
			conversations INTEGER NOT NULL DEFAULT 0,
			payload BLOB NOT NULL,
			updated_at TEXT NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Save stores or replaces the snapshot for accountID.
// Uses INSERT OR REPLACE to handle both insert and update cases.
func (s *SQLiteStore) Save(ctx context.Context, accountID string, snap *inbox.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	query := `
		INSERT OR REPLACE INTO snapshots (account_id, version, taken_at, conversations, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		accountID,
		snap.Version,
		snap.TakenAt.UTC().Format(time.RFC3339Nano),
		len(snap.Conversations),
		payload,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving snapshot: %w", err)
	}

	s.logger.Debug("saved snapshot", "account_id", accountID, "size", len(payload))
	return nil
}

// Load retrieves the snapshot for accountID.
// Returns ErrNotFound if the account has no saved snapshot.
func (s *SQLiteStore) Load(ctx context.Context, accountID string) (*inbox.Snapshot, error) {
	query := `SELECT payload FROM snapshots WHERE account_id = ?`

	var payload []byte
	err := s.db.QueryRowContext(ctx, query, accountID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying snapshot: %w", err)
	}

	var snap inbox.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	return &snap, nil
}

// Delete removes the snapshot for accountID.
func (s *SQLiteStore) Delete(ctx context.Context, accountID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE account_id = ?`, accountID); err != nil {
		return fmt.Errorf("deleting snapshot: %w", err)
	}
	return nil
}

// SnapshotInfo summarizes a stored snapshot without decoding it.
type SnapshotInfo struct {
	AccountID     string
	Version       int
	TakenAt       time.Time
	Conversations int
	Size          int
}

// List returns a summary of every stored snapshot, ordered by account.
func (s *SQLiteStore) List(ctx context.Context) ([]SnapshotInfo, error) {
	query := `
		SELECT account_id, version, taken_at, conversations, length(payload)
		FROM snapshots
		ORDER BY account_id
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying snapshots: %w", err)
	}
	defer rows.Close()

	var infos []SnapshotInfo
	for rows.Next() {
		var info SnapshotInfo
		var takenAt string
		if err := rows.Scan(&info.AccountID, &info.Version, &takenAt, &info.Conversations, &info.Size); err != nil {
			return nil, fmt.Errorf("scanning snapshot row: %w", err)
		}
		info.TakenAt, err = time.Parse(time.RFC3339Nano, takenAt)
		if err != nil {
			return nil, fmt.Errorf("parsing taken_at: %w", err)
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating snapshot rows: %w", err)
	}
	return infos, nil
}
