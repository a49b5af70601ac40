// Package sqlite persists actions to a SQLite database through the pure-Go
// modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"duet/internal/actions"
)

const schema = `
CREATE TABLE IF NOT EXISTS actions (
	id         TEXT PRIMARY KEY,
	thread_id  TEXT NOT NULL,
	status     TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	payload    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_actions_thread ON actions(thread_id, created_at);
`

// Store implements actions.Persister.
type Store struct {
	db *sql.DB
}

var _ actions.Persister = (*Store)(nil)

// Open opens (creating if needed) the database at dsn. ":memory:" gives a
// private in-memory database.
func Open(dsn string) (*Store, error) {
	if dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one connection: in-memory databases are per connection, and it
	// avoids SQLITE_BUSY between our own writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveAction upserts the action. A write older than the stored row is ignored.
func (s *Store) SaveAction(ctx context.Context, a actions.Action) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode action %s: %w", a.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO actions (id, thread_id, status, created_at, updated_at, payload)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			updated_at = excluded.updated_at,
			payload = excluded.payload
		WHERE excluded.updated_at >= actions.updated_at`,
		a.ID, a.ThreadID, string(a.Status), a.CreatedAt.UnixNano(), a.UpdatedAt.UnixNano(), string(payload),
	)
	if err != nil {
		return fmt.Errorf("failed to save action %s: %w", a.ID, err)
	}
	return nil
}

// LoadThreadActions returns the thread's actions in creation order.
func (s *Store) LoadThreadActions(ctx context.Context, threadID string) ([]actions.Action, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM actions WHERE thread_id = ? ORDER BY created_at, rowid`, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to query thread %s: %w", threadID, err)
	}
	defer rows.Close()

	var out []actions.Action
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var a actions.Action
		if err := json.Unmarshal([]byte(payload), &a); err != nil {
			return nil, fmt.Errorf("failed to decode action: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Count returns the number of stored actions with the given status, or all
// actions when status is empty.
func (s *Store) Count(ctx context.Context, status actions.Status) (int, error) {
	var n int
	var err error
	if status == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM actions`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM actions WHERE status = ?`, string(status)).Scan(&n)
	}
	return n, err
}
