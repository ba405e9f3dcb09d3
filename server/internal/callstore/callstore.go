// Package callstore implements the optional call-history ledger
// (SPEC_FULL §2, §3 CallRecord): an append-only SQLite side table recording
// completed calls for operator post-mortems. Writing to it is fully
// decoupled from the live state machine — it is never consulted by, and
// never blocks, an active signaling decision.
package callstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"callifornia/server/internal/state"
)

// Store persists completed CallRecords in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the ledger database and runs its migration.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("callstore: database path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("callstore: create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("callstore: open sqlite database: %w", err)
	}

	st := &Store{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("callstore: opened", "path", path)
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS call_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	initiator_nickname_hash TEXT NOT NULL,
	responder_nickname_hash TEXT NOT NULL,
	started_at_unix_ms INTEGER NOT NULL,
	ended_at_unix_ms INTEGER NOT NULL,
	end_reason TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_call_records_started_at ON call_records(started_at_unix_ms);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("callstore: migrate: %w", err)
	}
	return nil
}

// Append writes one completed call to the ledger. Callers invoke this from
// state.Registry's OnCallRecord callback, already off the registry's
// goroutine, so a slow disk write never delays a live signaling decision.
func (s *Store) Append(ctx context.Context, rec state.CallRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO call_records
			(initiator_nickname_hash, responder_nickname_hash, started_at_unix_ms, ended_at_unix_ms, end_reason)
		 VALUES (?, ?, ?, ?, ?)`,
		string(rec.Initiator), string(rec.Responder),
		rec.StartedAt.UnixMilli(), rec.EndedAt.UnixMilli(), rec.EndReason,
	)
	if err != nil {
		return fmt.Errorf("callstore: append: %w", err)
	}
	return nil
}

// CountSince returns the number of calls recorded since the given time,
// used by the server CLI's `status` subcommand.
func (s *Store) CountSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM call_records WHERE started_at_unix_ms >= ?`,
		since.UnixMilli(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("callstore: count since: %w", err)
	}
	return n, nil
}
