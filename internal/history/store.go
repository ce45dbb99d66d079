// Package history is a best-effort record of every action the worker pool
// has executed (rule, kind, materialized command, exit code, duration),
// backed by SQLite in WAL mode with a single writer connection. Nothing in
// the core monitoring path depends on this package succeeding.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite" // register the "sqlite" driver with database/sql

	"github.com/lognot/lognotd/internal/worker"
)

const ddl = `
CREATE TABLE IF NOT EXISTS action_history (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    rule_name   TEXT    NOT NULL,
    kind        TEXT    NOT NULL,
    command     TEXT    NOT NULL,
    started_at  TEXT    NOT NULL,
    duration_ms INTEGER NOT NULL,
    exit_code   INTEGER NOT NULL,
    error       TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_action_history_started_at
    ON action_history (started_at DESC);
`

// Store is a WAL-mode SQLite-backed log of executed actions. It implements
// worker.History. Store is safe for concurrent use.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the SQLite database at path and applies the
// schema. Use ":memory:" for tests.
func Open(path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open %q: %w", path, err)
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("history: apply schema: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Record persists one action-execution record. It is best-effort: a write
// failure is logged and otherwise swallowed, so a history error never
// reaches the worker reporting it. The INSERT runs synchronously on the
// caller's goroutine, so the caller waits for the write to finish.
func (s *Store) Record(rec worker.ActionRecord) {
	_, err := s.db.ExecContext(context.Background(),
		`INSERT INTO action_history (rule_name, kind, command, started_at, duration_ms, exit_code, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.RuleName,
		rec.Kind,
		rec.Command,
		rec.StartedAt.UTC().Format(time.RFC3339Nano),
		rec.Duration.Milliseconds(),
		rec.ExitCode,
		rec.Err,
	)
	if err != nil {
		s.logger.Warn("history: failed to record action", slog.Any("error", err))
	}
}

// Row is one record returned by Recent.
type Row struct {
	ID         int64     `json:"id"`
	RuleName   string    `json:"rule_name"`
	Kind       string    `json:"kind"`
	Command    string    `json:"command"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS int64     `json:"duration_ms"`
	ExitCode   int       `json:"exit_code"`
	Error      string    `json:"error,omitempty"`
}

// Recent returns the last limit rows, most recent first, for the
// introspection endpoint's /history route.
func (s *Store) Recent(ctx context.Context, limit int) ([]Row, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, rule_name, kind, command, started_at, duration_ms, exit_code, error
		 FROM   action_history
		 ORDER  BY id DESC
		 LIMIT  ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query recent: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var r Row
		var started string
		if err := rows.Scan(&r.ID, &r.RuleName, &r.Kind, &r.Command, &started, &r.DurationMS, &r.ExitCode, &r.Error); err != nil {
			return nil, fmt.Errorf("history: scan row: %w", err)
		}
		t, err := time.Parse(time.RFC3339Nano, started)
		if err != nil {
			return nil, fmt.Errorf("history: parse started_at %q: %w", started, err)
		}
		r.StartedAt = t
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("history: iterate rows: %w", err)
	}
	return out, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("history: close: %w", err)
	}
	return nil
}
