package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// SQLite implements Ledger on a local file using modernc.org/sqlite (pure Go).
type SQLite struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS call_attempts (
	id                TEXT PRIMARY KEY,
	call_id           TEXT NOT NULL,
	provider          TEXT NOT NULL,
	model             TEXT NOT NULL,
	credential        TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL,
	error             TEXT NOT NULL DEFAULT '',
	duration_ms       INTEGER NOT NULL DEFAULT 0,
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	created_at        DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	id                TEXT PRIMARY KEY,
	goal              TEXT NOT NULL,
	status            TEXT NOT NULL,
	tasks_total       INTEGER NOT NULL DEFAULT 0,
	tasks_done        INTEGER NOT NULL DEFAULT 0,
	tasks_failed      INTEGER NOT NULL DEFAULT 0,
	tasks_blocked     INTEGER NOT NULL DEFAULT 0,
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	started_at        DATETIME NOT NULL,
	finished_at       DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_attempts_call ON call_attempts(call_id);
CREATE INDEX IF NOT EXISTS idx_attempts_created ON call_attempts(created_at);
`

// OpenSQLite opens or creates the ledger database at path and ensures the
// schema exists.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open sqlite: %w", err)
	}
	// WAL mode so reads don't block the dispatcher's writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: enable WAL: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: init schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// RecordAttempt inserts one attempt row.
func (s *SQLite) RecordAttempt(ctx context.Context, a Attempt) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO call_attempts
		 (id, call_id, provider, model, credential, status, error, duration_ms, prompt_tokens, completion_tokens, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID.String(), a.CallID.String(), a.Provider, a.Model, a.Credential,
		a.Status, a.Error, a.Duration.Milliseconds(),
		a.PromptTokens, a.CompletionTokens, a.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("ledger: record attempt: %w", err)
	}
	return nil
}

// RecordRun inserts one run summary row.
func (s *SQLite) RecordRun(ctx context.Context, r Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs
		 (id, goal, status, tasks_total, tasks_done, tasks_failed, tasks_blocked, prompt_tokens, completion_tokens, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID.String(), r.Goal, r.Status,
		r.TasksTotal, r.TasksDone, r.TasksFailed, r.TasksBlocked,
		r.PromptTokens, r.CompletionTokens, r.StartedAt.UTC(), r.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("ledger: record run: %w", err)
	}
	return nil
}

// RecentAttempts returns attempts newest first.
func (s *SQLite) RecentAttempts(ctx context.Context, limit int) ([]Attempt, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, call_id, provider, model, credential, status, error, duration_ms, prompt_tokens, completion_tokens, created_at
		 FROM call_attempts ORDER BY created_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ledger: recent attempts: %w", err)
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		var (
			a          Attempt
			id, callID string
			durMS      int64
		)
		if err := rows.Scan(&id, &callID, &a.Provider, &a.Model, &a.Credential,
			&a.Status, &a.Error, &durMS, &a.PromptTokens, &a.CompletionTokens, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("ledger: scan attempt: %w", err)
		}
		a.ID, _ = uuid.Parse(id)
		a.CallID, _ = uuid.Parse(callID)
		a.Duration = time.Duration(durMS) * time.Millisecond
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// RecentRuns returns runs newest first.
func (s *SQLite) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, goal, status, tasks_total, tasks_done, tasks_failed, tasks_blocked, prompt_tokens, completion_tokens, started_at, finished_at
		 FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ledger: recent runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r  Run
			id string
		)
		if err := rows.Scan(&id, &r.Goal, &r.Status,
			&r.TasksTotal, &r.TasksDone, &r.TasksFailed, &r.TasksBlocked,
			&r.PromptTokens, &r.CompletionTokens, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("ledger: scan run: %w", err)
		}
		r.ID, _ = uuid.Parse(id)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
