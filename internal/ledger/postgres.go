package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres implements Ledger on a shared PostgreSQL database via pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS call_attempts (
	id                UUID PRIMARY KEY,
	call_id           UUID NOT NULL,
	provider          TEXT NOT NULL,
	model             TEXT NOT NULL,
	credential        TEXT NOT NULL DEFAULT '',
	status            TEXT NOT NULL,
	error             TEXT NOT NULL DEFAULT '',
	duration_ms       BIGINT NOT NULL DEFAULT 0,
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	created_at        TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	id                UUID PRIMARY KEY,
	goal              TEXT NOT NULL,
	status            TEXT NOT NULL,
	tasks_total       INTEGER NOT NULL DEFAULT 0,
	tasks_done        INTEGER NOT NULL DEFAULT 0,
	tasks_failed      INTEGER NOT NULL DEFAULT 0,
	tasks_blocked     INTEGER NOT NULL DEFAULT 0,
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	started_at        TIMESTAMPTZ NOT NULL,
	finished_at       TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_attempts_call ON call_attempts (call_id);
CREATE INDEX IF NOT EXISTS idx_attempts_created ON call_attempts (created_at);
`

// OpenPostgres connects to dsn, verifies connectivity, and ensures the
// ledger schema exists.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: parse postgres DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("ledger: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ledger: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ledger: init schema: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

// RecordAttempt inserts one attempt row.
func (p *Postgres) RecordAttempt(ctx context.Context, a Attempt) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO call_attempts
		 (id, call_id, provider, model, credential, status, error, duration_ms, prompt_tokens, completion_tokens, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.ID, a.CallID, a.Provider, a.Model, a.Credential,
		a.Status, a.Error, a.Duration.Milliseconds(),
		a.PromptTokens, a.CompletionTokens, a.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("ledger: record attempt: %w", err)
	}
	return nil
}

// RecordRun inserts one run summary row.
func (p *Postgres) RecordRun(ctx context.Context, r Run) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO runs
		 (id, goal, status, tasks_total, tasks_done, tasks_failed, tasks_blocked, prompt_tokens, completion_tokens, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		r.ID, r.Goal, r.Status,
		r.TasksTotal, r.TasksDone, r.TasksFailed, r.TasksBlocked,
		r.PromptTokens, r.CompletionTokens, r.StartedAt.UTC(), r.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("ledger: record run: %w", err)
	}
	return nil
}

// RecentAttempts returns attempts newest first.
func (p *Postgres) RecentAttempts(ctx context.Context, limit int) ([]Attempt, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	rows, err := p.pool.Query(ctx,
		`SELECT id, call_id, provider, model, credential, status, error, duration_ms, prompt_tokens, completion_tokens, created_at
		 FROM call_attempts ORDER BY created_at DESC, id DESC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ledger: recent attempts: %w", err)
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		var (
			a     Attempt
			durMS int64
		)
		if err := rows.Scan(&a.ID, &a.CallID, &a.Provider, &a.Model, &a.Credential,
			&a.Status, &a.Error, &durMS, &a.PromptTokens, &a.CompletionTokens, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("ledger: scan attempt: %w", err)
		}
		a.Duration = time.Duration(durMS) * time.Millisecond
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// RecentRuns returns runs newest first.
func (p *Postgres) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	rows, err := p.pool.Query(ctx,
		`SELECT id, goal, status, tasks_total, tasks_done, tasks_failed, tasks_blocked, prompt_tokens, completion_tokens, started_at, finished_at
		 FROM runs ORDER BY started_at DESC, id DESC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("ledger: recent runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Goal, &r.Status,
			&r.TasksTotal, &r.TasksDone, &r.TasksFailed, &r.TasksBlocked,
			&r.PromptTokens, &r.CompletionTokens, &r.StartedAt, &r.FinishedAt); err != nil {
			return nil, fmt.Errorf("ledger: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Close shuts down the connection pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
