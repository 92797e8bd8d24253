// Package ledger persists call accounting: one row per upstream attempt
// and one row per orchestrated run.
//
// Three implementations ship: SQLite (zero-setup local file, the default),
// Postgres (shared deployments), and Noop (persistence disabled).
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Attempt statuses.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusTimeout = "timeout"
)

// Run statuses.
const (
	RunDone    = "done"
	RunPartial = "partial"
	RunFailed  = "failed"
)

// Attempt is one upstream call made by the dispatcher. Credential holds the
// pool label of the key that made the call, never the token itself.
type Attempt struct {
	ID               uuid.UUID
	CallID           uuid.UUID // groups the attempts of one fan-out
	Provider         string
	Model            string
	Credential       string
	Status           string
	Error            string
	Duration         time.Duration
	PromptTokens     int
	CompletionTokens int
	CreatedAt        time.Time
}

// Run summarizes one orchestrated goal execution.
type Run struct {
	ID               uuid.UUID
	Goal             string
	Status           string
	TasksTotal       int
	TasksDone        int
	TasksFailed      int
	TasksBlocked     int
	PromptTokens     int
	CompletionTokens int
	StartedAt        time.Time
	FinishedAt       time.Time
}

// Ledger records attempts and runs.
// Implementations must be safe for concurrent use.
type Ledger interface {
	RecordAttempt(ctx context.Context, a Attempt) error
	RecordRun(ctx context.Context, r Run) error

	// RecentAttempts returns attempts newest first. limit <= 0 applies
	// a default cap.
	RecentAttempts(ctx context.Context, limit int) ([]Attempt, error)

	// RecentRuns returns runs newest first. limit <= 0 applies a default cap.
	RecentRuns(ctx context.Context, limit int) ([]Run, error)

	Close() error
}

const defaultQueryLimit = 50

// Noop discards every record. Used when persistence is disabled.
type Noop struct{}

func (Noop) RecordAttempt(context.Context, Attempt) error           { return nil }
func (Noop) RecordRun(context.Context, Run) error                   { return nil }
func (Noop) RecentAttempts(context.Context, int) ([]Attempt, error) { return nil, nil }
func (Noop) RecentRuns(context.Context, int) ([]Run, error)         { return nil, nil }
func (Noop) Close() error                                           { return nil }
