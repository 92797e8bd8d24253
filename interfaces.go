package kakehashi

import (
	"context"
)

// Ledger persists call accounting: one row per upstream attempt and one row
// per orchestrated run. When provided via WithLedger, replaces the backend
// selected by KAKEHASHI_LEDGER. Implementations must be safe for concurrent
// use; New() wraps it in an adapter for internal use.
type Ledger interface {
	RecordAttempt(ctx context.Context, a Attempt) error
	RecordRun(ctx context.Context, r Run) error

	// RecentAttempts returns attempts newest first. limit <= 0 applies
	// the backend's default cap.
	RecentAttempts(ctx context.Context, limit int) ([]Attempt, error)

	// RecentRuns returns runs newest first. limit <= 0 applies the
	// backend's default cap.
	RecentRuns(ctx context.Context, limit int) ([]Run, error)

	Close() error
}

// CallHook receives async notifications as the gateway and orchestrator
// record their accounting. Multiple hooks may be registered via multiple
// WithCallHook calls. Hook methods run in goroutines with a deadline; they
// must not block indefinitely. Failures are logged but never fail the
// originating call.
type CallHook interface {
	OnAttemptSettled(ctx context.Context, a Attempt) error
	OnRunFinished(ctx context.Context, r Run) error
}
