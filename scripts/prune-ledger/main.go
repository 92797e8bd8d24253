// Command prune-ledger deletes old rows from the call ledger. The gateway
// writes one row per upstream attempt and never deletes anything, so a
// long-lived installation grows without bound; run this from cron to keep
// the ledger to a retention window.
//
// Usage:
//
//	go run ./scripts/prune-ledger [-keep 720h] [-dry-run]
//
// The backend is resolved exactly as the gateway resolves it: KAKEHASHI_LEDGER
// picks sqlite or postgres, auto prefers postgres when DATABASE_URL is set.
// Attempts older than the window are deleted; run summaries are kept twice as
// long because they are small and useful for cost history.
//
// Safe to run multiple times — it only ever deletes rows past the cutoff.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	_ "modernc.org/sqlite"

	"github.com/ashita-ai/kakehashi/internal/config"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	keep := flag.Duration("keep", 30*24*time.Hour, "retention window for attempt rows")
	dryRun := flag.Bool("dry-run", false, "report what would be deleted without deleting")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	backend := cfg.LedgerBackend
	if backend == config.LedgerAuto {
		if cfg.DatabaseURL != "" {
			backend = config.LedgerPostgres
		} else {
			backend = config.LedgerSQLite
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	attemptCutoff := time.Now().UTC().Add(-*keep)
	runCutoff := time.Now().UTC().Add(-2 * *keep)

	switch backend {
	case config.LedgerSQLite:
		return pruneSQLite(ctx, cfg.SQLitePath, attemptCutoff, runCutoff, *dryRun)
	case config.LedgerPostgres:
		return prunePostgres(ctx, cfg.DatabaseURL, attemptCutoff, runCutoff, *dryRun)
	default:
		return fmt.Errorf("ledger backend %q holds no rows to prune", backend)
	}
}

func pruneSQLite(ctx context.Context, path string, attemptCutoff, runCutoff time.Time, dryRun bool) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer db.Close()

	if dryRun {
		var attempts, runs int64
		if err := db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM call_attempts WHERE created_at < ?`, attemptCutoff).Scan(&attempts); err != nil {
			return fmt.Errorf("count attempts: %w", err)
		}
		if err := db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM runs WHERE finished_at < ?`, runCutoff).Scan(&runs); err != nil {
			return fmt.Errorf("count runs: %w", err)
		}
		fmt.Printf("would delete %d attempt(s), %d run(s)\n", attempts, runs)
		return nil
	}

	res, err := db.ExecContext(ctx, `DELETE FROM call_attempts WHERE created_at < ?`, attemptCutoff)
	if err != nil {
		return fmt.Errorf("delete attempts: %w", err)
	}
	attempts, _ := res.RowsAffected()

	res, err = db.ExecContext(ctx, `DELETE FROM runs WHERE finished_at < ?`, runCutoff)
	if err != nil {
		return fmt.Errorf("delete runs: %w", err)
	}
	runs, _ := res.RowsAffected()

	fmt.Printf("deleted %d attempt(s), %d run(s)\n", attempts, runs)
	return nil
}

func prunePostgres(ctx context.Context, dsn string, attemptCutoff, runCutoff time.Time, dryRun bool) error {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer pool.Close()

	if dryRun {
		var attempts, runs int64
		if err := pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM call_attempts WHERE created_at < $1`, attemptCutoff).Scan(&attempts); err != nil {
			return fmt.Errorf("count attempts: %w", err)
		}
		if err := pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM runs WHERE finished_at < $1`, runCutoff).Scan(&runs); err != nil {
			return fmt.Errorf("count runs: %w", err)
		}
		fmt.Printf("would delete %d attempt(s), %d run(s)\n", attempts, runs)
		return nil
	}

	tag, err := pool.Exec(ctx, `DELETE FROM call_attempts WHERE created_at < $1`, attemptCutoff)
	if err != nil {
		return fmt.Errorf("delete attempts: %w", err)
	}
	attempts := tag.RowsAffected()

	tag, err = pool.Exec(ctx, `DELETE FROM runs WHERE finished_at < $1`, runCutoff)
	if err != nil {
		return fmt.Errorf("delete runs: %w", err)
	}
	runs := tag.RowsAffected()

	fmt.Printf("deleted %d attempt(s), %d run(s)\n", attempts, runs)
	return nil
}
