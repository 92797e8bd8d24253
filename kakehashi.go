// Package kakehashi is the public API for embedding the kakehashi LLM call
// gateway and run orchestrator.
//
// Programs import this package to fan calls out across pooled credentials or
// to run a goal end to end without shelling out to the CLI:
//
//	app, err := kakehashi.New(
//	    kakehashi.WithVersion(version),
//	    kakehashi.WithLogger(logger),
//	    kakehashi.WithManifest("openai", "keys/openai.txt"),
//	)
//	if err != nil { ... }
//	defer app.Close()
//	report, err := app.RunGoal(ctx, "write a CSV deduplication script")
//
// The import graph enforces a strict no-cycle rule: kakehashi (root) imports
// internal/*, but internal/* never imports kakehashi (root). Public types
// (Request, Result, Report, etc.) are standalone structs with no internal
// imports; conversion helpers (toPublicResult, toPublicReport) live here
// because this is the only file that sees both sides of the boundary.
package kakehashi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/kakehashi/internal/agents"
	"github.com/ashita-ai/kakehashi/internal/catalog"
	"github.com/ashita-ai/kakehashi/internal/config"
	"github.com/ashita-ai/kakehashi/internal/gateway"
	"github.com/ashita-ai/kakehashi/internal/keypool"
	"github.com/ashita-ai/kakehashi/internal/ledger"
	"github.com/ashita-ai/kakehashi/internal/orchestrator"
	"github.com/ashita-ai/kakehashi/internal/ratelimit"
	"github.com/ashita-ai/kakehashi/internal/taskgraph"
	"github.com/ashita-ai/kakehashi/internal/telemetry"
	"github.com/ashita-ai/kakehashi/internal/upstream"
)

// Sentinel errors surfaced by CallParallel. The values alias the internal
// gateway errors so errors.Is works across the boundary.
var (
	// ErrUnknownProvider means no credential pool is configured for the
	// requested provider.
	ErrUnknownProvider = gateway.ErrUnknownProvider

	// ErrNoActiveCredentials means the provider's pool had no credential
	// left in rotation; no upstream call was issued.
	ErrNoActiveCredentials = gateway.ErrNoActiveCredentials

	// ErrAllCallsFailed means every attempt of a fan-out failed.
	ErrAllCallsFailed = gateway.ErrAllCallsFailed
)

// App is the kakehashi gateway lifecycle. Construct with New(), release with
// Close(). App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	catalog      *catalog.Catalog
	pools        map[string]*keypool.Pool
	dispatcher   *gateway.Dispatcher
	orchestrator *orchestrator.Orchestrator
	ledger       ledger.Ledger
	limiter      ratelimit.Limiter
	mock         *upstream.Mock // nil outside mock mode
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the gateway. It loads configuration and credential
// manifests, opens the ledger, and wires all subsystems. It does NOT issue
// any upstream call — the first CallParallel or RunGoal does.
func New(opts ...Option) (*App, error) {
	// Apply options.
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.errorThreshold > 0 {
		cfg.ErrorThreshold = o.errorThreshold
	}
	if o.baseTimeout > 0 {
		cfg.BaseTimeout = o.baseTimeout
	}
	if o.mockUpstream {
		cfg.MockUpstream = true
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("kakehashi starting",
		"version", version,
		"provider", cfg.Provider,
		"model", cfg.DefaultModel,
	)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(ctx(opts), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Open the ledger — external override takes priority over the configured
	// backend.
	var led ledger.Ledger
	if o.ledger != nil {
		led = &ledgerAdapter{l: o.ledger}
		logger.Info("ledger: external override")
	} else {
		led, err = openLedger(context.Background(), cfg, logger)
		if err != nil {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("ledger: %w", err)
		}
	}
	if len(o.callHooks) > 0 {
		led = &hookLedger{inner: led, hooks: o.callHooks, logger: logger}
	}

	// Model catalog and provider endpoints.
	cat := catalog.Default()
	for _, ep := range o.endpoints {
		cat.SetEndpoint(ep.provider, ep.baseURL)
	}

	// Credential pools, one per provider.
	pools, err := buildPools(cfg, o, logger)
	if err != nil {
		_ = led.Close()
		_ = otelShutdown(context.Background())
		return nil, err
	}

	// Mock mode: forced by config, or engaged automatically when no pool
	// holds a single credential. Every provider endpoint is repointed at the
	// in-process mock and empty pools get a synthetic key so dispensing works.
	var mock *upstream.Mock
	if cfg.MockUpstream || totalCredentials(pools) == 0 {
		mock, err = upstream.StartMock(logger)
		if err != nil {
			_ = led.Close()
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("mock upstream: %w", err)
		}
		for _, provider := range cat.Providers() {
			cat.SetEndpoint(provider, mock.URL)
		}
		for provider, pool := range pools {
			if pool.Len() == 0 {
				pool.Add("mock-"+provider, "mock")
			}
		}
		logger.Warn("mock mode: upstream calls served in-process, no tokens are spent")
	}

	// Per-provider pacing. Burst matches the in-flight cap so one fan-out
	// never waits on its own attempts.
	var limiter ratelimit.Limiter
	if cfg.RequestsPerMinute > 0 {
		limiter = ratelimit.NewMemoryLimiter(float64(cfg.RequestsPerMinute)/60.0, cfg.MaxParallel)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rpm", cfg.RequestsPerMinute, "burst", cfg.MaxParallel)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	// Wire the dispatcher.
	dispatcher := gateway.New(gateway.Options{
		Catalog:     cat,
		Pools:       pools,
		Client:      upstream.NewClient(o.httpClient, logger),
		Ledger:      led,
		Limiter:     limiter,
		MaxInFlight: int64(cfg.MaxParallel),
		BaseTimeout: cfg.BaseTimeout,
		Logger:      logger,
	})

	// Wire the agent roles and the orchestrator on top of it.
	orch := orchestrator.New(orchestrator.Options{
		Planner:  agents.NewPlanner(dispatcher, agentConfig(cfg, cfg.PlannerModel), logger),
		Coder:    agents.NewCoder(dispatcher, agentConfig(cfg, cfg.CoderModel), logger),
		Reviewer: agents.NewReviewer(dispatcher, agentConfig(cfg, cfg.ReviewerModel), logger),
		Ledger:   led,
		MaxSteps: cfg.MaxSteps,
		Logger:   logger,
	})

	return &App{
		cfg:          cfg,
		catalog:      cat,
		pools:        pools,
		dispatcher:   dispatcher,
		orchestrator: orch,
		ledger:       led,
		limiter:      limiter,
		mock:         mock,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// CallParallel fans req out across the provider's credential pool and waits
// for every attempt to settle. It returns the successful results in attempt
// issue order; the slice may be shorter than the fan-out. With zero successes
// it returns ErrAllCallsFailed carrying a per-attempt summary.
func (a *App) CallParallel(ctx context.Context, req Request) ([]Result, error) {
	results, err := a.dispatcher.CallParallel(ctx, toGatewayRequest(req))
	if err != nil {
		return nil, err
	}
	out := make([]Result, len(results))
	for i, r := range results {
		out[i] = toPublicResult(r)
	}
	return out, nil
}

// RunGoal asks the planner for a task graph and executes it to completion,
// dependency order first, independent branches surviving failures. The
// returned report covers every task even when the run only partially
// succeeds.
func (a *App) RunGoal(ctx context.Context, goal string) (Report, error) {
	rep, err := a.orchestrator.RunGoal(ctx, goal)
	if err != nil {
		return Report{}, err
	}
	return toPublicReport(rep), nil
}

// RunPlanFile executes a plan file (YAML or JSON) instead of asking the
// planner, for reproducible runs.
func (a *App) RunPlanFile(ctx context.Context, path string) (Report, error) {
	plan, err := taskgraph.ReadPlanFile(path)
	if err != nil {
		return Report{}, err
	}
	rep, err := a.orchestrator.RunPlan(ctx, plan)
	if err != nil {
		return Report{}, err
	}
	return toPublicReport(rep), nil
}

// KeyStats returns a snapshot of every pooled credential, grouped by
// provider in name order.
func (a *App) KeyStats() []KeyStat {
	providers := make([]string, 0, len(a.pools))
	for name := range a.pools {
		providers = append(providers, name)
	}
	sort.Strings(providers)

	var out []KeyStat
	for _, name := range providers {
		stats := a.pools[name].Stats()
		for _, c := range stats.Credentials {
			out = append(out, KeyStat{
				Provider:    name,
				Label:       c.Label,
				Fingerprint: c.Fingerprint,
				Calls:       c.Calls,
				ErrorStreak: c.ErrorStreak,
				Active:      c.Active,
				LastUsed:    c.LastUsed,
			})
		}
	}
	return out
}

// RecentAttempts returns ledger attempts newest first. limit <= 0 applies
// the backend's default cap.
func (a *App) RecentAttempts(ctx context.Context, limit int) ([]Attempt, error) {
	recs, err := a.ledger.RecentAttempts(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Attempt, len(recs))
	for i, r := range recs {
		out[i] = toPublicAttempt(r)
	}
	return out, nil
}

// RecentRuns returns ledger runs newest first. limit <= 0 applies the
// backend's default cap.
func (a *App) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	recs, err := a.ledger.RecentRuns(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Run, len(recs))
	for i, r := range recs {
		out[i] = toPublicRun(r)
	}
	return out, nil
}

// Close releases everything New acquired: the rate limiter, the mock
// upstream when one is running, the ledger, and the OTEL providers.
// In-flight calls should be finished or cancelled first; Close does not
// wait for them.
func (a *App) Close() error {
	a.logger.Info("kakehashi shutting down")

	var errs []error
	if err := a.limiter.Close(); err != nil {
		errs = append(errs, fmt.Errorf("limiter: %w", err))
	}
	if a.mock != nil {
		if err := a.mock.Close(); err != nil {
			errs = append(errs, fmt.Errorf("mock upstream: %w", err))
		}
	}
	if err := a.ledger.Close(); err != nil {
		errs = append(errs, fmt.Errorf("ledger: %w", err))
	}
	if err := a.otelShutdown(context.Background()); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}

	a.logger.Info("kakehashi stopped")
	return errors.Join(errs...)
}

// ── Wiring helpers ─────────────────────────────────────────────────────────────

// openLedger selects a backend per config. Auto picks Postgres when a
// DATABASE_URL is set and SQLite otherwise.
func openLedger(ctx context.Context, cfg config.Config, logger *slog.Logger) (ledger.Ledger, error) {
	backend := cfg.LedgerBackend
	if backend == config.LedgerAuto {
		if cfg.DatabaseURL != "" {
			backend = config.LedgerPostgres
		} else {
			backend = config.LedgerSQLite
		}
	}

	switch backend {
	case config.LedgerSQLite:
		led, err := ledger.OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info("ledger: sqlite", "path", cfg.SQLitePath)
		return led, nil
	case config.LedgerPostgres:
		led, err := ledger.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		logger.Info("ledger: postgres")
		return led, nil
	default:
		logger.Info("ledger: disabled")
		return ledger.Noop{}, nil
	}
}

// buildPools loads the config manifests, then option manifests, then seeded
// credentials. The openai and qwen pools always exist, even when their
// manifests are absent.
func buildPools(cfg config.Config, o resolvedOptions, logger *slog.Logger) (map[string]*keypool.Pool, error) {
	manifests := []manifestPath{
		{provider: catalog.ProviderOpenAI, path: cfg.OpenAIKeysFile},
		{provider: catalog.ProviderQwen, path: cfg.QwenKeysFile},
	}
	manifests = append(manifests, o.manifests...)

	pools := make(map[string]*keypool.Pool)
	poolFor := func(provider string) *keypool.Pool {
		if p, ok := pools[provider]; ok {
			return p
		}
		p := keypool.New(provider, cfg.ErrorThreshold, logger)
		pools[provider] = p
		return p
	}

	for _, m := range manifests {
		if _, err := keypool.LoadManifest(poolFor(m.provider), m.path); err != nil {
			return nil, err
		}
	}
	for _, c := range o.credentials {
		poolFor(c.provider).Add(c.token, c.label)
	}
	return pools, nil
}

func totalCredentials(pools map[string]*keypool.Pool) int {
	total := 0
	for _, p := range pools {
		total += p.Len()
	}
	return total
}

func agentConfig(cfg config.Config, model string) agents.Config {
	return agents.Config{
		Provider:        cfg.Provider,
		Model:           model,
		Candidates:      cfg.Candidates,
		MaxOutputTokens: cfg.MaxOutputTokens,
	}
}

// ── Adapters (defined here because this file imports both sides) ───────────────

// ledgerAdapter wraps a public kakehashi.Ledger to satisfy ledger.Ledger.
// It converts internal records to public types at the boundary.
type ledgerAdapter struct {
	l Ledger
}

func (a *ledgerAdapter) RecordAttempt(ctx context.Context, rec ledger.Attempt) error {
	return a.l.RecordAttempt(ctx, toPublicAttempt(rec))
}

func (a *ledgerAdapter) RecordRun(ctx context.Context, rec ledger.Run) error {
	return a.l.RecordRun(ctx, toPublicRun(rec))
}

func (a *ledgerAdapter) RecentAttempts(ctx context.Context, limit int) ([]ledger.Attempt, error) {
	recs, err := a.l.RecentAttempts(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]ledger.Attempt, len(recs))
	for i, r := range recs {
		out[i] = toLedgerAttempt(r)
	}
	return out, nil
}

func (a *ledgerAdapter) RecentRuns(ctx context.Context, limit int) ([]ledger.Run, error) {
	recs, err := a.l.RecentRuns(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]ledger.Run, len(recs))
	for i, r := range recs {
		out[i] = toLedgerRun(r)
	}
	return out, nil
}

func (a *ledgerAdapter) Close() error { return a.l.Close() }

// hookTimeout bounds one delivery round to all registered hooks.
const hookTimeout = 10 * time.Second

// hookLedger tees ledger writes to registered CallHooks. Hooks run in their
// own goroutine with a deadline, so a slow hook cannot stall the accounting
// path; hook failures are logged, never returned.
type hookLedger struct {
	inner  ledger.Ledger
	hooks  []CallHook
	logger *slog.Logger
}

func (h *hookLedger) RecordAttempt(ctx context.Context, rec ledger.Attempt) error {
	err := h.inner.RecordAttempt(ctx, rec)
	pub := toPublicAttempt(rec)
	go func() {
		hctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
		defer cancel()
		for _, hook := range h.hooks {
			if err := hook.OnAttemptSettled(hctx, pub); err != nil {
				h.logger.Warn("call hook OnAttemptSettled failed", "error", err)
			}
		}
	}()
	return err
}

func (h *hookLedger) RecordRun(ctx context.Context, rec ledger.Run) error {
	err := h.inner.RecordRun(ctx, rec)
	pub := toPublicRun(rec)
	go func() {
		hctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
		defer cancel()
		for _, hook := range h.hooks {
			if err := hook.OnRunFinished(hctx, pub); err != nil {
				h.logger.Warn("call hook OnRunFinished failed", "error", err)
			}
		}
	}()
	return err
}

func (h *hookLedger) RecentAttempts(ctx context.Context, limit int) ([]ledger.Attempt, error) {
	return h.inner.RecentAttempts(ctx, limit)
}

func (h *hookLedger) RecentRuns(ctx context.Context, limit int) ([]ledger.Run, error) {
	return h.inner.RecentRuns(ctx, limit)
}

func (h *hookLedger) Close() error { return h.inner.Close() }

// ── Type converters ────────────────────────────────────────────────────────────

// toPublicAttempt converts an internal ledger.Attempt to the public Attempt.
// Lives here because this is the only file that imports both sides of the
// boundary.
func toPublicAttempt(a ledger.Attempt) Attempt {
	return Attempt{
		ID:               a.ID,
		CallID:           a.CallID,
		Provider:         a.Provider,
		Model:            a.Model,
		Credential:       a.Credential,
		Status:           a.Status,
		Error:            a.Error,
		Duration:         a.Duration,
		PromptTokens:     a.PromptTokens,
		CompletionTokens: a.CompletionTokens,
		CreatedAt:        a.CreatedAt,
	}
}

func toLedgerAttempt(a Attempt) ledger.Attempt {
	return ledger.Attempt{
		ID:               a.ID,
		CallID:           a.CallID,
		Provider:         a.Provider,
		Model:            a.Model,
		Credential:       a.Credential,
		Status:           a.Status,
		Error:            a.Error,
		Duration:         a.Duration,
		PromptTokens:     a.PromptTokens,
		CompletionTokens: a.CompletionTokens,
		CreatedAt:        a.CreatedAt,
	}
}

func toPublicRun(r ledger.Run) Run {
	return Run{
		ID:               r.ID,
		Goal:             r.Goal,
		Status:           r.Status,
		TasksTotal:       r.TasksTotal,
		TasksDone:        r.TasksDone,
		TasksFailed:      r.TasksFailed,
		TasksBlocked:     r.TasksBlocked,
		PromptTokens:     r.PromptTokens,
		CompletionTokens: r.CompletionTokens,
		StartedAt:        r.StartedAt,
		FinishedAt:       r.FinishedAt,
	}
}

func toLedgerRun(r Run) ledger.Run {
	return ledger.Run{
		ID:               r.ID,
		Goal:             r.Goal,
		Status:           r.Status,
		TasksTotal:       r.TasksTotal,
		TasksDone:        r.TasksDone,
		TasksFailed:      r.TasksFailed,
		TasksBlocked:     r.TasksBlocked,
		PromptTokens:     r.PromptTokens,
		CompletionTokens: r.CompletionTokens,
		StartedAt:        r.StartedAt,
		FinishedAt:       r.FinishedAt,
	}
}

func toGatewayRequest(req Request) gateway.Request {
	turns := make([]upstream.Turn, len(req.Turns))
	for i, t := range req.Turns {
		turns[i] = upstream.Turn{Role: t.Role, Content: t.Content}
	}
	return gateway.Request{
		Provider:        req.Provider,
		Model:           req.Model,
		Turns:           turns,
		FanOut:          req.FanOut,
		MaxOutputTokens: req.MaxOutputTokens,
		Effort:          req.Effort,
		Temperature:     req.Temperature,
	}
}

func toPublicResult(r gateway.Result) Result {
	return Result{
		Text:         r.Text,
		Model:        r.Model,
		FinishReason: r.FinishReason,
		Usage:        toPublicUsage(r.Usage),
		Credential:   r.Credential,
		Attempt:      r.Attempt,
		Duration:     r.Duration,
	}
}

func toPublicUsage(u upstream.Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

func toPublicReport(r orchestrator.Report) Report {
	tasks := make([]TaskReport, len(r.Tasks))
	for i, t := range r.Tasks {
		tasks[i] = TaskReport{
			ID:        t.ID,
			Summary:   t.Summary,
			Assignee:  t.Assignee,
			State:     string(t.State),
			Output:    t.Output,
			Error:     t.Error,
			BlockedBy: t.BlockedBy,
		}
	}
	return Report{
		RunID:    r.RunID,
		Goal:     r.Goal,
		Status:   r.Status,
		Tasks:    tasks,
		Review:   r.Review,
		Usage:    toPublicUsage(r.Usage),
		Started:  r.Started,
		Finished: r.Finished,
	}
}

// ctx is a no-op helper so that New(opts ...) can pass a background context
// to telemetry.Init without adding a context parameter to the public API.
// The returned context is never cancelled by this function.
func ctx(_ []Option) context.Context { return context.Background() }
