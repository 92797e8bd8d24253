// Package gateway dispatches LLM calls across per-provider credential pools.
//
// A call fans out to n credentials taken from the provider's pool and issues
// all attempts concurrently, each under an adaptive timeout derived from the
// requested output budget. Attempts settle independently: a failed attempt
// marks its credential and is absorbed, it never cancels the others. The
// caller gets every successful result in attempt issue order.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/ashita-ai/kakehashi/internal/catalog"
	"github.com/ashita-ai/kakehashi/internal/keypool"
	"github.com/ashita-ai/kakehashi/internal/ledger"
	"github.com/ashita-ai/kakehashi/internal/ratelimit"
	"github.com/ashita-ai/kakehashi/internal/telemetry"
	"github.com/ashita-ai/kakehashi/internal/upstream"
)

var (
	// ErrUnknownProvider means no credential pool is configured for the
	// requested provider.
	ErrUnknownProvider = errors.New("gateway: unknown provider")

	// ErrNoActiveCredentials means the provider's pool had no credential
	// left in rotation; no upstream call was issued.
	ErrNoActiveCredentials = errors.New("gateway: no active credentials")

	// ErrAllCallsFailed means every attempt of a fan-out failed.
	ErrAllCallsFailed = errors.New("gateway: all parallel calls failed")
)

var tracer = otel.Tracer("kakehashi/gateway")

const (
	defaultBaseTimeout = 60 * time.Second
	defaultMaxInFlight = 5
)

// Timeout scaling: one unit of base timeout per 2000 requested output
// tokens, clamped to [1x, 5x].
const (
	timeoutScaleTokens = 2000.0
	timeoutScaleMin    = 1.0
	timeoutScaleMax    = 5.0
)

// Request is one fan-out call.
type Request struct {
	Provider        string
	Model           string
	Turns           []upstream.Turn
	FanOut          int      // number of parallel attempts; <= 0 means 1
	MaxOutputTokens int      // output budget; also scales the attempt timeout
	Effort          string   // reasoning effort for reasoning-class models
	Temperature     *float64 // standard-class models only
}

// Result is one successful attempt.
type Result struct {
	Text         string
	Model        string
	FinishReason string
	Usage        upstream.Usage
	Credential   string // pool label of the key that served the call
	Attempt      int    // issue index within the fan-out
	Duration     time.Duration
}

// Options configures a Dispatcher. Catalog, Pools, and Client are required;
// nil Ledger and Limiter default to their no-op implementations.
type Options struct {
	Catalog     *catalog.Catalog
	Pools       map[string]*keypool.Pool
	Client      *upstream.Client
	Ledger      ledger.Ledger
	Limiter     ratelimit.Limiter
	MaxInFlight int64
	BaseTimeout time.Duration
	Logger      *slog.Logger
}

// Dispatcher issues parallel upstream calls with pooled credentials.
// Safe for concurrent use; the in-flight cap spans overlapping calls.
type Dispatcher struct {
	catalog     *catalog.Catalog
	pools       map[string]*keypool.Pool
	client      *upstream.Client
	ledger      ledger.Ledger
	limiter     ratelimit.Limiter
	sem         *semaphore.Weighted
	baseTimeout time.Duration
	logger      *slog.Logger

	attempts  metric.Int64Counter
	evictions metric.Int64Counter
	latency   metric.Float64Histogram
}

// New creates a Dispatcher.
func New(opts Options) *Dispatcher {
	if opts.Ledger == nil {
		opts.Ledger = ledger.Noop{}
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.NoopLimiter{}
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = defaultMaxInFlight
	}
	if opts.BaseTimeout <= 0 {
		opts.BaseTimeout = defaultBaseTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	meter := telemetry.Meter("kakehashi/gateway")
	attempts, _ := meter.Int64Counter("kakehashi.gateway.attempts",
		metric.WithDescription("Upstream attempts by provider, model, and status"))
	evictions, _ := meter.Int64Counter("kakehashi.gateway.evictions",
		metric.WithDescription("Credentials evicted after repeated errors"))
	latency, _ := meter.Float64Histogram("kakehashi.gateway.duration",
		metric.WithDescription("Upstream attempt duration (ms)"),
		metric.WithUnit("ms"))

	return &Dispatcher{
		catalog:     opts.Catalog,
		pools:       opts.Pools,
		client:      opts.Client,
		ledger:      opts.Ledger,
		limiter:     opts.Limiter,
		sem:         semaphore.NewWeighted(opts.MaxInFlight),
		baseTimeout: opts.BaseTimeout,
		logger:      opts.Logger,
		attempts:    attempts,
		evictions:   evictions,
		latency:     latency,
	}
}

// CallParallel fans req out to req.FanOut credentials and waits for every
// attempt to settle. It returns the successful results in issue order; the
// slice may be shorter than the fan-out. With zero successes it returns
// ErrAllCallsFailed carrying a per-attempt summary.
func (d *Dispatcher) CallParallel(ctx context.Context, req Request) ([]Result, error) {
	n := req.FanOut
	if n <= 0 {
		n = 1
	}

	pool, ok := d.pools[req.Provider]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownProvider, req.Provider)
	}

	endpoint, err := d.catalog.ResolveEndpoint(req.Provider, req.Model)
	if err != nil {
		return nil, fmt.Errorf("gateway: resolve endpoint: %w", err)
	}
	profile := d.catalog.Resolve(req.Model)

	creds, err := pool.ForParallel(n)
	if err != nil {
		if errors.Is(err, keypool.ErrPoolEmpty) {
			return nil, fmt.Errorf("%w (provider %q)", ErrNoActiveCredentials, req.Provider)
		}
		return nil, fmt.Errorf("gateway: dispense credentials: %w", err)
	}

	timeout := attemptTimeout(d.baseTimeout, req.MaxOutputTokens)
	callID := uuid.New()

	ctx, span := tracer.Start(ctx, "gateway.call_parallel",
		trace.WithAttributes(
			attribute.String("kakehashi.provider", req.Provider),
			attribute.String("kakehashi.model", profile.Model),
			attribute.Int("kakehashi.fan_out", n),
		),
	)
	defer span.End()

	d.logger.Info("gateway: dispatching",
		"call_id", callID,
		"provider", req.Provider,
		"model", profile.Model,
		"fan_out", n,
		"active_credentials", pool.ActiveLen(),
		"timeout", timeout,
	)

	ureq := upstream.Request{
		Profile:         profile,
		Turns:           req.Turns,
		MaxOutputTokens: req.MaxOutputTokens,
		Effort:          req.Effort,
		Temperature:     req.Temperature,
	}

	outcomes := make([]attemptOutcome, n)
	var wg sync.WaitGroup
	for i := range creds {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			outcomes[idx] = d.attempt(ctx, callID, idx, creds[idx], pool, req.Provider, endpoint.BaseURL, ureq, timeout)
		}(i)
	}
	wg.Wait()

	results := make([]Result, 0, n)
	var failures []string
	for _, out := range outcomes {
		if out.err != nil {
			failures = append(failures, out.err.Error())
			continue
		}
		results = append(results, *out.result)
	}

	span.SetAttributes(attribute.Int("kakehashi.successes", len(results)))
	if len(results) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrAllCallsFailed, strings.Join(failures, "; "))
	}

	d.logger.Info("gateway: call settled",
		"call_id", callID,
		"successes", len(results),
		"failures", n-len(results),
	)
	return results, nil
}

type attemptOutcome struct {
	result *Result
	err    error
}

// attempt runs one upstream call end to end: in-flight slot, provider
// pacing, the call itself, credential health bookkeeping, and the ledger row.
func (d *Dispatcher) attempt(ctx context.Context, callID uuid.UUID, idx int, cred *keypool.Credential, pool *keypool.Pool, provider, baseURL string, ureq upstream.Request, timeout time.Duration) attemptOutcome {
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return attemptOutcome{err: fmt.Errorf("attempt %d: acquire slot: %w", idx, err)}
	}
	defer d.sem.Release(1)

	if err := d.limiter.Wait(ctx, "provider:"+provider); err != nil {
		return attemptOutcome{err: fmt.Errorf("attempt %d: rate limit: %w", idx, err)}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, callErr := d.client.Call(attemptCtx, baseURL, cred.Token(), ureq)
	duration := time.Since(start)

	status := ledger.StatusOK
	if callErr != nil {
		if errors.Is(callErr, context.DeadlineExceeded) {
			status = ledger.StatusTimeout
			callErr = fmt.Errorf("attempt %d: timed out after %s: %w", idx, timeout, callErr)
		} else {
			status = ledger.StatusError
			callErr = fmt.Errorf("attempt %d: %w", idx, callErr)
		}
		if pool.MarkError(cred) {
			d.evictions.Add(ctx, 1, metric.WithAttributes(
				attribute.String("kakehashi.provider", provider)))
		}
		d.logger.Warn("gateway: attempt failed",
			"call_id", callID,
			"attempt", idx,
			"credential", cred.Label(),
			"status", status,
			"duration", duration,
			"error", callErr,
		)
	} else {
		pool.MarkUsed(cred)
		d.logger.Debug("gateway: attempt succeeded",
			"call_id", callID,
			"attempt", idx,
			"credential", cred.Label(),
			"duration", duration,
			"completion_tokens", resp.Usage.CompletionTokens,
		)
	}

	attrs := metric.WithAttributes(
		attribute.String("kakehashi.provider", provider),
		attribute.String("kakehashi.model", ureq.Profile.Model),
		attribute.String("kakehashi.status", status),
	)
	d.attempts.Add(ctx, 1, attrs)
	d.latency.Record(ctx, float64(duration.Milliseconds()), attrs)

	rec := ledger.Attempt{
		ID:         uuid.New(),
		CallID:     callID,
		Provider:   provider,
		Model:      ureq.Profile.Model,
		Credential: cred.Label(),
		Status:     status,
		Duration:   duration,
		CreatedAt:  time.Now().UTC(),
	}
	if callErr != nil {
		rec.Error = callErr.Error()
	} else {
		rec.PromptTokens = resp.Usage.PromptTokens
		rec.CompletionTokens = resp.Usage.CompletionTokens
	}
	// Accounting must survive attempt timeouts, so the write ignores the
	// attempt's cancellation.
	if err := d.ledger.RecordAttempt(context.WithoutCancel(ctx), rec); err != nil {
		d.logger.Warn("gateway: record attempt", "call_id", callID, "error", err)
	}

	if callErr != nil {
		return attemptOutcome{err: callErr}
	}
	return attemptOutcome{result: &Result{
		Text:         resp.Text,
		Model:        resp.Model,
		FinishReason: resp.FinishReason,
		Usage:        resp.Usage,
		Credential:   cred.Label(),
		Attempt:      idx,
		Duration:     duration,
	}}
}

// attemptTimeout scales base with the requested output budget:
// base * clamp(maxTokens/2000, 1, 5). Non-positive budgets use base alone.
func attemptTimeout(base time.Duration, maxTokens int) time.Duration {
	if maxTokens <= 0 {
		return base
	}
	scale := float64(maxTokens) / timeoutScaleTokens
	if scale < timeoutScaleMin {
		scale = timeoutScaleMin
	}
	if scale > timeoutScaleMax {
		scale = timeoutScaleMax
	}
	return time.Duration(float64(base) * scale)
}
