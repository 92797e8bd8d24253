package gateway_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kakehashi/internal/catalog"
	"github.com/ashita-ai/kakehashi/internal/gateway"
	"github.com/ashita-ai/kakehashi/internal/keypool"
	"github.com/ashita-ai/kakehashi/internal/ledger"
	"github.com/ashita-ai/kakehashi/internal/upstream"
)

// fakeUpstream speaks the turn wire shape and records which bearer tokens it
// served. Individual tokens can be made to fail or the whole server delayed.
type fakeUpstream struct {
	srv *httptest.Server

	mu      sync.Mutex
	calls   int
	tokens  []string
	failFor map[string]int
	delay   time.Duration
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{failFor: map[string]int{}}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

		f.mu.Lock()
		f.calls++
		f.tokens = append(f.tokens, token)
		status := f.failFor[token]
		delay := f.delay
		f.mu.Unlock()

		if delay > 0 {
			time.Sleep(delay)
		}
		w.Header().Set("Content-Type", "application/json")
		if status != 0 {
			w.WriteHeader(status)
			fmt.Fprint(w, `{"error": {"message": "injected failure", "type": "server_error"}}`)
			return
		}
		fmt.Fprintf(w, `{
			"model": "gpt-4.1",
			"choices": [{"message": {"content": %q}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
		}`, "echo:"+token)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeUpstream) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeUpstream) failToken(token string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failFor[token] = status
}

// captureLedger records attempts in memory for assertions.
type captureLedger struct {
	ledger.Noop

	mu       sync.Mutex
	attempts []ledger.Attempt
}

func (c *captureLedger) RecordAttempt(_ context.Context, a ledger.Attempt) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts = append(c.attempts, a)
	return nil
}

func (c *captureLedger) recorded() []ledger.Attempt {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ledger.Attempt(nil), c.attempts...)
}

func newDispatcher(t *testing.T, f *fakeUpstream, led ledger.Ledger, tokens ...string) (*gateway.Dispatcher, *keypool.Pool) {
	t.Helper()
	cat := catalog.Default()
	cat.SetEndpoint("openai", f.srv.URL)

	pool := keypool.New("openai", keypool.DefaultErrorThreshold, nil)
	for i, tok := range tokens {
		pool.Add(tok, fmt.Sprintf("key-%c", 'a'+i))
	}

	d := gateway.New(gateway.Options{
		Catalog:     cat,
		Pools:       map[string]*keypool.Pool{"openai": pool},
		Client:      upstream.NewClient(nil, nil),
		Ledger:      led,
		BaseTimeout: 5 * time.Second,
	})
	return d, pool
}

func userTurns(content string) []upstream.Turn {
	return []upstream.Turn{{Role: "user", Content: content}}
}

func TestCallParallelFanOut(t *testing.T) {
	f := newFakeUpstream(t)
	d, pool := newDispatcher(t, f, nil, "sk-a", "sk-b", "sk-c")

	results, err := d.CallParallel(context.Background(), gateway.Request{
		Provider: "openai",
		Model:    "gpt-4.1",
		Turns:    userTurns("hello"),
		FanOut:   3,
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	// Issue order is preserved and each attempt used its own credential.
	for i, res := range results {
		assert.Equal(t, i, res.Attempt)
		assert.Equal(t, "stop", res.FinishReason)
		assert.Equal(t, 15, res.Usage.TotalTokens)
	}
	assert.Equal(t, "echo:sk-a", results[0].Text)
	assert.Equal(t, "echo:sk-b", results[1].Text)
	assert.Equal(t, "echo:sk-c", results[2].Text)
	assert.Equal(t, "key-a", results[0].Credential)
	assert.Equal(t, "key-b", results[1].Credential)
	assert.Equal(t, "key-c", results[2].Credential)

	// Every credential was marked used exactly once.
	stats := pool.Stats()
	assert.Equal(t, 3, stats.TotalCalls)
	for _, cs := range stats.Credentials {
		assert.Equal(t, 1, cs.Calls)
		assert.Zero(t, cs.ErrorStreak)
	}
}

func TestCallParallelRepeatsCredentialsWhenFanOutExceedsPool(t *testing.T) {
	f := newFakeUpstream(t)
	d, _ := newDispatcher(t, f, nil, "sk-a", "sk-b")

	results, err := d.CallParallel(context.Background(), gateway.Request{
		Provider: "openai",
		Model:    "gpt-4.1",
		Turns:    userTurns("hello"),
		FanOut:   5,
	})
	require.NoError(t, err)
	require.Len(t, results, 5)

	wantCreds := []string{"key-a", "key-b", "key-a", "key-b", "key-a"}
	for i, res := range results {
		assert.Equal(t, i, res.Attempt)
		assert.Equal(t, wantCreds[i], res.Credential)
	}
}

func TestCallParallelPartialFailure(t *testing.T) {
	f := newFakeUpstream(t)
	f.failToken("sk-b", http.StatusInternalServerError)
	led := &captureLedger{}
	d, pool := newDispatcher(t, f, led, "sk-a", "sk-b", "sk-c")

	results, err := d.CallParallel(context.Background(), gateway.Request{
		Provider: "openai",
		Model:    "gpt-4.1",
		Turns:    userTurns("hello"),
		FanOut:   3,
	})
	require.NoError(t, err, "partial failure must not fail the batch")
	require.Len(t, results, 2)

	// Only the successes come back, still in issue order.
	assert.Equal(t, 0, results[0].Attempt)
	assert.Equal(t, 2, results[1].Attempt)
	assert.Equal(t, "echo:sk-a", results[0].Text)
	assert.Equal(t, "echo:sk-c", results[1].Text)

	// The failing credential gained an error streak but stays active.
	var b keypool.CredentialStats
	for _, cs := range pool.Stats().Credentials {
		if cs.Label == "key-b" {
			b = cs
		}
	}
	assert.Equal(t, 1, b.ErrorStreak)
	assert.True(t, b.Active)

	// One ledger row per attempt, sharing a call id.
	rows := led.recorded()
	require.Len(t, rows, 3)
	byStatus := map[string]int{}
	for _, row := range rows {
		byStatus[row.Status]++
		assert.Equal(t, rows[0].CallID, row.CallID)
		assert.Equal(t, "openai", row.Provider)
		assert.Equal(t, "gpt-4.1", row.Model)
	}
	assert.Equal(t, 2, byStatus[ledger.StatusOK])
	assert.Equal(t, 1, byStatus[ledger.StatusError])
}

func TestCallParallelAllFailed(t *testing.T) {
	f := newFakeUpstream(t)
	for _, tok := range []string{"sk-a", "sk-b"} {
		f.failToken(tok, http.StatusBadGateway)
	}
	d, _ := newDispatcher(t, f, nil, "sk-a", "sk-b")

	_, err := d.CallParallel(context.Background(), gateway.Request{
		Provider: "openai",
		Model:    "gpt-4.1",
		Turns:    userTurns("hello"),
		FanOut:   2,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, gateway.ErrAllCallsFailed)
	assert.Contains(t, err.Error(), "attempt 0")
	assert.Contains(t, err.Error(), "attempt 1")
}

func TestCallParallelEmptyPoolIssuesNoCalls(t *testing.T) {
	f := newFakeUpstream(t)
	d, _ := newDispatcher(t, f, nil) // no credentials at all

	_, err := d.CallParallel(context.Background(), gateway.Request{
		Provider: "openai",
		Model:    "gpt-4.1",
		Turns:    userTurns("hello"),
		FanOut:   3,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, gateway.ErrNoActiveCredentials)
	assert.Contains(t, err.Error(), `"openai"`)
	assert.Zero(t, f.callCount(), "no upstream call may be issued")
}

func TestCallParallelUnknownProvider(t *testing.T) {
	f := newFakeUpstream(t)
	d, _ := newDispatcher(t, f, nil, "sk-a")

	_, err := d.CallParallel(context.Background(), gateway.Request{
		Provider: "anthropic",
		Model:    "claude",
		Turns:    userTurns("hello"),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, gateway.ErrUnknownProvider)
	assert.Zero(t, f.callCount())
}

func TestCallParallelTimeoutClassification(t *testing.T) {
	f := newFakeUpstream(t)
	f.delay = 300 * time.Millisecond
	led := &captureLedger{}

	cat := catalog.Default()
	cat.SetEndpoint("openai", f.srv.URL)
	pool := keypool.New("openai", keypool.DefaultErrorThreshold, nil)
	pool.Add("sk-slow", "key-slow")

	d := gateway.New(gateway.Options{
		Catalog:     cat,
		Pools:       map[string]*keypool.Pool{"openai": pool},
		Client:      upstream.NewClient(nil, nil),
		Ledger:      led,
		BaseTimeout: 30 * time.Millisecond,
	})

	_, err := d.CallParallel(context.Background(), gateway.Request{
		Provider: "openai",
		Model:    "gpt-4.1",
		Turns:    userTurns("hello"),
		FanOut:   1,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, gateway.ErrAllCallsFailed)
	assert.Contains(t, err.Error(), "timed out")

	rows := led.recorded()
	require.Len(t, rows, 1)
	assert.Equal(t, ledger.StatusTimeout, rows[0].Status)

	// The timeout counts against the credential's health.
	assert.Equal(t, 1, pool.Stats().Credentials[0].ErrorStreak)
}

func TestCallParallelEvictionAcrossCalls(t *testing.T) {
	f := newFakeUpstream(t)
	f.failToken("sk-bad", http.StatusInternalServerError)
	d, pool := newDispatcher(t, f, nil, "sk-bad", "sk-ok")

	// Three calls with fan-out 2 hit sk-bad three times; the third error
	// evicts it and later calls run on the survivor alone.
	for i := 0; i < 3; i++ {
		results, err := d.CallParallel(context.Background(), gateway.Request{
			Provider: "openai",
			Model:    "gpt-4.1",
			Turns:    userTurns("hello"),
			FanOut:   2,
		})
		require.NoError(t, err)
		require.Len(t, results, 1)
	}
	assert.Equal(t, 1, pool.ActiveLen())

	results, err := d.CallParallel(context.Background(), gateway.Request{
		Provider: "openai",
		Model:    "gpt-4.1",
		Turns:    userTurns("hello"),
		FanOut:   2,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "echo:sk-ok", results[0].Text)
	assert.Equal(t, "echo:sk-ok", results[1].Text)
}

func TestCallParallelDeepSeekAliasRedirect(t *testing.T) {
	qwenSrv := newFakeUpstream(t)
	deepseekSrv := newFakeUpstream(t)

	cat := catalog.Default()
	cat.SetEndpoint("qwen", qwenSrv.srv.URL)
	cat.SetEndpoint("deepseek", deepseekSrv.srv.URL)

	pool := keypool.New("qwen", keypool.DefaultErrorThreshold, nil)
	pool.Add("sk-qwen", "key-a")

	d := gateway.New(gateway.Options{
		Catalog: cat,
		Pools:   map[string]*keypool.Pool{"qwen": pool},
		Client:  upstream.NewClient(nil, nil),
	})

	// A deepseek model served from the qwen pool must hit the DeepSeek
	// endpoint with the qwen credential.
	results, err := d.CallParallel(context.Background(), gateway.Request{
		Provider: "qwen",
		Model:    "deepseek-chat",
		Turns:    userTurns("hello"),
		FanOut:   1,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "echo:sk-qwen", results[0].Text)
	assert.Zero(t, qwenSrv.callCount())
	assert.Equal(t, 1, deepseekSrv.callCount())
}

func TestCallParallelDefaultsFanOutToOne(t *testing.T) {
	f := newFakeUpstream(t)
	d, _ := newDispatcher(t, f, nil, "sk-a", "sk-b")

	results, err := d.CallParallel(context.Background(), gateway.Request{
		Provider: "openai",
		Model:    "gpt-4.1",
		Turns:    userTurns("hello"),
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 1, f.callCount())
}
