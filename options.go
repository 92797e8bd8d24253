package kakehashi

import (
	"log/slog"
	"net/http"
	"time"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	logger         *slog.Logger
	version        string
	httpClient     *http.Client
	ledger         Ledger
	manifests      []manifestPath
	credentials    []credentialSeed
	endpoints      []endpointOverride
	callHooks      []CallHook
	errorThreshold int
	baseTimeout    time.Duration
	mockUpstream   bool
}

type manifestPath struct {
	provider string
	path     string
}

type credentialSeed struct {
	provider string
	label    string
	token    string
}

type endpointOverride struct {
	provider string
	baseURL  string
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in logs and telemetry.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithHTTPClient sets the HTTP client used for upstream calls. Use this to
// inject proxies or transport-level instrumentation. Per-attempt deadlines
// come from the gateway, so the client should not carry its own timeout.
func WithHTTPClient(client *http.Client) Option {
	return func(o *resolvedOptions) { o.httpClient = client }
}

// WithLedger replaces the configured ledger backend (KAKEHASHI_LEDGER) with
// an external implementation. Only the last call wins.
func WithLedger(l Ledger) Option {
	return func(o *resolvedOptions) { o.ledger = l }
}

// WithManifest loads an additional credential manifest into the named
// provider's pool, on top of the manifests named by config. Multiple
// manifests may be registered; they load in registration order. A missing
// file is not an error.
func WithManifest(provider, path string) Option {
	return func(o *resolvedOptions) {
		o.manifests = append(o.manifests, manifestPath{provider: provider, path: path})
	}
}

// WithCredential admits a single credential into the named provider's pool
// without a manifest file. An empty label gets a positional default.
func WithCredential(provider, label, token string) Option {
	return func(o *resolvedOptions) {
		o.credentials = append(o.credentials, credentialSeed{provider: provider, label: label, token: token})
	}
}

// WithEndpoint overrides a provider's upstream base URL. Use this to point a
// provider at a regional mirror or a local test server.
func WithEndpoint(provider, baseURL string) Option {
	return func(o *resolvedOptions) {
		o.endpoints = append(o.endpoints, endpointOverride{provider: provider, baseURL: baseURL})
	}
}

// WithCallHook registers a hook to receive attempt and run accounting
// events. Multiple hooks may be registered; all registered hooks receive
// every event.
func WithCallHook(hook CallHook) Option {
	return func(o *resolvedOptions) { o.callHooks = append(o.callHooks, hook) }
}

// WithErrorThreshold overrides the consecutive-error count that evicts a
// credential (KAKEHASHI_ERROR_THRESHOLD env var).
func WithErrorThreshold(n int) Option {
	return func(o *resolvedOptions) { o.errorThreshold = n }
}

// WithBaseTimeout overrides the base per-attempt timeout (KAKEHASHI_TIMEOUT
// env var). The gateway still scales it with the requested output budget.
func WithBaseTimeout(d time.Duration) Option {
	return func(o *resolvedOptions) { o.baseTimeout = d }
}

// WithMockUpstream forces mock mode: every provider endpoint is served by a
// deterministic in-process upstream and no real tokens are spent. Mock mode
// also engages automatically when no pool holds any credential.
func WithMockUpstream() Option {
	return func(o *resolvedOptions) { o.mockUpstream = true }
}
