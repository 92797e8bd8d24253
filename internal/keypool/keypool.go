// Package keypool manages pools of upstream API credentials.
//
// Each provider gets an independent Pool. Dispensing is round-robin over the
// active credentials only, so an evicted credential's share of traffic
// redistributes to the survivors. A credential is evicted after a configurable
// number of consecutive errors and never re-enters rotation for the lifetime
// of the process; a single success resets the streak.
package keypool

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ErrPoolEmpty is returned when a pool has no active credentials to dispense.
var ErrPoolEmpty = errors.New("keypool: no active credentials")

// DefaultErrorThreshold is the number of consecutive errors after which a
// credential is deactivated.
const DefaultErrorThreshold = 3

// Credential is one upstream API key with its health bookkeeping.
// Mutable state (calls, errors, active) is owned by the Pool and only
// touched under the pool mutex; the token and label are immutable.
type Credential struct {
	token    string
	label    string
	provider string

	calls    int
	lastUsed time.Time
	errors   int
	active   bool
}

// Token returns the raw credential. Never log this — use Label or Fingerprint.
func (c *Credential) Token() string { return c.token }

// Label returns the human-readable name from the manifest (or "key-<n>").
func (c *Credential) Label() string { return c.label }

// Provider returns the provider this credential belongs to.
func (c *Credential) Provider() string { return c.provider }

// Fingerprint returns a short stable identifier safe for logs and reports.
func (c *Credential) Fingerprint() string { return fingerprint(c.token) }

func fingerprint(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])[:8]
}

// Pool holds the credentials for a single provider.
// All methods are safe for concurrent use.
type Pool struct {
	provider  string
	threshold int
	logger    *slog.Logger

	mu     sync.Mutex
	creds  []*Credential
	cursor int
}

// New creates an empty pool for provider. threshold is the consecutive-error
// count that deactivates a credential; values <= 0 fall back to
// DefaultErrorThreshold.
func New(provider string, threshold int, logger *slog.Logger) *Pool {
	if threshold <= 0 {
		threshold = DefaultErrorThreshold
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		provider:  provider,
		threshold: threshold,
		logger:    logger,
	}
}

// Provider returns the provider this pool serves.
func (p *Pool) Provider() string { return p.provider }

// Add admits a credential. Tokens that are empty, all whitespace, or start
// with '#' are silently rejected (manifests pass comment lines through here).
// An empty label gets a positional default. Reports whether the credential
// was admitted.
func (p *Pool) Add(token, label string) bool {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if label == "" {
		label = fmt.Sprintf("key-%d", len(p.creds)+1)
	}
	p.creds = append(p.creds, &Credential{
		token:    trimmed,
		label:    label,
		provider: p.provider,
		active:   true,
	})
	return true
}

// Next returns the next active credential in round-robin order.
func (p *Pool) Next() (*Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	active := p.activeLocked()
	if len(active) == 0 {
		return nil, fmt.Errorf("%w (provider %q)", ErrPoolEmpty, p.provider)
	}
	c := active[p.cursor%len(active)]
	p.cursor++
	return c, nil
}

// LeastUsed returns the active credential with the fewest calls, breaking
// ties by least-recently-used and then admission order.
func (p *Pool) LeastUsed() (*Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	active := p.activeLocked()
	if len(active) == 0 {
		return nil, fmt.Errorf("%w (provider %q)", ErrPoolEmpty, p.provider)
	}
	best := active[0]
	for _, c := range active[1:] {
		if c.calls < best.calls || (c.calls == best.calls && c.lastUsed.Before(best.lastUsed)) {
			best = c
		}
	}
	return best, nil
}

// ForParallel returns n credentials for a fan-out of n, cycling the active
// set in round-robin order. A pool with fewer than n active credentials
// yields repeats. The round-robin cursor advances by n so consecutive
// fan-outs keep rotating.
func (p *Pool) ForParallel(n int) ([]*Credential, error) {
	if n <= 0 {
		return nil, fmt.Errorf("keypool: fan-out must be positive, got %d", n)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	active := p.activeLocked()
	if len(active) == 0 {
		return nil, fmt.Errorf("%w (provider %q)", ErrPoolEmpty, p.provider)
	}
	out := make([]*Credential, n)
	for i := 0; i < n; i++ {
		out[i] = active[(p.cursor+i)%len(active)]
	}
	p.cursor += n
	return out, nil
}

// MarkUsed records a successful call: bumps the call count, stamps last-used,
// and resets the consecutive error streak.
func (p *Pool) MarkUsed(c *Credential) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c.calls++
	c.lastUsed = time.Now()
	c.errors = 0
}

// MarkError records a failed call. Hitting the threshold deactivates the
// credential; it does not return to rotation within this process. Returns
// true when this call performed the eviction.
func (p *Pool) MarkError(c *Credential) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	c.errors++
	if c.errors >= p.threshold && c.active {
		c.active = false
		p.logger.Warn("keypool: credential evicted",
			"provider", p.provider,
			"label", c.label,
			"fingerprint", c.Fingerprint(),
			"consecutive_errors", c.errors,
		)
		return true
	}
	return false
}

// Len returns the total number of admitted credentials.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.creds)
}

// ActiveLen returns the number of credentials still in rotation.
func (p *Pool) ActiveLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.activeLocked())
}

func (p *Pool) activeLocked() []*Credential {
	active := make([]*Credential, 0, len(p.creds))
	for _, c := range p.creds {
		if c.active {
			active = append(active, c)
		}
	}
	return active
}

// CredentialStats is a point-in-time snapshot of one credential.
type CredentialStats struct {
	Label       string
	Fingerprint string
	Calls       int
	ErrorStreak int
	Active      bool
	LastUsed    time.Time
}

// Stats is a point-in-time snapshot of the pool.
type Stats struct {
	Provider    string
	Total       int
	Active      int
	TotalCalls  int
	Credentials []CredentialStats
}

// Stats returns a snapshot of the pool. Tokens are represented only by
// label and fingerprint.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{
		Provider:    p.provider,
		Total:       len(p.creds),
		Credentials: make([]CredentialStats, 0, len(p.creds)),
	}
	for _, c := range p.creds {
		if c.active {
			s.Active++
		}
		s.TotalCalls += c.calls
		s.Credentials = append(s.Credentials, CredentialStats{
			Label:       c.label,
			Fingerprint: c.Fingerprint(),
			Calls:       c.calls,
			ErrorStreak: c.errors,
			Active:      c.active,
			LastUsed:    c.lastUsed,
		})
	}
	return s
}
