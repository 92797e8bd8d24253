// Package ratelimit paces outbound calls with a pluggable limiter.
//
// The default implementation is an in-memory token bucket keyed by an
// opaque string (the gateway uses one key per provider). Deployments that
// coordinate several instances can substitute their own implementation —
// the Limiter interface is the contract.
package ratelimit

import "context"

// Limiter paces requests identified by key.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Wait blocks until the request identified by key may proceed, or
	// until ctx is done. The key is opaque — callers construct it
	// (e.g. "provider:openai"). A nil return means the caller may send.
	Wait(ctx context.Context, key string) error

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter never delays. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Wait returns immediately.
func (NoopLimiter) Wait(context.Context, string) error { return nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
