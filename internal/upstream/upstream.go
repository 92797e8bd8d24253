// Package upstream implements the two wire protocols spoken by LLM
// completion endpoints.
//
// The turn protocol posts role/content messages to /chat/completions; the
// flattened protocol renders the conversation into a single input string and
// posts it to /responses. Which protocol (and which token fields) a model
// uses is decided by the catalog before a request reaches this package.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/ashita-ai/kakehashi/internal/catalog"
)

// Reasoning effort levels accepted by reasoning-class models.
const (
	EffortLow    = "low"
	EffortMedium = "medium"
	EffortHigh   = "high"
)

// maxResponseBytes bounds how much of an upstream response body is read.
const maxResponseBytes = 4 << 20

// Turn is one conversation message.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage is the token accounting for one call. Flattened-protocol responses
// report input/output tokens; those map onto prompt/completion here.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Add accumulates another call's usage into u.
func (u *Usage) Add(other Usage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// Request is a single upstream call, already resolved to a wire profile.
type Request struct {
	Profile         catalog.Profile
	Turns           []Turn
	MaxOutputTokens int
	Effort          string   // reasoning effort; empty means medium
	Temperature     *float64 // standard-class models only
}

// Response is the normalized result of one upstream call. An empty Text is a
// successful response, never an error.
type Response struct {
	Text         string
	Model        string
	Usage        Usage
	FinishReason string
}

// Client speaks both wire protocols over a shared HTTP client.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a protocol client. A nil httpClient uses a default one;
// per-call deadlines come from the caller's context, not the client.
func NewClient(httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{httpClient: httpClient, logger: logger}
}

// Call issues one upstream request against baseURL using the wire protocol
// from the request's profile.
func (c *Client) Call(ctx context.Context, baseURL, token string, req Request) (Response, error) {
	switch req.Profile.Wire {
	case catalog.WireFlattened:
		return c.callFlattened(ctx, baseURL, token, req)
	default:
		return c.callTurns(ctx, baseURL, token, req)
	}
}

// apiError is the JSON error envelope shared by both protocols.
type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type errorEnvelope struct {
	Error *apiError `json:"error"`
}

// post sends a JSON payload and returns the response body for 2xx statuses.
// Non-2xx responses are turned into errors carrying the upstream message
// when one is present.
func (c *Client) post(ctx context.Context, url, token string, payload any) ([]byte, error) {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("upstream: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("upstream: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("upstream: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var envelope errorEnvelope
		if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error != nil {
			return nil, fmt.Errorf("upstream: status %d: %s: %s",
				resp.StatusCode, envelope.Error.Type, envelope.Error.Message)
		}
		return nil, fmt.Errorf("upstream: unexpected status %d: %s", resp.StatusCode, snippet(body))
	}
	return body, nil
}

// snippet truncates a body for error messages.
func snippet(body []byte) string {
	const max = 200
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}

// coalesce returns the first non-empty string.
func coalesce(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
