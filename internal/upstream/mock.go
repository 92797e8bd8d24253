package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Mock is an in-process upstream speaking both wire protocols with
// deterministic echo responses. It backs mock mode: the gateway points a
// provider endpoint at Mock.URL when no real credentials are configured.
type Mock struct {
	URL string

	srv    *http.Server
	logger *slog.Logger
}

// StartMock listens on a loopback port and serves both protocol endpoints.
func StartMock(logger *slog.Logger) (*Mock, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("upstream: mock listen: %w", err)
	}

	m := &Mock{
		URL:    "http://" + ln.Addr().String(),
		logger: logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat/completions", m.handleTurns)
	mux.HandleFunc("POST /responses", m.handleFlattened)

	m.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := m.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Warn("upstream: mock server stopped", "error", err)
		}
	}()

	logger.Info("upstream: mock endpoint started", "url", m.URL)
	return m, nil
}

// Close shuts the mock server down.
func (m *Mock) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return m.srv.Shutdown(ctx)
}

// mockText mirrors the conversation back, truncated, so callers can see what
// would have been sent without spending tokens.
func mockText(rendered string) string {
	const max = 512
	if len(rendered) > max {
		rendered = rendered[:max]
	}
	return "[MOCKED RESPONSE]\n" + rendered
}

func (m *Mock) handleTurns(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":{"message":"bad request","type":"invalid_request_error"}}`, http.StatusBadRequest)
		return
	}

	text := mockText(FlattenTurns(req.Messages))
	resp := map[string]any{
		"model": req.Model,
		"choices": []map[string]any{
			{
				"message":       map[string]any{"role": "assistant", "content": text},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int{
			"prompt_tokens":     len(FlattenTurns(req.Messages)) / 4,
			"completion_tokens": len(text) / 4,
			"total_tokens":      (len(FlattenTurns(req.Messages)) + len(text)) / 4,
		},
	}
	writeJSON(w, resp)
}

func (m *Mock) handleFlattened(w http.ResponseWriter, r *http.Request) {
	var req flatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":{"message":"bad request","type":"invalid_request_error"}}`, http.StatusBadRequest)
		return
	}

	text := mockText(req.Input)
	resp := map[string]any{
		"model":  req.Model,
		"status": "completed",
		"output": []map[string]any{
			{
				"type": "message",
				"content": []map[string]any{
					{"type": "output_text", "text": text},
				},
			},
		},
		"usage": map[string]int{
			"input_tokens":  len(req.Input) / 4,
			"output_tokens": len(text) / 4,
			"total_tokens":  (len(req.Input) + len(text)) / 4,
		},
	}
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
