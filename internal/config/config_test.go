package config

import (
	"strings"
	"testing"
	"time"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	// TEST_INT_MISSING is not set.
	v, err := envInt("TEST_INT_MISSING", 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-integer value, got nil")
	}
	if got := err.Error(); got != `TEST_INT_BAD="abc" is not a valid integer` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvBoolValid(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	v, err := envBool("TEST_BOOL", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v {
		t.Fatal("expected true")
	}
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	if err == nil {
		t.Fatal("expected error for non-boolean value, got nil")
	}
	if got := err.Error(); got != `TEST_BOOL_BAD="maybe" is not a valid boolean` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvDurationValid(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	v, err := envDuration("TEST_DUR", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Seconds() != 5 {
		t.Fatalf("expected 5s, got %s", v)
	}
}

func TestEnvDurationInvalid(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err := envDuration("TEST_DUR_BAD", 0)
	if err == nil {
		t.Fatal("expected error for invalid duration, got nil")
	}
	if got := err.Error(); got != `TEST_DUR_BAD="five-seconds" is not a valid duration` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	// With no env vars set, Load should succeed using all defaults.
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.BaseTimeout != 60*time.Second {
		t.Fatalf("expected default timeout 60s, got %s", cfg.BaseTimeout)
	}
	if cfg.MaxParallel != 5 {
		t.Fatalf("expected default max parallel 5, got %d", cfg.MaxParallel)
	}
	if cfg.Candidates != 3 {
		t.Fatalf("expected default candidates 3, got %d", cfg.Candidates)
	}
	if cfg.MaxOutputTokens != 4000 {
		t.Fatalf("expected default max tokens 4000, got %d", cfg.MaxOutputTokens)
	}
	if cfg.RequestsPerMinute != 50 {
		t.Fatalf("expected default rpm 50, got %d", cfg.RequestsPerMinute)
	}
	if cfg.ErrorThreshold != 3 {
		t.Fatalf("expected default error threshold 3, got %d", cfg.ErrorThreshold)
	}
	if cfg.OpenAIKeysFile != "API_keys_openai.txt" {
		t.Fatalf("unexpected openai manifest default: %s", cfg.OpenAIKeysFile)
	}
	if cfg.QwenKeysFile != "API_keys_qwen.txt" {
		t.Fatalf("unexpected qwen manifest default: %s", cfg.QwenKeysFile)
	}
	if cfg.DefaultModel != "deepseek-chat" {
		t.Fatalf("unexpected default model: %s", cfg.DefaultModel)
	}
	if cfg.LedgerBackend != LedgerAuto {
		t.Fatalf("expected ledger auto, got %s", cfg.LedgerBackend)
	}
}

func TestLoadFailsOnInvalidTimeout(t *testing.T) {
	t.Setenv("KAKEHASHI_TIMEOUT", "soon")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with invalid KAKEHASHI_TIMEOUT")
	}
	// Error should mention the variable name and value.
	if got := err.Error(); !strings.Contains(got, "KAKEHASHI_TIMEOUT") || !strings.Contains(got, "soon") {
		t.Fatalf("error should mention KAKEHASHI_TIMEOUT and value 'soon', got: %s", got)
	}
}

func TestLoadFailsOnMultipleInvalid(t *testing.T) {
	t.Setenv("KAKEHASHI_MAX_PARALLEL", "abc")
	t.Setenv("KAKEHASHI_RPM", "xyz")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with multiple invalid vars")
	}
	got := err.Error()
	if !strings.Contains(got, "KAKEHASHI_MAX_PARALLEL") {
		t.Fatalf("error should mention KAKEHASHI_MAX_PARALLEL, got: %s", got)
	}
	if !strings.Contains(got, "KAKEHASHI_RPM") {
		t.Fatalf("error should mention KAKEHASHI_RPM, got: %s", got)
	}
}

func TestRoleModelsFallBackToDefault(t *testing.T) {
	t.Setenv("KAKEHASHI_MODEL", "qwen-max")
	t.Setenv("KAKEHASHI_REVIEWER_MODEL", "gpt-5-mini")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.PlannerModel != "qwen-max" {
		t.Fatalf("planner should fall back to the default model, got %s", cfg.PlannerModel)
	}
	if cfg.CoderModel != "qwen-max" {
		t.Fatalf("coder should fall back to the default model, got %s", cfg.CoderModel)
	}
	if cfg.ReviewerModel != "gpt-5-mini" {
		t.Fatalf("explicit reviewer model should win, got %s", cfg.ReviewerModel)
	}
}

func TestValidateRejectsUnknownLedger(t *testing.T) {
	t.Setenv("KAKEHASHI_LEDGER", "etcd")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to reject an unknown ledger backend")
	}
	if !strings.Contains(err.Error(), "KAKEHASHI_LEDGER") {
		t.Fatalf("error should mention KAKEHASHI_LEDGER, got: %s", err)
	}
}

func TestValidatePostgresRequiresDSN(t *testing.T) {
	t.Setenv("KAKEHASHI_LEDGER", "postgres")
	t.Setenv("DATABASE_URL", "")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to require DATABASE_URL for the postgres ledger")
	}
	if !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Fatalf("error should mention DATABASE_URL, got: %s", err)
	}
}

func TestValidateRejectsZeroThreshold(t *testing.T) {
	t.Setenv("KAKEHASHI_ERROR_THRESHOLD", "0")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to reject a zero eviction threshold")
	}
}
