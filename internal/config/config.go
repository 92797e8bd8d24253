// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Ledger backend names accepted by KAKEHASHI_LEDGER.
const (
	LedgerAuto     = "auto"
	LedgerSQLite   = "sqlite"
	LedgerPostgres = "postgres"
	LedgerNoop     = "noop"
)

// Config holds all application configuration.
type Config struct {
	// Credential manifests, one key per line. A missing file leaves that
	// provider's pool empty; it is not an error.
	OpenAIKeysFile string
	QwenKeysFile   string

	// Gateway settings.
	Provider          string        // pool the agent calls draw from
	BaseTimeout       time.Duration // per-attempt timeout before output scaling
	MaxParallel       int           // global in-flight cap on upstream calls
	Candidates        int           // parallel candidates per agent call
	MaxOutputTokens   int
	RequestsPerMinute int // per-provider pacing; 0 disables
	ErrorThreshold    int // consecutive errors before a credential is evicted

	// Role models. Empty role models fall back to DefaultModel.
	DefaultModel  string
	PlannerModel  string
	CoderModel    string
	ReviewerModel string

	// Ledger settings.
	LedgerBackend string // "auto", "sqlite", "postgres", or "noop"
	SQLitePath    string
	DatabaseURL   string

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string
	OTELInsecure bool

	// Operational settings.
	LogLevel     string
	MockUpstream bool // serve all calls from the in-process mock upstream
	MaxSteps     int  // cap on tasks executed per run
}

// Load reads configuration from environment variables with sensible defaults.
// Every malformed variable is reported, not just the first.
func Load() (Config, error) {
	var errs []error
	collectInt := func(key string, def int) int {
		v, err := envInt(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	collectBool := func(key string, def bool) bool {
		v, err := envBool(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	collectDuration := func(key string, def time.Duration) time.Duration {
		v, err := envDuration(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}

	cfg := Config{
		OpenAIKeysFile:    envStr("KAKEHASHI_OPENAI_KEYS", "API_keys_openai.txt"),
		QwenKeysFile:      envStr("KAKEHASHI_QWEN_KEYS", "API_keys_qwen.txt"),
		Provider:          envStr("KAKEHASHI_PROVIDER", "openai"),
		BaseTimeout:       collectDuration("KAKEHASHI_TIMEOUT", 60*time.Second),
		MaxParallel:       collectInt("KAKEHASHI_MAX_PARALLEL", 5),
		Candidates:        collectInt("KAKEHASHI_CANDIDATES", 3),
		MaxOutputTokens:   collectInt("KAKEHASHI_MAX_TOKENS", 4000),
		RequestsPerMinute: collectInt("KAKEHASHI_RPM", 50),
		ErrorThreshold:    collectInt("KAKEHASHI_ERROR_THRESHOLD", 3),
		DefaultModel:      envStr("KAKEHASHI_MODEL", "deepseek-chat"),
		PlannerModel:      envStr("KAKEHASHI_PLANNER_MODEL", ""),
		CoderModel:        envStr("KAKEHASHI_CODER_MODEL", ""),
		ReviewerModel:     envStr("KAKEHASHI_REVIEWER_MODEL", ""),
		LedgerBackend:     envStr("KAKEHASHI_LEDGER", LedgerAuto),
		SQLitePath:        envStr("KAKEHASHI_SQLITE_PATH", "kakehashi.db"),
		DatabaseURL:       envStr("DATABASE_URL", ""),
		OTELEndpoint:      envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:       envStr("OTEL_SERVICE_NAME", "kakehashi"),
		OTELInsecure:      collectBool("KAKEHASHI_OTEL_INSECURE", false),
		LogLevel:          envStr("KAKEHASHI_LOG_LEVEL", "info"),
		MockUpstream:      collectBool("KAKEHASHI_MOCK", false),
		MaxSteps:          collectInt("KAKEHASHI_MAX_STEPS", 32),
	}
	if len(errs) > 0 {
		return Config{}, fmt.Errorf("config: %w", errors.Join(errs...))
	}

	if cfg.PlannerModel == "" {
		cfg.PlannerModel = cfg.DefaultModel
	}
	if cfg.CoderModel == "" {
		cfg.CoderModel = cfg.DefaultModel
	}
	if cfg.ReviewerModel == "" {
		cfg.ReviewerModel = cfg.DefaultModel
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if c.BaseTimeout <= 0 {
		return fmt.Errorf("config: KAKEHASHI_TIMEOUT must be positive")
	}
	if c.MaxParallel <= 0 {
		return fmt.Errorf("config: KAKEHASHI_MAX_PARALLEL must be positive")
	}
	if c.Candidates <= 0 {
		return fmt.Errorf("config: KAKEHASHI_CANDIDATES must be positive")
	}
	if c.MaxOutputTokens <= 0 {
		return fmt.Errorf("config: KAKEHASHI_MAX_TOKENS must be positive")
	}
	if c.RequestsPerMinute < 0 {
		return fmt.Errorf("config: KAKEHASHI_RPM must not be negative")
	}
	if c.ErrorThreshold <= 0 {
		return fmt.Errorf("config: KAKEHASHI_ERROR_THRESHOLD must be positive")
	}
	if c.MaxSteps <= 0 {
		return fmt.Errorf("config: KAKEHASHI_MAX_STEPS must be positive")
	}
	if c.DefaultModel == "" {
		return fmt.Errorf("config: KAKEHASHI_MODEL must not be empty")
	}
	switch c.LedgerBackend {
	case LedgerAuto, LedgerSQLite, LedgerPostgres, LedgerNoop:
	default:
		return fmt.Errorf("config: KAKEHASHI_LEDGER must be one of auto, sqlite, postgres, noop (got %q)", c.LedgerBackend)
	}
	if c.LedgerBackend == LedgerPostgres && c.DatabaseURL == "" {
		return fmt.Errorf("config: KAKEHASHI_LEDGER=postgres requires DATABASE_URL")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid integer", key, v)
	}
	return n, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s=%q is not a valid boolean", key, v)
	}
	return b, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not a valid duration", key, v)
	}
	return d, nil
}
