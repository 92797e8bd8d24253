// keycheck lints the credential manifests before a run.
//
// Usage (run from the repo root):
//
//	go run scripts/keycheck/main.go [manifest ...]
//
// With no arguments it checks the manifests named by KAKEHASHI_OPENAI_KEYS
// and KAKEHASHI_QWEN_KEYS (or their defaults). For each manifest it prints
// one line per admitted credential with its label and sha256 fingerprint,
// the same fingerprint the gateway logs, so ledger rows and log lines can be
// correlated with a key without ever printing the token.
//
// Exits non-zero when a named manifest exists but holds no credentials,
// which is the usual symptom of a file full of comments or stray whitespace.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/kakehashi/internal/config"
	"github.com/ashita-ai/kakehashi/internal/keypool"
)

func main() {
	_ = godotenv.Load()

	// Keep keypool's own logging out of the report.
	quiet := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	paths := os.Args[1:]
	if len(paths) == 0 {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		paths = []string{cfg.OpenAIKeysFile, cfg.QwenKeysFile}
	}

	ok := true
	for _, path := range paths {
		pool := keypool.New("check", 0, quiet)
		n, err := keypool.LoadManifest(pool, path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %s: %v\n", path, err)
			ok = false
			continue
		}
		if _, statErr := os.Stat(path); statErr != nil {
			fmt.Printf("%s: absent (provider pool will be empty)\n", path)
			continue
		}
		if n == 0 {
			fmt.Printf("%s: no credentials admitted\n", path)
			ok = false
			continue
		}

		fmt.Printf("%s: %d credential(s)\n", path, n)
		for _, c := range pool.Stats().Credentials {
			fmt.Printf("  %-16s %s\n", c.Label, c.Fingerprint)
		}
	}

	if !ok {
		os.Exit(1)
	}
}
