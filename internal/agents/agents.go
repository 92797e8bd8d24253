// Package agents implements the planner, coder, and reviewer personas that
// drive a run. Each agent renders its task into conversation turns, fans the
// call out through the gateway for candidate answers, and distills them into
// a single result.
package agents

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashita-ai/kakehashi/internal/gateway"
	"github.com/ashita-ai/kakehashi/internal/upstream"
)

// Role identifies which persona handles a task.
type Role string

const (
	RolePlanner  Role = "planner"
	RoleCoder    Role = "coder"
	RoleReviewer Role = "reviewer"
)

// Caller is the slice of the gateway dispatcher the agents use.
type Caller interface {
	CallParallel(ctx context.Context, req gateway.Request) ([]gateway.Result, error)
}

// Config describes how one agent talks to the gateway.
type Config struct {
	Provider        string // credential pool the calls draw from
	Model           string
	Candidates      int // parallel candidates per call; <= 0 means 1
	MaxOutputTokens int
	Temperature     *float64
}

// Result is one agent answer. Usage covers every candidate that was issued,
// not just the one that won.
type Result struct {
	Text  string
	Model string
	Usage upstream.Usage
}

// pickFunc selects the winning candidate from a non-empty result set.
type pickFunc func(results []gateway.Result) (gateway.Result, bool)

type agent struct {
	role   Role
	caller Caller
	cfg    Config
	pick   pickFunc
	logger *slog.Logger
}

func newAgent(role Role, caller Caller, cfg Config, pick pickFunc, logger *slog.Logger) agent {
	if logger == nil {
		logger = slog.Default()
	}
	return agent{role: role, caller: caller, cfg: cfg, pick: pick, logger: logger}
}

// ask issues one fan-out call and reduces the candidates to a single answer.
func (a agent) ask(ctx context.Context, turns []upstream.Turn) (Result, error) {
	results, err := a.caller.CallParallel(ctx, gateway.Request{
		Provider:        a.cfg.Provider,
		Model:           a.cfg.Model,
		Turns:           turns,
		FanOut:          a.cfg.Candidates,
		MaxOutputTokens: a.cfg.MaxOutputTokens,
		Temperature:     a.cfg.Temperature,
	})
	if err != nil {
		return Result{}, fmt.Errorf("agents: %s: %w", a.role, err)
	}

	var usage upstream.Usage
	for _, r := range results {
		usage.Add(r.Usage)
	}

	winner, ok := a.pick(results)
	if !ok {
		return Result{}, fmt.Errorf("agents: %s: %d candidates, none usable", a.role, len(results))
	}
	a.logger.Debug("agent call settled",
		"role", a.role,
		"model", winner.Model,
		"candidates", len(results),
		"winner_attempt", winner.Attempt,
		"total_tokens", usage.TotalTokens)
	return Result{Text: winner.Text, Model: winner.Model, Usage: usage}, nil
}

// firstNonEmpty takes the earliest candidate with actual content. Results
// arrive in issue order, so this is deterministic.
func firstNonEmpty(results []gateway.Result) (gateway.Result, bool) {
	for _, r := range results {
		if r.Text != "" {
			return r, true
		}
	}
	return gateway.Result{}, false
}

// longestAnswer takes the candidate with the most content. Ties go to the
// earlier attempt.
func longestAnswer(results []gateway.Result) (gateway.Result, bool) {
	best := -1
	for i, r := range results {
		if r.Text == "" {
			continue
		}
		if best < 0 || len(r.Text) > len(results[best].Text) {
			best = i
		}
	}
	if best < 0 {
		return gateway.Result{}, false
	}
	return results[best], true
}
