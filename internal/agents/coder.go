package agents

import (
	"context"
	"log/slog"

	"github.com/ashita-ai/kakehashi/internal/taskgraph"
)

// Coder produces the artifact for a single task.
type Coder struct {
	agent
}

// NewCoder creates the coding agent.
func NewCoder(caller Caller, cfg Config, logger *slog.Logger) *Coder {
	return &Coder{agent: newAgent(RoleCoder, caller, cfg, firstNonEmpty, logger)}
}

// Implement executes one task. depContext carries the outputs of the task's
// completed prerequisites, rendered by the orchestrator.
func (c *Coder) Implement(ctx context.Context, goal string, task taskgraph.Task, depContext string) (Result, error) {
	return c.ask(ctx, coderTurns(goal, task, depContext))
}
