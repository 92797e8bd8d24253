package agents

import (
	"context"
	"log/slog"

	"github.com/ashita-ai/kakehashi/internal/taskgraph"
)

// Reviewer assesses a finished run against its goal.
type Reviewer struct {
	agent
}

// NewReviewer creates the review agent. Review calls keep the longest of the
// parallel candidates: a fuller report beats a faster one here.
func NewReviewer(caller Caller, cfg Config, logger *slog.Logger) *Reviewer {
	return &Reviewer{agent: newAgent(RoleReviewer, caller, cfg, longestAnswer, logger)}
}

// Review produces an assessment of the run's task outcomes.
func (r *Reviewer) Review(ctx context.Context, goal string, tasks []taskgraph.Task) (Result, error) {
	return r.ask(ctx, reviewerTurns(goal, tasks))
}
