package agents

import (
	"context"
	"log/slog"
	"strings"

	"github.com/ashita-ai/kakehashi/internal/taskgraph"
)

// Planner turns a goal into a task plan.
type Planner struct {
	agent
}

// NewPlanner creates the planning agent.
func NewPlanner(caller Caller, cfg Config, logger *slog.Logger) *Planner {
	return &Planner{agent: newAgent(RolePlanner, caller, cfg, firstNonEmpty, logger)}
}

// Plan asks the model to decompose the goal. Model output that cannot be
// parsed, or that fails graph validation, degrades to a single-task plan
// instead of failing the run; only gateway errors propagate.
func (p *Planner) Plan(ctx context.Context, goal string) (taskgraph.Plan, Result, error) {
	res, err := p.ask(ctx, plannerTurns(goal))
	if err != nil {
		return taskgraph.Plan{}, Result{}, err
	}

	plan, perr := taskgraph.ParsePlan([]byte(extractStructured(res.Text)))
	if perr != nil || len(plan.Tasks) == 0 {
		p.logger.Warn("planner output unparseable, using single-task plan", "error", perr)
		return fallbackPlan(goal), res, nil
	}

	if plan.Goal == "" {
		plan.Goal = goal
	}
	for i := range plan.Tasks {
		if plan.Tasks[i].Assignee == "" {
			plan.Tasks[i].Assignee = string(RoleCoder)
		}
	}

	// Dry-build the graph so a bad plan surfaces here, not mid-run.
	if _, gerr := taskgraph.FromPlan(plan); gerr != nil {
		p.logger.Warn("planner produced an invalid graph, using single-task plan", "error", gerr)
		return fallbackPlan(goal), res, nil
	}
	return plan, res, nil
}

func fallbackPlan(goal string) taskgraph.Plan {
	return taskgraph.Plan{
		Version: 1,
		Goal:    goal,
		Tasks: []taskgraph.PlanTask{
			{ID: "task-1", Summary: goal, Assignee: string(RoleCoder)},
		},
	}
}

// extractStructured pulls the machine-readable part out of model output.
// Models wrap JSON in markdown fences or pad it with prose more often than
// not, so strip a fence if present, then cut from the first opening brace to
// the last closing one.
func extractStructured(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		// Skip a language tag like "json" or "yaml" on the fence line.
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			rest = rest[nl+1:]
		}
		if j := strings.Index(rest, "```"); j >= 0 {
			rest = rest[:j]
		}
		s = strings.TrimSpace(rest)
	}
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
