// Package orchestrator runs a goal end to end: the planner decomposes it
// into a task graph, the coder works through the ready tasks in dependency
// order, the reviewer assesses the outcome, and the whole run lands in the
// ledger as a report.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kakehashi/internal/agents"
	"github.com/ashita-ai/kakehashi/internal/ledger"
	"github.com/ashita-ai/kakehashi/internal/scheduler"
	"github.com/ashita-ai/kakehashi/internal/taskgraph"
	"github.com/ashita-ai/kakehashi/internal/telemetry"
	"github.com/ashita-ai/kakehashi/internal/upstream"
)

// defaultMaxSteps caps how many tasks one run may execute.
const defaultMaxSteps = 32

// maxDepContextChars caps how much of each prerequisite's output is fed to
// the coder so deep plans stay inside the model's context window.
const maxDepContextChars = 8000

// TaskReport is the terminal state of one task.
type TaskReport struct {
	ID        string
	Summary   string
	Assignee  string
	State     taskgraph.State
	Output    string
	Error     string
	BlockedBy string
}

// Report is the outcome of a whole run.
type Report struct {
	RunID    uuid.UUID
	Goal     string
	Status   string // done, partial, or failed
	Tasks    []TaskReport
	Review   string
	Usage    upstream.Usage
	Started  time.Time
	Finished time.Time
}

// Options wires an Orchestrator. Planner, Coder, and Reviewer are required;
// a nil Ledger defaults to the no-op implementation.
type Options struct {
	Planner  *agents.Planner
	Coder    *agents.Coder
	Reviewer *agents.Reviewer
	Ledger   ledger.Ledger
	MaxSteps int
	Logger   *slog.Logger
}

// Orchestrator coordinates one goal at a time. Concurrent RunGoal calls are
// safe; each run keeps its own graph and usage tally.
type Orchestrator struct {
	planner  *agents.Planner
	coder    *agents.Coder
	reviewer *agents.Reviewer
	ledger   ledger.Ledger
	maxSteps int
	logger   *slog.Logger

	runs     metric.Int64Counter
	duration metric.Float64Histogram
}

// New creates an Orchestrator.
func New(opts Options) *Orchestrator {
	if opts.Ledger == nil {
		opts.Ledger = ledger.Noop{}
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = defaultMaxSteps
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	meter := telemetry.Meter("kakehashi/orchestrator")
	runs, _ := meter.Int64Counter("kakehashi.runs",
		metric.WithDescription("Completed runs by status"))
	duration, _ := meter.Float64Histogram("kakehashi.run.duration",
		metric.WithDescription("Run duration (s)"),
		metric.WithUnit("s"))

	return &Orchestrator{
		planner:  opts.Planner,
		coder:    opts.Coder,
		reviewer: opts.Reviewer,
		ledger:   opts.Ledger,
		maxSteps: opts.MaxSteps,
		logger:   opts.Logger,
		runs:     runs,
		duration: duration,
	}
}

// RunGoal plans the goal and executes the resulting graph.
func (o *Orchestrator) RunGoal(ctx context.Context, goal string) (Report, error) {
	runID := uuid.New()
	started := time.Now()
	o.logger.Info("run started", "run_id", runID, "goal", goal)

	var usage upstream.Usage
	plan, planRes, err := o.planner.Plan(ctx, goal)
	if err != nil {
		o.finishRun(ctx, runID, goal, ledger.RunFailed, nil, usage, started)
		return Report{}, fmt.Errorf("orchestrator: plan goal: %w", err)
	}
	usage.Add(planRes.Usage)

	return o.execute(ctx, runID, plan, usage, started)
}

// RunPlan executes an already-written plan, skipping the planner.
func (o *Orchestrator) RunPlan(ctx context.Context, plan taskgraph.Plan) (Report, error) {
	runID := uuid.New()
	started := time.Now()
	o.logger.Info("run started from plan", "run_id", runID, "goal", plan.Goal, "tasks", len(plan.Tasks))
	return o.execute(ctx, runID, plan, upstream.Usage{}, started)
}

func (o *Orchestrator) execute(ctx context.Context, runID uuid.UUID, plan taskgraph.Plan, usage upstream.Usage, started time.Time) (Report, error) {
	sched, err := scheduler.LoadPlan(plan)
	if err != nil {
		o.finishRun(ctx, runID, plan.Goal, ledger.RunFailed, nil, usage, started)
		return Report{}, fmt.Errorf("orchestrator: load plan: %w", err)
	}
	goal := sched.Goal()

	step := 0
	for step < o.maxSteps && !sched.Finished() {
		if ctx.Err() != nil {
			o.logger.Warn("run interrupted", "run_id", runID, "error", ctx.Err())
			break
		}

		task, ok := sched.NextTask()
		if !ok {
			// Unfinished with nothing ready cannot happen on a validated
			// graph driven by this loop alone.
			o.logger.Warn("no ready task on an unfinished graph", "run_id", runID)
			break
		}

		step++
		o.logger.Info("task started",
			"run_id", runID, "step", step, "task", task.ID, "assignee", task.Assignee)

		res, taskErr := o.executeTask(ctx, goal, sched, task)
		if taskErr != nil {
			o.logger.Warn("task failed", "run_id", runID, "task", task.ID, "error", taskErr)
			if err := sched.MarkFailed(task.ID, taskErr.Error()); err != nil {
				return Report{}, fmt.Errorf("orchestrator: mark %q failed: %w", task.ID, err)
			}
			continue
		}

		usage.Add(res.Usage)
		outputs := map[string]string{"result": res.Text}
		if res.Model != "" {
			outputs["model"] = res.Model
		}
		if err := sched.MarkDone(task.ID, outputs); err != nil {
			return Report{}, fmt.Errorf("orchestrator: mark %q done: %w", task.ID, err)
		}
		o.logger.Info("task done", "run_id", runID, "task", task.ID, "output_chars", len(res.Text))
	}

	progress := sched.Progress()
	review := ""
	if progress.Done > 0 && ctx.Err() == nil {
		res, revErr := o.reviewer.Review(ctx, goal, sched.Tasks())
		if revErr != nil {
			// A run that did its work still reports without a review.
			o.logger.Warn("review pass failed", "run_id", runID, "error", revErr)
		} else {
			usage.Add(res.Usage)
			review = res.Text
		}
	}

	status := runStatus(sched)
	report := Report{
		RunID:    runID,
		Goal:     goal,
		Status:   status,
		Tasks:    taskReports(sched.Tasks()),
		Review:   review,
		Usage:    usage,
		Started:  started,
		Finished: time.Now(),
	}
	o.finishRun(ctx, runID, goal, status, sched, usage, started)
	o.logger.Info("run finished",
		"run_id", runID,
		"status", status,
		"tasks_done", progress.Done,
		"tasks_failed", progress.Failed,
		"tasks_blocked", progress.Blocked,
		"total_tokens", usage.TotalTokens,
		"duration", report.Finished.Sub(started))
	return report, nil
}

// executeTask routes a task to its assignee. Review tasks get the work done
// so far; everything else is treated as a coding task.
func (o *Orchestrator) executeTask(ctx context.Context, goal string, sched *scheduler.Scheduler, task taskgraph.Task) (agents.Result, error) {
	switch agents.Role(task.Assignee) {
	case agents.RoleReviewer:
		return o.reviewer.Review(ctx, goal, sched.Tasks())
	default:
		return o.coder.Implement(ctx, goal, task, depContext(sched, task))
	}
}

// depContext renders the outputs of a task's completed prerequisites.
func depContext(sched *scheduler.Scheduler, task taskgraph.Task) string {
	var b strings.Builder
	for _, depID := range task.DependsOn {
		dep, ok := sched.Task(depID)
		if !ok || dep.State != taskgraph.StateDone {
			continue
		}
		out := dep.Outputs["result"]
		if out == "" {
			continue
		}
		if len(out) > maxDepContextChars {
			out = out[:maxDepContextChars] + "\n[truncated]"
		}
		fmt.Fprintf(&b, "### %s: %s\n%s\n\n", dep.ID, dep.Summary, out)
	}
	return strings.TrimSpace(b.String())
}

func runStatus(sched *scheduler.Scheduler) string {
	p := sched.Progress()
	switch {
	case sched.AllDone():
		return ledger.RunDone
	case p.Done > 0:
		return ledger.RunPartial
	default:
		return ledger.RunFailed
	}
}

func taskReports(tasks []taskgraph.Task) []TaskReport {
	out := make([]TaskReport, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, TaskReport{
			ID:        t.ID,
			Summary:   t.Summary,
			Assignee:  t.Assignee,
			State:     t.State,
			Output:    t.Outputs["result"],
			Error:     t.Outputs["error"],
			BlockedBy: t.Outputs["blocked_by"],
		})
	}
	return out
}

// finishRun records the run row and instruments. The write uses a detached
// context so a canceled run still lands in the ledger.
func (o *Orchestrator) finishRun(ctx context.Context, runID uuid.UUID, goal, status string, sched *scheduler.Scheduler, usage upstream.Usage, started time.Time) {
	finished := time.Now()
	run := ledger.Run{
		ID:               runID,
		Goal:             goal,
		Status:           status,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
		StartedAt:        started,
		FinishedAt:       finished,
	}
	if sched != nil {
		p := sched.Progress()
		run.TasksTotal = p.Total
		run.TasksDone = p.Done
		run.TasksFailed = p.Failed
		run.TasksBlocked = p.Blocked
	}
	if err := o.ledger.RecordRun(context.WithoutCancel(ctx), run); err != nil {
		o.logger.Warn("record run", "run_id", runID, "error", err)
	}

	attrs := metric.WithAttributes(attribute.String("status", status))
	o.runs.Add(ctx, 1, attrs)
	o.duration.Record(ctx, finished.Sub(started).Seconds(), attrs)
}
