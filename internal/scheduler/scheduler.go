// Package scheduler drives execution over a task graph. It hands out one
// ready task at a time in plan order and reports progress, leaving all state
// transitions to the graph itself.
package scheduler

import (
	"github.com/ashita-ai/kakehashi/internal/taskgraph"
)

// Scheduler is a thin execution wrapper around a validated task graph.
type Scheduler struct {
	goal  string
	graph *taskgraph.Graph
}

// Progress is a snapshot of how far a run has come.
type Progress struct {
	Total   int
	Pending int
	Done    int
	Failed  int
	Blocked int
}

// New wraps an already-built graph.
func New(goal string, g *taskgraph.Graph) *Scheduler {
	return &Scheduler{goal: goal, graph: g}
}

// LoadPlan builds a scheduler straight from planner output.
func LoadPlan(plan taskgraph.Plan) (*Scheduler, error) {
	g, err := taskgraph.FromPlan(plan)
	if err != nil {
		return nil, err
	}
	return New(plan.Goal, g), nil
}

// Goal returns the objective this plan was made for.
func (s *Scheduler) Goal() string { return s.goal }

// NextTask returns the first ready task, or false when nothing is ready.
// A false return with Finished() == false means tasks are still in flight
// elsewhere or the caller forgot to mark one done.
func (s *Scheduler) NextTask() (taskgraph.Task, bool) {
	ready := s.graph.Ready()
	if len(ready) == 0 {
		return taskgraph.Task{}, false
	}
	return ready[0], true
}

// MarkDone records a completed task and its outputs.
func (s *Scheduler) MarkDone(id string, outputs map[string]string) error {
	return s.graph.MarkDone(id, outputs)
}

// MarkFailed records a failed task. Dependents are blocked by the graph.
func (s *Scheduler) MarkFailed(id, reason string) error {
	return s.graph.MarkFailed(id, reason)
}

// Finished reports whether the run can make no further progress.
func (s *Scheduler) Finished() bool { return s.graph.Finished() }

// AllDone reports whether every task completed successfully.
func (s *Scheduler) AllDone() bool { return s.graph.AllDone() }

// Task looks up a single task snapshot by id.
func (s *Scheduler) Task(id string) (taskgraph.Task, bool) { return s.graph.Get(id) }

// Tasks returns snapshots of every task in plan order.
func (s *Scheduler) Tasks() []taskgraph.Task { return s.graph.Tasks() }

// Progress counts tasks by state.
func (s *Scheduler) Progress() Progress {
	pending, done, failed, blocked := s.graph.Counts()
	return Progress{
		Total:   s.graph.Len(),
		Pending: pending,
		Done:    done,
		Failed:  failed,
		Blocked: blocked,
	}
}
