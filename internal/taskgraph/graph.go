// Package taskgraph holds a dependency-ordered plan of tasks and tracks
// their execution state.
//
// The dependency structure is validated once at build time (unknown ids,
// duplicates, self-loops, cycles) and immutable afterwards; only task
// states move. When a task fails, every transitive dependent that is still
// pending becomes blocked immediately, so a runner can keep scheduling the
// unaffected remainder of the plan.
package taskgraph

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// State is a task's execution state.
type State string

const (
	StatePending State = "PENDING"
	StateDone    State = "DONE"
	StateFailed  State = "FAILED"
	StateBlocked State = "BLOCKED"
)

var (
	// ErrCycle means the dependency structure is not a DAG (includes
	// self-loops).
	ErrCycle = errors.New("taskgraph: dependency cycle")

	// ErrUnknownTask means an id does not name a task in the graph.
	ErrUnknownTask = errors.New("taskgraph: unknown task")

	// ErrDuplicateTask means two tasks share an id.
	ErrDuplicateTask = errors.New("taskgraph: duplicate task")

	// ErrBadTransition means a state change was requested on a task that
	// is not pending.
	ErrBadTransition = errors.New("taskgraph: invalid state transition")
)

// Task is one unit of work in a plan.
type Task struct {
	ID        string
	Summary   string
	Assignee  string
	DependsOn []string
	State     State
	Outputs   map[string]string
}

func (t *Task) clone() Task {
	out := *t
	out.DependsOn = append([]string(nil), t.DependsOn...)
	if t.Outputs != nil {
		out.Outputs = make(map[string]string, len(t.Outputs))
		for k, v := range t.Outputs {
			out.Outputs[k] = v
		}
	}
	return out
}

// Graph tracks task states over an immutable dependency structure.
// Safe for concurrent use.
type Graph struct {
	mu         sync.Mutex
	tasks      map[string]*Task
	order      []string            // insertion order
	dependents map[string][]string // reverse edges, insertion order
}

// New builds and validates a graph. Every task starts pending. It rejects
// empty plans, blank or duplicate ids, dependencies on unknown ids,
// self-loops, and cycles.
func New(tasks []Task) (*Graph, error) {
	if len(tasks) == 0 {
		return nil, errors.New("taskgraph: no tasks")
	}

	g := &Graph{
		tasks:      make(map[string]*Task, len(tasks)),
		dependents: make(map[string][]string),
	}

	for _, t := range tasks {
		if t.ID == "" {
			return nil, errors.New("taskgraph: task id is required")
		}
		if _, exists := g.tasks[t.ID]; exists {
			return nil, fmt.Errorf("%w %q", ErrDuplicateTask, t.ID)
		}
		stored := t.clone()
		stored.State = StatePending
		stored.Outputs = nil
		g.tasks[t.ID] = &stored
		g.order = append(g.order, t.ID)
	}

	for _, id := range g.order {
		t := g.tasks[id]
		for _, dep := range t.DependsOn {
			if dep == id {
				return nil, fmt.Errorf("%w: task %q depends on itself", ErrCycle, id)
			}
			if _, ok := g.tasks[dep]; !ok {
				return nil, fmt.Errorf("%w %q (dependency of %q)", ErrUnknownTask, dep, id)
			}
			g.dependents[dep] = append(g.dependents[dep], id)
		}
	}

	if path := g.findCycle(); len(path) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrCycle, strings.Join(path, " -> "))
	}
	return g, nil
}

// findCycle runs a colored DFS in insertion order and returns one cycle
// as a witness path, or nil when the graph is acyclic.
func (g *Graph) findCycle() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.tasks))
	parent := make(map[string]string, len(g.tasks))

	var cycle []string
	var dfs func(id string) bool
	dfs = func(id string) bool {
		color[id] = gray
		for _, next := range g.tasks[id].DependsOn {
			switch color[next] {
			case white:
				parent[next] = id
				if dfs(next) {
					return true
				}
			case gray:
				// Back edge id -> next closes a cycle.
				cycle = append(cycle, next)
				for cur := id; ; cur = parent[cur] {
					cycle = append(cycle, cur)
					if cur == next {
						break
					}
				}
				return true
			}
		}
		color[id] = black
		return false
	}

	for _, id := range g.order {
		if color[id] == white && dfs(id) {
			break
		}
	}
	return cycle
}

// Len returns the number of tasks.
func (g *Graph) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.order)
}

// Get returns a snapshot of one task.
func (g *Graph) Get(id string) (Task, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.tasks[id]
	if !ok {
		return Task{}, false
	}
	return t.clone(), true
}

// Tasks returns snapshots of all tasks in insertion order.
func (g *Graph) Tasks() []Task {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Task, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.tasks[id].clone())
	}
	return out
}

// Ready returns snapshots of the pending tasks whose dependencies are all
// done, in insertion order.
func (g *Graph) Ready() []Task {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.readyLocked()
}

func (g *Graph) readyLocked() []Task {
	var out []Task
	for _, id := range g.order {
		t := g.tasks[id]
		if t.State != StatePending {
			continue
		}
		ready := true
		for _, dep := range t.DependsOn {
			if g.tasks[dep].State != StateDone {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, t.clone())
		}
	}
	return out
}

// MarkDone transitions a pending task to done, recording its outputs.
func (g *Graph) MarkDone(id string, outputs map[string]string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tasks[id]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownTask, id)
	}
	if t.State != StatePending {
		return fmt.Errorf("%w: %q is %s", ErrBadTransition, id, t.State)
	}
	t.State = StateDone
	if len(outputs) > 0 {
		t.Outputs = make(map[string]string, len(outputs))
		for k, v := range outputs {
			t.Outputs[k] = v
		}
	}
	return nil
}

// MarkFailed transitions a pending task to failed (reason lands in
// outputs["error"]) and blocks every transitive dependent that is still
// pending. Blocked tasks record the failed task's id in
// outputs["blocked_by"].
func (g *Graph) MarkFailed(id, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.tasks[id]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownTask, id)
	}
	if t.State != StatePending {
		return fmt.Errorf("%w: %q is %s", ErrBadTransition, id, t.State)
	}
	t.State = StateFailed
	t.Outputs = map[string]string{"error": reason}

	// Breadth-first over reverse edges; only pending tasks flip, and they
	// all record the root failure, so traversal order does not matter.
	visited := map[string]bool{id: true}
	queue := append([]string(nil), g.dependents[id]...)
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if visited[cur] {
			continue
		}
		visited[cur] = true

		d := g.tasks[cur]
		if d.State == StatePending {
			d.State = StateBlocked
			d.Outputs = map[string]string{"blocked_by": id}
		}
		queue = append(queue, g.dependents[cur]...)
	}
	return nil
}

// AllDone reports whether every task is done.
func (g *Graph) AllDone() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range g.order {
		if g.tasks[id].State != StateDone {
			return false
		}
	}
	return true
}

// Finished reports whether no task can make progress: either everything is
// terminal, or the remaining pending tasks sit behind failures. A runner
// stops when this turns true.
func (g *Graph) Finished() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.readyLocked()) == 0
}

// Counts returns the number of tasks per state.
func (g *Graph) Counts() (pending, done, failed, blocked int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range g.order {
		switch g.tasks[id].State {
		case StateDone:
			done++
		case StateFailed:
			failed++
		case StateBlocked:
			blocked++
		default:
			pending++
		}
	}
	return pending, done, failed, blocked
}
