package taskgraph

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Plan is the on-disk task list. YAML is the canonical format; JSON plans
// parse through the same path since YAML is a superset.
type Plan struct {
	Version int        `yaml:"version"`
	Goal    string     `yaml:"goal,omitempty"`
	Tasks   []PlanTask `yaml:"tasks"`
}

// PlanTask is one task entry in a plan document.
type PlanTask struct {
	ID        string   `yaml:"id"`
	Summary   string   `yaml:"summary"`
	Assignee  string   `yaml:"assignee,omitempty"`
	DependsOn []string `yaml:"depends_on,omitempty"`
}

// ParsePlan decodes a plan document.
func ParsePlan(data []byte) (Plan, error) {
	var p Plan
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Plan{}, fmt.Errorf("taskgraph: parse plan: %w", err)
	}
	return p, nil
}

// ReadPlanFile reads and decodes a plan document from disk.
func ReadPlanFile(path string) (Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Plan{}, fmt.Errorf("taskgraph: read plan: %w", err)
	}
	return ParsePlan(data)
}

// FromPlan builds a validated graph from a decoded plan.
func FromPlan(p Plan) (*Graph, error) {
	tasks := make([]Task, 0, len(p.Tasks))
	for _, pt := range p.Tasks {
		tasks = append(tasks, Task{
			ID:        pt.ID,
			Summary:   pt.Summary,
			Assignee:  pt.Assignee,
			DependsOn: pt.DependsOn,
		})
	}
	return New(tasks)
}
