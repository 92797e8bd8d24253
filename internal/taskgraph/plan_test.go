package taskgraph_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kakehashi/internal/taskgraph"
)

const samplePlan = `
version: 1
goal: ship the widget
tasks:
  - id: design
    summary: sketch the widget API
    assignee: planner
  - id: build
    summary: implement the widget
    assignee: coder
    depends_on: [design]
  - id: review
    summary: review the implementation
    assignee: reviewer
    depends_on: [build]
`

func TestParsePlanYAML(t *testing.T) {
	plan, err := taskgraph.ParsePlan([]byte(samplePlan))
	require.NoError(t, err)

	assert.Equal(t, 1, plan.Version)
	assert.Equal(t, "ship the widget", plan.Goal)
	require.Len(t, plan.Tasks, 3)
	assert.Equal(t, "design", plan.Tasks[0].ID)
	assert.Equal(t, "coder", plan.Tasks[1].Assignee)
	assert.Equal(t, []string{"build"}, plan.Tasks[2].DependsOn)
}

func TestParsePlanAcceptsJSON(t *testing.T) {
	// YAML is a superset of JSON, so model output in either shape loads.
	raw := `{"goal": "quick fix", "tasks": [{"id": "t1", "summary": "patch it"}]}`
	plan, err := taskgraph.ParsePlan([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "quick fix", plan.Goal)
	require.Len(t, plan.Tasks, 1)
	assert.Equal(t, "t1", plan.Tasks[0].ID)
}

func TestParsePlanRejectsGarbage(t *testing.T) {
	_, err := taskgraph.ParsePlan([]byte("\t{not yaml at all"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "taskgraph: parse plan")
}

func TestReadPlanFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(samplePlan), 0o644))

	plan, err := taskgraph.ReadPlanFile(path)
	require.NoError(t, err)
	assert.Equal(t, "ship the widget", plan.Goal)
	assert.Len(t, plan.Tasks, 3)

	_, err = taskgraph.ReadPlanFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestFromPlanBuildsGraph(t *testing.T) {
	plan, err := taskgraph.ParsePlan([]byte(samplePlan))
	require.NoError(t, err)

	g, err := taskgraph.FromPlan(plan)
	require.NoError(t, err)

	assert.Equal(t, 3, g.Len())
	assert.Equal(t, []string{"design"}, ids(g.Ready()))

	design, ok := g.Get("design")
	require.True(t, ok)
	assert.Equal(t, "sketch the widget API", design.Summary)
	assert.Equal(t, "planner", design.Assignee)
	assert.Equal(t, taskgraph.StatePending, design.State)
}

func TestFromPlanValidates(t *testing.T) {
	plan := taskgraph.Plan{
		Goal: "broken",
		Tasks: []taskgraph.PlanTask{
			{ID: "a", Summary: "first", DependsOn: []string{"b"}},
			{ID: "b", Summary: "second", DependsOn: []string{"a"}},
		},
	}
	_, err := taskgraph.FromPlan(plan)
	require.Error(t, err)
	assert.ErrorIs(t, err, taskgraph.ErrCycle)
}
