package agents_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kakehashi/internal/agents"
	"github.com/ashita-ai/kakehashi/internal/gateway"
	"github.com/ashita-ai/kakehashi/internal/taskgraph"
	"github.com/ashita-ai/kakehashi/internal/upstream"
)

type stubCaller struct {
	mu      sync.Mutex
	reqs    []gateway.Request
	results []gateway.Result
	err     error
}

func (s *stubCaller) CallParallel(_ context.Context, req gateway.Request) ([]gateway.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	if s.err != nil {
		return nil, s.err
	}
	return s.results, nil
}

func (s *stubCaller) lastRequest(t *testing.T) gateway.Request {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.reqs)
	return s.reqs[len(s.reqs)-1]
}

func candidate(text string, attempt int) gateway.Result {
	return gateway.Result{
		Text:    text,
		Model:   "deepseek-chat",
		Attempt: attempt,
		Usage:   upstream.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

func plannerConfig() agents.Config {
	return agents.Config{
		Provider:        "openai",
		Model:           "deepseek-chat",
		Candidates:      3,
		MaxOutputTokens: 1500,
	}
}

func TestPlannerParsesFencedPlan(t *testing.T) {
	stub := &stubCaller{results: []gateway.Result{candidate(
		"Here you go:\n```json\n"+
			`{"goal": "build the thing", "tasks": [`+
			`{"id": "t1", "summary": "scaffold", "assignee": "coder"},`+
			`{"id": "t2", "summary": "verify", "assignee": "reviewer", "depends_on": ["t1"]}]}`+
			"\n```", 0)}}

	p := agents.NewPlanner(stub, plannerConfig(), nil)
	plan, res, err := p.Plan(context.Background(), "build the thing")
	require.NoError(t, err)

	assert.Equal(t, "build the thing", plan.Goal)
	require.Len(t, plan.Tasks, 2)
	assert.Equal(t, "t1", plan.Tasks[0].ID)
	assert.Equal(t, "reviewer", plan.Tasks[1].Assignee)
	assert.Equal(t, []string{"t1"}, plan.Tasks[1].DependsOn)
	assert.Equal(t, 15, res.Usage.TotalTokens)

	req := stub.lastRequest(t)
	assert.Equal(t, "openai", req.Provider)
	assert.Equal(t, 3, req.FanOut)
	assert.Equal(t, 1500, req.MaxOutputTokens)
	require.Len(t, req.Turns, 2)
	assert.Equal(t, "system", req.Turns[0].Role)
	assert.Contains(t, req.Turns[1].Content, "build the thing")
}

func TestPlannerDefaultsAssigneeToCoder(t *testing.T) {
	stub := &stubCaller{results: []gateway.Result{candidate(
		`{"tasks": [{"id": "only", "summary": "do it"}]}`, 0)}}

	p := agents.NewPlanner(stub, plannerConfig(), nil)
	plan, _, err := p.Plan(context.Background(), "some goal")
	require.NoError(t, err)

	assert.Equal(t, "some goal", plan.Goal, "missing goal falls back to the request")
	require.Len(t, plan.Tasks, 1)
	assert.Equal(t, "coder", plan.Tasks[0].Assignee)
}

func TestPlannerFallsBackOnProse(t *testing.T) {
	stub := &stubCaller{results: []gateway.Result{candidate(
		"I would start by thinking carefully about the problem.", 0)}}

	p := agents.NewPlanner(stub, plannerConfig(), nil)
	plan, _, err := p.Plan(context.Background(), "paint the shed")
	require.NoError(t, err)

	require.Len(t, plan.Tasks, 1)
	assert.Equal(t, "task-1", plan.Tasks[0].ID)
	assert.Equal(t, "paint the shed", plan.Tasks[0].Summary)
	assert.Equal(t, "coder", plan.Tasks[0].Assignee)
}

func TestPlannerFallsBackOnCyclicPlan(t *testing.T) {
	stub := &stubCaller{results: []gateway.Result{candidate(
		`{"tasks": [`+
			`{"id": "a", "summary": "first", "depends_on": ["b"]},`+
			`{"id": "b", "summary": "second", "depends_on": ["a"]}]}`, 0)}}

	p := agents.NewPlanner(stub, plannerConfig(), nil)
	plan, _, err := p.Plan(context.Background(), "circular goal")
	require.NoError(t, err)

	require.Len(t, plan.Tasks, 1, "invalid graphs degrade to the single-task plan")
	assert.Equal(t, "circular goal", plan.Tasks[0].Summary)

	// The fallback plan itself always loads.
	_, err = taskgraph.FromPlan(plan)
	require.NoError(t, err)
}

func TestPlannerPropagatesGatewayErrors(t *testing.T) {
	stub := &stubCaller{err: gateway.ErrAllCallsFailed}

	p := agents.NewPlanner(stub, plannerConfig(), nil)
	_, _, err := p.Plan(context.Background(), "anything")
	require.Error(t, err)
	assert.ErrorIs(t, err, gateway.ErrAllCallsFailed)
	assert.Contains(t, err.Error(), "planner")
}

func TestCoderTakesFirstNonEmptyCandidate(t *testing.T) {
	stub := &stubCaller{results: []gateway.Result{
		candidate("", 0),
		candidate("package main", 1),
		candidate("package main // longer alternative answer", 2),
	}}

	c := agents.NewCoder(stub, plannerConfig(), nil)
	res, err := c.Implement(context.Background(), "build a CLI", taskgraph.Task{
		ID:      "t1",
		Summary: "write main.go",
	}, "t0 produced the module layout")
	require.NoError(t, err)

	assert.Equal(t, "package main", res.Text)
	assert.Equal(t, 45, res.Usage.TotalTokens, "usage counts every candidate")

	req := stub.lastRequest(t)
	assert.Contains(t, req.Turns[1].Content, "build a CLI")
	assert.Contains(t, req.Turns[1].Content, "write main.go")
	assert.Contains(t, req.Turns[1].Content, "t0 produced the module layout")
}

func TestCoderErrorsWhenAllCandidatesEmpty(t *testing.T) {
	stub := &stubCaller{results: []gateway.Result{candidate("", 0), candidate("", 1)}}

	c := agents.NewCoder(stub, plannerConfig(), nil)
	_, err := c.Implement(context.Background(), "goal", taskgraph.Task{ID: "t1", Summary: "s"}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "none usable")
}

func TestReviewerPicksLongestCandidate(t *testing.T) {
	stub := &stubCaller{results: []gateway.Result{
		candidate("Fine.", 0),
		candidate("Critical: t2 output is missing error handling. Verdict: not met.", 1),
	}}

	r := agents.NewReviewer(stub, plannerConfig(), nil)
	res, err := r.Review(context.Background(), "harden the service", []taskgraph.Task{
		{ID: "t1", Summary: "add retries", State: taskgraph.StateDone, Outputs: map[string]string{"result": "added retries"}},
		{ID: "t2", Summary: "add logging", State: taskgraph.StateFailed, Outputs: map[string]string{"error": "model refused"}},
	})
	require.NoError(t, err)
	assert.Contains(t, res.Text, "Verdict")

	req := stub.lastRequest(t)
	body := req.Turns[1].Content
	assert.Contains(t, body, "harden the service")
	assert.Contains(t, body, "t1 [DONE]")
	assert.Contains(t, body, "added retries")
	assert.Contains(t, body, "t2 [FAILED]")
	assert.Contains(t, body, "model refused")
}
