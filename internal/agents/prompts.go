package agents

import (
	"fmt"
	"strings"

	"github.com/ashita-ai/kakehashi/internal/taskgraph"
	"github.com/ashita-ai/kakehashi/internal/upstream"
)

const plannerSystemPrompt = `You are the planning agent of a multi-agent build system.
Break the user's goal into a short list of concrete, independently executable
tasks with explicit dependencies.

Respond with ONLY a JSON object, no prose before or after, shaped like:
{
  "goal": "one-line restatement of the goal",
  "tasks": [
    {"id": "t1", "summary": "first concrete step", "assignee": "coder", "depends_on": []},
    {"id": "t2", "summary": "second step building on t1", "assignee": "coder", "depends_on": ["t1"]}
  ]
}

Rules:
- Task ids are short and unique. depends_on only names ids defined in this plan.
- assignee is "coder" for build steps and "reviewer" for verification steps.
- Two to eight tasks. No dependency cycles.`

const coderSystemPrompt = `You are the coding agent of a multi-agent build system.
Produce the complete, runnable artifact for your task. Output the work itself,
not a description of it: full file contents in fenced code blocks, commands as
shell blocks. No placeholders, no "left as an exercise". Handle errors and
edge cases. Keep explanations to a short note after the artifact.`

const reviewerSystemPrompt = `You are the review agent of a multi-agent build system.
Assess the work against the stated goal. Report concrete findings ordered by
severity (critical, warning, info), each with the task it concerns. Finish
with a one-paragraph verdict stating whether the goal is met.`

func plannerTurns(goal string) []upstream.Turn {
	return []upstream.Turn{
		{Role: "system", Content: plannerSystemPrompt},
		{Role: "user", Content: "Goal:\n" + goal},
	}
}

func coderTurns(goal string, task taskgraph.Task, depContext string) []upstream.Turn {
	var b strings.Builder
	fmt.Fprintf(&b, "Overall goal:\n%s\n\n", goal)
	fmt.Fprintf(&b, "Your task (%s):\n%s\n", task.ID, task.Summary)
	if depContext != "" {
		fmt.Fprintf(&b, "\nOutput of completed prerequisite tasks:\n%s\n", depContext)
	}
	return []upstream.Turn{
		{Role: "system", Content: coderSystemPrompt},
		{Role: "user", Content: b.String()},
	}
}

func reviewerTurns(goal string, tasks []taskgraph.Task) []upstream.Turn {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal:\n%s\n\nTask outcomes:\n", goal)
	for _, t := range tasks {
		fmt.Fprintf(&b, "\n--- %s [%s] %s\n", t.ID, t.State, t.Summary)
		if out := t.Outputs["result"]; out != "" {
			b.WriteString(truncate(out, maxReviewChars) + "\n")
		}
		if errText := t.Outputs["error"]; errText != "" {
			fmt.Fprintf(&b, "error: %s\n", errText)
		}
	}
	return []upstream.Turn{
		{Role: "system", Content: reviewerSystemPrompt},
		{Role: "user", Content: b.String()},
	}
}

// maxReviewChars caps how much of each task output goes into the review
// prompt so a long run still fits the model's context window.
const maxReviewChars = 8000

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n[truncated]"
}
