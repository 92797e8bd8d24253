package kakehashi

import (
	"time"

	"github.com/google/uuid"
)

// Conversation roles accepted by Turn.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Reasoning effort levels for reasoning-class models.
const (
	EffortLow    = "low"
	EffortMedium = "medium"
	EffortHigh   = "high"
)

// Attempt statuses recorded in the ledger.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusTimeout = "timeout"
)

// Run statuses reported by RunGoal and RunPlanFile.
const (
	RunDone    = "done"
	RunPartial = "partial"
	RunFailed  = "failed"
)

// Turn is one conversation message.
type Turn struct {
	Role    string
	Content string
}

// Request is one fan-out call through the gateway.
// It is a curated view of the internal gateway request for use by embedders.
// No internal package imports — safe to use from outside the module.
type Request struct {
	// Provider names the credential pool the call draws from.
	Provider string
	Model    string
	Turns    []Turn
	// FanOut is the number of parallel attempts; values <= 0 mean 1.
	FanOut int
	// MaxOutputTokens is the output budget; it also scales the per-attempt
	// timeout.
	MaxOutputTokens int
	Effort          string   // reasoning-class models only
	Temperature     *float64 // standard-class models only
}

// Result is one successful attempt of a fan-out call.
type Result struct {
	Text         string
	Model        string
	FinishReason string
	Usage        Usage
	// Credential is the pool label of the key that served the call,
	// never the token itself.
	Credential string
	// Attempt is the issue index within the fan-out.
	Attempt  int
	Duration time.Duration
}

// Usage is token accounting. Calls that fan out or span a whole run
// accumulate the usage of every attempt, including losing candidates.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Attempt is one upstream call as recorded in the ledger.
type Attempt struct {
	ID               uuid.UUID
	CallID           uuid.UUID // groups the attempts of one fan-out
	Provider         string
	Model            string
	Credential       string
	Status           string // StatusOK, StatusError, or StatusTimeout
	Error            string
	Duration         time.Duration
	PromptTokens     int
	CompletionTokens int
	CreatedAt        time.Time
}

// Run is one orchestrated goal execution as recorded in the ledger.
type Run struct {
	ID               uuid.UUID
	Goal             string
	Status           string // RunDone, RunPartial, or RunFailed
	TasksTotal       int
	TasksDone        int
	TasksFailed      int
	TasksBlocked     int
	PromptTokens     int
	CompletionTokens int
	StartedAt        time.Time
	FinishedAt       time.Time
}

// TaskReport is the terminal state of one task in a run.
type TaskReport struct {
	ID       string
	Summary  string
	Assignee string
	// State is PENDING, DONE, FAILED, or BLOCKED.
	State  string
	Output string
	Error  string
	// BlockedBy names the failed ancestor for BLOCKED tasks.
	BlockedBy string
}

// Report is the outcome of a whole run.
type Report struct {
	RunID    uuid.UUID
	Goal     string
	Status   string // RunDone, RunPartial, or RunFailed
	Tasks    []TaskReport
	Review   string
	Usage    Usage
	Started  time.Time
	Finished time.Time
}

// KeyStat is a point-in-time snapshot of one pooled credential.
// Tokens are represented only by label and fingerprint.
type KeyStat struct {
	Provider    string
	Label       string
	Fingerprint string
	Calls       int
	ErrorStreak int
	Active      bool
	LastUsed    time.Time
}
