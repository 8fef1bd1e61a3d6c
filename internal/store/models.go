package store

import (
	"encoding/json"
	"time"
)

// RunStatus is the lifecycle state of a healing run.
type RunStatus string

const (
	StatusQueued    RunStatus = "queued"
	StatusRunning   RunStatus = "running"
	StatusFixed     RunStatus = "fixed"
	StatusEscalated RunStatus = "escalated"
	StatusAborted   RunStatus = "aborted"
	StatusResolved  RunStatus = "resolved"
)

// TerminalForJobs reports whether automatic attempt processing must treat
// a job for this status as a no-op. Human actions may still change the run.
func (s RunStatus) TerminalForJobs() bool {
	switch s {
	case StatusFixed, StatusEscalated, StatusAborted, StatusResolved:
		return true
	}
	return false
}

// PRState is the pull-request linkage state of a run.
type PRState string

const (
	PRStateNone   PRState = "none"
	PRStateOpen   PRState = "open"
	PRStateMerged PRState = "merged"
	PRStateClosed PRState = "closed"
)

// ResolvedBy records who concluded a run.
type ResolvedBy string

const (
	ResolvedByNone  ResolvedBy = "none"
	ResolvedByAI    ResolvedBy = "ai"
	ResolvedByHuman ResolvedBy = "human"
	ResolvedByUser  ResolvedBy = "user"
)

// AttemptStatus is the state of a single fix attempt.
type AttemptStatus string

const (
	AttemptRunning   AttemptStatus = "running"
	AttemptFailed    AttemptStatus = "failed"
	AttemptSucceeded AttemptStatus = "succeeded"
)

// Actor identifies who produced an event.
type Actor string

const (
	ActorSystem Actor = "system"
	ActorAI     Actor = "ai"
	ActorHuman  Actor = "human"
)

// Run is one tracked CI-failure healing effort, keyed by
// (repository, commit, error fingerprint).
type Run struct {
	ID           string `json:"id"`
	Provider     string `json:"provider"`
	Repository   string `json:"repository"`
	Branch       string `json:"branch"`
	CommitSHA    string `json:"commitSha"`
	PipelineURL  string `json:"pipelineUrl,omitempty"`
	ErrorHash    string `json:"errorHash"`
	ErrorType    string `json:"errorType"`
	ErrorSummary string `json:"errorSummary"`

	Status       RunStatus `json:"status"`
	AttemptCount int       `json:"attemptCount"`
	MaxAttempts  int       `json:"maxAttempts"`

	PRURL    string  `json:"prUrl,omitempty"`
	PRNumber int     `json:"prNumber,omitempty"`
	PRState  PRState `json:"prState"`
	PRBranch string  `json:"prBranch,omitempty"`

	AIProvider       string     `json:"aiProvider,omitempty"`
	AIModel          string     `json:"aiModel,omitempty"`
	ResolvedBy       ResolvedBy `json:"resolvedBy"`
	HumanNote        string     `json:"humanNote,omitempty"`
	EscalationReason string     `json:"escalationReason,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Attempt is one retry cycle within a run. Attempts are append-only; a
// run's attempt history is the full retry ledger.
type Attempt struct {
	ID            string        `json:"id"`
	RunID         string        `json:"runId"`
	AttemptNo     int           `json:"attemptNo"`
	Status        AttemptStatus `json:"status"`
	Diagnosis     string        `json:"diagnosis,omitempty"`
	ProposedFix   string        `json:"proposedFix,omitempty"`
	ValidationLog string        `json:"validationLog,omitempty"`
	FailureReason string        `json:"failureReason,omitempty"`
	EngineUsed    string        `json:"engineUsed,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
}

// Event is one row of the durable audit trail. Events are never mutated
// or deleted.
type Event struct {
	ID        string          `json:"id"`
	RunID     string          `json:"runId"`
	EventType string          `json:"eventType"`
	Actor     Actor           `json:"actor"`
	Message   string          `json:"message"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// RunFilter narrows and pages ListRuns.
type RunFilter struct {
	Status     string
	Repository string
	Page       int
	PageSize   int
}

// Normalize clamps paging to the values ListRuns will actually use, so
// callers can report them back.
func (f *RunFilter) Normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = 20
	}
	if f.PageSize > 100 {
		f.PageSize = 100
	}
}

// Summary holds aggregate counts across all runs.
type Summary struct {
	TotalRuns       int64            `json:"totalRuns"`
	ByStatus        map[string]int64 `json:"byStatus"`
	TotalAttempts   int64            `json:"totalAttempts"`
	ResolvedByAI    int64            `json:"resolvedByAi"`
	ResolvedByHuman int64            `json:"resolvedByHuman"`
}

// RepositoryMetrics holds per-repository healing outcomes.
type RepositoryMetrics struct {
	Repository  string  `json:"repository"`
	Runs        int64   `json:"runs"`
	Fixed       int64   `json:"fixed"`
	Escalated   int64   `json:"escalated"`
	AvgAttempts float64 `json:"avgAttempts"`
}
