package coreflow

import "time"

// ProcessStatus is the persisted lifecycle status of a process.
type ProcessStatus string

const (
	StatusCreated          ProcessStatus = "created"
	StatusRunning          ProcessStatus = "running"
	StatusSuspended        ProcessStatus = "suspended"
	StatusWaiting          ProcessStatus = "waiting"
	StatusFailed           ProcessStatus = "failed"
	StatusInconsistentData ProcessStatus = "inconsistent_data"
	StatusAPIUnavailable   ProcessStatus = "api_unavailable"
	StatusAborted          ProcessStatus = "aborted"
	StatusCompleted        ProcessStatus = "completed"
	StatusResumed          ProcessStatus = "resumed"
)

// InputType distinguishes the payload rows recorded for a process.
type InputType string

const (
	InputInitialState InputType = "initial_state"
	InputUserInput    InputType = "user_input"
)

// ProcessRow is the persisted process record.
type ProcessRow struct {
	ProcessID    string
	WorkflowName string
	LastStatus   ProcessStatus
	LastStep     string
	Assignee     Assignee
	IsTask       bool
	FailedReason string
	CreatedBy    string
	StartedAt    time.Time
	LastModified time.Time
}

// StepRow is one persisted step outcome. Rows are append-only except for
// the retry deduplication rule, which updates a row in place.
type StepRow struct {
	ProcessID string
	Seq       int64
	Name      string
	Status    OutcomeKind
	State     State
	CreatedBy string
	Retries   int
	// CompletedAt accumulates one timestamp per attempt. Deduplicated
	// retries append to it instead of inserting a new row.
	CompletedAt []time.Time
}

// InputStateRow records one submitted payload batch, in submission order.
type InputStateRow struct {
	ProcessID string
	InputType InputType
	// Payload holds the submitted list of page inputs (or the single
	// initial state for InputInitialState).
	Payload   []State
	InputTime time.Time
}

// ProcessStat is the in-memory execution cursor: the outcome produced by
// the most recent step and the steps still to run.
type ProcessStat struct {
	ProcessID string
	Workflow  *Workflow
	State     Outcome
	Remaining StepList
	User      string
}
