package coreflow

// OutcomeKind enumerates the possible results of executing one step. The
// values double as the persisted step status strings, so renaming one is a
// schema migration.
type OutcomeKind string

const (
	OutcomeSuccess  OutcomeKind = "success"
	OutcomeSkipped  OutcomeKind = "skipped"
	OutcomeSuspend  OutcomeKind = "suspend"
	OutcomeWaiting  OutcomeKind = "waiting"
	OutcomeFailed   OutcomeKind = "failed"
	OutcomeAbort    OutcomeKind = "abort"
	OutcomeComplete OutcomeKind = "complete"
)

// Outcome is the result of one step execution: a kind tag, the full state
// after the step, and for the failure kinds the classified error.
type Outcome struct {
	Kind  OutcomeKind
	State State
	Err   *StepError
}

// Success wraps a state in a success outcome.
func Success(s State) Outcome { return Outcome{Kind: OutcomeSuccess, State: s} }

// Skipped marks a step that did not run because its condition was false.
// The state passes through unchanged.
func Skipped(s State) Outcome { return Outcome{Kind: OutcomeSkipped, State: s} }

// Suspend halts the process to wait for user input. The state is expected
// to carry the form the user must fill in.
func Suspend(s State) Outcome { return Outcome{Kind: OutcomeSuspend, State: s} }

// Complete marks the final step of a finished process.
func Complete(s State) Outcome { return Outcome{Kind: OutcomeComplete, State: s} }

// Abort marks a process aborted on user request.
func Abort(s State) Outcome { return Outcome{Kind: OutcomeAbort, State: s} }

// Waiting wraps a recoverable failure: the step can be retried later
// without operator intervention. The error details are folded into the
// outcome state so they survive persistence.
func Waiting(err *StepError, base State) Outcome {
	return Outcome{Kind: OutcomeWaiting, State: base.Merge(err.state()), Err: err}
}

// Failed wraps a terminal failure that needs operator attention before the
// process can continue.
func Failed(err *StepError, base State) Outcome {
	return Outcome{Kind: OutcomeFailed, State: base.Merge(err.state()), Err: err}
}

// Continuable reports whether the runtime should execute the next step.
func (o Outcome) Continuable() bool {
	return o.Kind == OutcomeSuccess || o.Kind == OutcomeSkipped
}

func (o Outcome) IsFailed() bool  { return o.Kind == OutcomeFailed }
func (o Outcome) IsWaiting() bool { return o.Kind == OutcomeWaiting }
func (o Outcome) IsSkipped() bool { return o.Kind == OutcomeSkipped }
func (o Outcome) IsSuspend() bool { return o.Kind == OutcomeSuspend }

// Unwrap returns the step error carried by a waiting or failed outcome,
// nil otherwise.
func (o Outcome) Unwrap() *StepError { return o.Err }

// Error classes persisted with waiting and failed outcomes. The class
// drives the process status mapping after the step commits.
const (
	errClassError        = "error"
	errClassAPI          = "api_error"
	errClassInconsistent = "inconsistent_data"
	errClassFailure      = "process_failure"
	errClassLog          = "log_failure"
)

// State keys under which error details are folded into the outcome state.
const (
	stateKeyClass     = "class"
	stateKeyError     = "error"
	stateKeyTraceback = "traceback"
	stateKeyDetails   = "details"
)

// errorStateKeys are the keys stripped from state when a failed or waiting
// step is resumed.
var errorStateKeys = []string{stateKeyClass, stateKeyError, stateKeyTraceback, stateKeyDetails}

// StepError is the classified form of an error raised by a step body. It is
// what gets persisted with the step row and surfaced to operators.
type StepError struct {
	Class   string
	Message string
	Stack   string
	Details any
}

func (e *StepError) Error() string { return e.Class + ": " + e.Message }

// state renders the error as the state fragment persisted with the step.
func (e *StepError) state() State {
	s := State{stateKeyClass: e.Class, stateKeyError: e.Message}
	if e.Stack != "" {
		s[stateKeyTraceback] = e.Stack
	}
	if e.Details != nil {
		s[stateKeyDetails] = e.Details
	}
	return s
}
