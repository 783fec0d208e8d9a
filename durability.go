package coreflow

import (
	"context"
	"runtime/debug"
	"time"
)

// stateKeySubscriptionID, when present in a step's outcome state, links the
// process to that subscription after the step commits.
const stateKeySubscriptionID = "subscription_id"

// BroadcastFunc is invoked after every committed step so an external
// transport (websockets) can push live process updates. Failures are
// logged and never affect the process.
type BroadcastFunc func(processID string, env ProcessBroadcast)

// ProcessBroadcast is the envelope handed to the broadcast hook.
type ProcessBroadcast struct {
	ProcessID  string        `json:"process_id"`
	Workflow   string        `json:"workflow"`
	Step       string        `json:"step"`
	StepStatus OutcomeKind   `json:"step_status"`
	LastStatus ProcessStatus `json:"last_status"`
	Assignee   Assignee      `json:"assignee"`
}

// processStatus maps a step outcome to the process last_status and the
// assignee responsible for what comes next.
func processStatus(st Step, outcome Outcome) (ProcessStatus, Assignee) {
	switch outcome.Kind {
	case OutcomeSuccess, OutcomeSkipped:
		return StatusRunning, AssigneeSystem
	case OutcomeSuspend:
		return StatusSuspended, st.Assignee
	case OutcomeWaiting:
		return StatusWaiting, st.Assignee
	case OutcomeAbort:
		return StatusAborted, AssigneeSystem
	case OutcomeComplete:
		return StatusCompleted, AssigneeSystem
	case OutcomeFailed:
		if serr := outcome.Unwrap(); serr != nil {
			switch serr.Class {
			case errClassInconsistent:
				return StatusInconsistentData, AssigneeNOC
			case errClassAPI:
				return StatusAPIUnavailable, AssigneeSystem
			}
		}
		return StatusFailed, AssigneeSystem
	default:
		return StatusFailed, AssigneeSystem
	}
}

// logStep persists one step outcome through the store's transactional
// LogStep, then fires the post-commit side effects: the broadcast hook and
// the subscription link when the state names one.
func (e *Engine) logStep(ctx context.Context, pstat *ProcessStat, st Step, outcome Outcome) error {
	status, assignee := processStatus(st, outcome)
	failedReason := ""
	if serr := outcome.Unwrap(); serr != nil {
		failedReason = serr.Message
	}

	now := time.Now().UTC()
	rec := StepLogRecord{
		Process: ProcessRow{
			ProcessID:    pstat.ProcessID,
			WorkflowName: pstat.Workflow.Name,
			LastStatus:   status,
			LastStep:     st.Name,
			Assignee:     assignee,
			FailedReason: failedReason,
			LastModified: now,
		},
		Step:  StepLogRow(pstat, st, outcome, now),
		Dedup: outcome.Kind == OutcomeWaiting || outcome.Kind == OutcomeFailed,
	}
	if err := e.store.LogStep(ctx, rec); err != nil {
		return err
	}

	if e.broadcast != nil {
		e.broadcast(pstat.ProcessID, ProcessBroadcast{
			ProcessID:  pstat.ProcessID,
			Workflow:   pstat.Workflow.Name,
			Step:       st.Name,
			StepStatus: outcome.Kind,
			LastStatus: status,
			Assignee:   assignee,
		})
	}
	if sid, ok := outcome.State.String(stateKeySubscriptionID); ok && sid != "" {
		if err := e.store.LinkSubscription(ctx, pstat.ProcessID, sid); err != nil {
			e.logger.Warn("linking subscription failed",
				"process_id", pstat.ProcessID, "subscription_id", sid, "error", err)
		}
	}
	return nil
}

// StepLogRow renders the step row for one outcome. Seq is assigned by the
// store inside the transaction.
func StepLogRow(pstat *ProcessStat, st Step, outcome Outcome, now time.Time) StepRow {
	return StepRow{
		ProcessID:   pstat.ProcessID,
		Name:        st.Name,
		Status:      outcome.Kind,
		State:       outcome.State,
		CreatedBy:   pstat.User,
		CompletedAt: []time.Time{now},
	}
}

// safeLogStep wraps logStep so a durability failure is itself recorded:
// the error becomes a synthesized failed outcome which is logged in place
// of the original. If even that log attempt fails, the error propagates to
// the top-level execution hook, which falls back to marking the process
// row failed directly.
func (e *Engine) safeLogStep(ctx context.Context, pstat *ProcessStat, st Step, outcome Outcome) (Outcome, error) {
	err := e.logStep(ctx, pstat, st, outcome)
	if err == nil {
		return outcome, nil
	}
	e.logger.Error("logging step failed, re-logging as failure",
		"process_id", pstat.ProcessID, "step", st.Name, "error", err)
	serr := &StepError{Class: errClassLog, Message: err.Error(), Stack: string(debug.Stack())}
	failed := Failed(serr, outcome.State)
	if err2 := e.logStep(ctx, pstat, st, failed); err2 != nil {
		return failed, err2
	}
	return failed, nil
}
