package coreflow

import (
	"context"
	"fmt"
)

// LoadProcess reconstructs the in-memory execution cursor from the
// persisted rows. It is a pure function over the store: the process row,
// its step log, and the workflow currently registered under the process's
// workflow name.
//
// The remaining step list is computed by name-based prefix matching
// against the current workflow definition: persisted steps that completed
// advance the cursor, suspended and failing steps stay pending so they
// re-execute on resume, and persisted names that no longer appear in the
// workflow are dropped silently (the workflow was edited after the process
// started).
func (e *Engine) LoadProcess(ctx context.Context, row ProcessRow) (*ProcessStat, error) {
	wf, ok := e.registry.Get(row.WorkflowName)
	if !ok {
		wf = removedWorkflow(row.WorkflowName)
	}

	steps, err := e.store.Steps(ctx, row.ProcessID)
	if err != nil {
		return nil, err
	}

	wfIdx := 0
	for _, sr := range steps {
		if wfIdx < len(wf.Steps) && sr.Name == wf.Steps[wfIdx].Name {
			if stepDone(sr.Status) {
				wfIdx++
			}
			continue
		}
		// Renamed or removed step: its row stays in the log for audit but
		// plays no part in the replay.
	}

	var state Outcome
	if len(steps) == 0 {
		initial, err := e.initialState(ctx, row.ProcessID)
		if err != nil {
			return nil, err
		}
		state = Success(initial)
	} else {
		state = replayOutcome(steps[len(steps)-1])
	}

	return &ProcessStat{
		ProcessID: row.ProcessID,
		Workflow:  wf,
		State:     state,
		Remaining: wf.Steps[wfIdx:],
		User:      row.CreatedBy,
	}, nil
}

// stepDone reports whether a persisted status means the step will not run
// again.
func stepDone(status OutcomeKind) bool {
	switch status {
	case OutcomeSuccess, OutcomeSkipped, OutcomeComplete, OutcomeAbort:
		return true
	default:
		return false
	}
}

// replayOutcome rebuilds the Outcome a persisted step row stands for. The
// row's state is the complete post-step state, so this is a direct
// reconstruction, not a re-execution.
func replayOutcome(sr StepRow) Outcome {
	s := sr.State
	switch sr.Status {
	case OutcomeSuspend:
		return Suspend(s)
	case OutcomeWaiting:
		return Outcome{Kind: OutcomeWaiting, State: s, Err: errFromState(s)}
	case OutcomeFailed:
		return Outcome{Kind: OutcomeFailed, State: s, Err: errFromState(s)}
	default:
		return Success(s)
	}
}

// errFromState recovers the persisted error details from a failing row's
// state map.
func errFromState(s State) *StepError {
	serr := &StepError{Class: errClassError}
	if v, ok := s.String(stateKeyClass); ok {
		serr.Class = v
	}
	if v, ok := s.String(stateKeyError); ok {
		serr.Message = v
	}
	if v, ok := s.String(stateKeyTraceback); ok {
		serr.Stack = v
	}
	serr.Details = s[stateKeyDetails]
	return serr
}

// initialState returns the initial_state payload recorded when the
// process was created.
func (e *Engine) initialState(ctx context.Context, processID string) (State, error) {
	rows, err := e.store.InputStates(ctx, processID, InputInitialState)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 || len(rows[0].Payload) == 0 {
		return nil, fmt.Errorf("process %s has no initial state", processID)
	}
	return rows[0].Payload[0], nil
}
