package coreflow

import (
	"context"
	"errors"
	"testing"
)

func TestExecuteStepNilDeltaIsSuccess(t *testing.T) {
	st := NewStep("noop", func(ctx context.Context, s State) (State, error) {
		return nil, nil
	})
	out := executeStep(context.Background(), st, State{"a": 1})
	if out.Kind != OutcomeSuccess {
		t.Fatalf("outcome = %s, want success", out.Kind)
	}
	if out.State["a"] != 1 || len(out.State) != 1 {
		t.Errorf("state = %v, want unchanged", out.State)
	}
}

func TestExecuteStepPlainErrorFails(t *testing.T) {
	st := NewStep("boom", func(ctx context.Context, s State) (State, error) {
		return nil, errors.New("boom")
	})
	out := executeStep(context.Background(), st, State{})
	if out.Kind != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", out.Kind)
	}
	if out.Err.Class != errClassError || out.Err.Message != "boom" {
		t.Errorf("err = %+v", out.Err)
	}
	if out.State[stateKeyError] != "boom" {
		t.Errorf("error not folded into state: %v", out.State)
	}
}

func TestExecuteStepRetryErrorWaits(t *testing.T) {
	st := RetryStep("flaky", func(ctx context.Context, s State) (State, error) {
		return nil, errors.New("downstream busy")
	})
	out := executeStep(context.Background(), st, State{})
	if out.Kind != OutcomeWaiting {
		t.Fatalf("outcome = %s, want waiting", out.Kind)
	}
	if out.Err.Class != errClassError {
		t.Errorf("class = %s, want %s", out.Err.Class, errClassError)
	}
}

func TestExecuteStepClassifiesInconsistentData(t *testing.T) {
	// An invariant violation always fails, even on a retry step.
	st := RetryStep("check", func(ctx context.Context, s State) (State, error) {
		return nil, InconsistentDataf("Assertion failure")
	})
	out := executeStep(context.Background(), st, State{})
	if out.Kind != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", out.Kind)
	}
	if out.Err.Class != errClassInconsistent {
		t.Errorf("class = %s, want %s", out.Err.Class, errClassInconsistent)
	}
	if out.Err.Message != "Assertion failure" {
		t.Errorf("message = %q", out.Err.Message)
	}
}

func TestExecuteStepClassifiesAPIError(t *testing.T) {
	st := RetryStep("call", func(ctx context.Context, s State) (State, error) {
		return nil, &APIError{Status: 503, Message: "unavailable"}
	})
	out := executeStep(context.Background(), st, State{})
	if out.Kind != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", out.Kind)
	}
	if out.Err.Class != errClassAPI {
		t.Errorf("class = %s, want %s", out.Err.Class, errClassAPI)
	}
}

func TestExecuteStepRecoversPanic(t *testing.T) {
	st := NewStep("panics", func(ctx context.Context, s State) (State, error) {
		panic("unexpected nil")
	})
	out := executeStep(context.Background(), st, State{})
	if out.Kind != OutcomeFailed {
		t.Fatalf("outcome = %s, want failed", out.Kind)
	}
	if out.Err.Message != "unexpected nil" {
		t.Errorf("message = %q", out.Err.Message)
	}
	if out.Err.Stack == "" {
		t.Error("stack not captured")
	}
	if _, ok := out.State.String(stateKeyTraceback); !ok {
		t.Error("traceback not folded into state")
	}
}

func TestExecuteStepDropsStaleResumeInputs(t *testing.T) {
	// A workflow edit can rename the pending input step away, leaving the
	// injected payloads with no consumer.
	st := NewStep("renamed", func(ctx context.Context, s State) (State, error) {
		if _, ok := s[resumeInputsKey]; ok {
			t.Error("step body saw resume inputs")
		}
		return State{"done": true}, nil
	})
	s := State{"base": 1, resumeInputsKey: []State{{"name": "Jane"}}}

	out := executeStep(context.Background(), st, s)
	if out.Kind != OutcomeSuccess {
		t.Fatalf("outcome = %s, want success", out.Kind)
	}
	if _, ok := out.State[resumeInputsKey]; ok {
		t.Error("resume inputs leaked into outcome state")
	}
	if out.State["base"] != 1 || out.State["done"] != true {
		t.Errorf("state = %v", out.State)
	}

	// A skipped step must not pass them through either.
	skip := Conditional(func(State) bool { return false })(
		NewStep("skipped", nil))
	out = executeStep(context.Background(), skip, s)
	if out.Kind != OutcomeSkipped {
		t.Fatalf("outcome = %s, want skipped", out.Kind)
	}
	if _, ok := out.State[resumeInputsKey]; ok {
		t.Error("resume inputs leaked through a skipped step")
	}
}

func TestProcessStatusMapping(t *testing.T) {
	input := InputStep("ask", AssigneeChanges)
	tests := []struct {
		name     string
		step     Step
		outcome  Outcome
		status   ProcessStatus
		assignee Assignee
	}{
		{"success", NewStep("s", nil), Success(State{}), StatusRunning, AssigneeSystem},
		{"skipped", NewStep("s", nil), Skipped(State{}), StatusRunning, AssigneeSystem},
		{"suspend", input, Suspend(State{}), StatusSuspended, AssigneeChanges},
		{"waiting", RetryStep("r", nil), Waiting(&StepError{Class: errClassError, Message: "x"}, State{}), StatusWaiting, AssigneeSystem},
		{"failed", NewStep("s", nil), Failed(&StepError{Class: errClassError, Message: "x"}, State{}), StatusFailed, AssigneeSystem},
		{"inconsistent", NewStep("s", nil), Failed(&StepError{Class: errClassInconsistent, Message: "x"}, State{}), StatusInconsistentData, AssigneeNOC},
		{"api", NewStep("s", nil), Failed(&StepError{Class: errClassAPI, Message: "x"}, State{}), StatusAPIUnavailable, AssigneeSystem},
		{"abort", PureStep("a", Abort), Abort(State{}), StatusAborted, AssigneeSystem},
		{"complete", PureStep("d", Complete), Complete(State{}), StatusCompleted, AssigneeSystem},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, assignee := processStatus(tt.step, tt.outcome)
			if status != tt.status || assignee != tt.assignee {
				t.Errorf("got (%s, %s), want (%s, %s)", status, assignee, tt.status, tt.assignee)
			}
		})
	}
}
