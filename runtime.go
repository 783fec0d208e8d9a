package coreflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
)

// runSteps is the sequential interpreter: execute each remaining step, log
// its outcome, and stop as soon as an outcome does not continue. The
// returned outcome is the process's final state for this run; a non-nil
// error means even the durability layer gave up (see safeLogStep).
func (e *Engine) runSteps(ctx context.Context, pstat *ProcessStat) (Outcome, error) {
	for _, st := range pstat.Remaining {
		if !pstat.State.Continuable() {
			return pstat.State, nil
		}

		stepCtx := ctx
		var span Span
		if e.tracer != nil {
			stepCtx, span = e.tracer.Start(ctx, "coreflow.step",
				StringAttr("process.id", pstat.ProcessID),
				StringAttr("step.name", st.Name))
		}
		outcome := executeStep(stepCtx, st, pstat.State.State)
		if span != nil {
			span.SetAttr(StringAttr("step.status", string(outcome.Kind)))
			if serr := outcome.Unwrap(); serr != nil {
				span.Error(serr)
			}
			span.End()
		}

		logged, err := e.safeLogStep(ctx, pstat, st, outcome)
		pstat.State = logged
		if err != nil {
			return logged, err
		}
	}
	return pstat.State, nil
}

// executeStep runs one step body against the current state and converts
// whatever happens (delta, error, panic) into an Outcome. It never lets a
// panic escape: a panicking step fails its process, not the worker.
func executeStep(ctx context.Context, st Step, s State) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			err, ok := r.(error)
			if !ok {
				err = fmt.Errorf("%v", r)
			}
			out = failureOutcome(st, err, string(debug.Stack()), s)
		}
	}()

	// Only input steps consume resume inputs. When the pending input step
	// was renamed away by a workflow edit, the injected payloads must not
	// leak into persisted state.
	if st.Kind != KindInput {
		if _, ok := s[resumeInputsKey]; ok {
			s = s.Without(resumeInputsKey)
		}
	}

	if st.cond != nil && !st.cond(s) {
		return Skipped(s)
	}

	switch st.Kind {
	case KindPure:
		return st.pure(s)
	case KindInput:
		return executeFormStep(st, s)
	default:
		delta, err := st.fn(ctx, s)
		if err != nil {
			return failureOutcome(st, err, "", s)
		}
		return Success(s.Merge(delta))
	}
}

// executeFormStep drives an input step. Without resume payloads it
// suspends with the first pending page's schema in state; with payloads it
// consumes one per page and succeeds once every page is satisfied, or
// suspends again on the next unsatisfied page.
func executeFormStep(st Step, s State) Outcome {
	inputs := resumeInputs(s)
	base := s.Without(resumeInputsKey, stateKeyForm)
	final, pending, err := postForm(st.pages, base, inputs)
	if err != nil {
		return failureOutcome(st, err, "", base)
	}
	if pending != nil {
		return Suspend(base.Merge(State{stateKeyForm: schemaValue(pending.schema)}))
	}
	return Success(final)
}

// schemaValue decodes a raw schema so it persists as structured JSON
// rather than an escaped string.
func schemaValue(raw json.RawMessage) any {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

// failureOutcome classifies a step error into Waiting or Failed. Data
// inconsistencies and external API failures override the retry semantics:
// retrying cannot fix them, so they always fail.
func failureOutcome(st Step, err error, stack string, s State) Outcome {
	serr := &StepError{Class: errClassError, Message: err.Error(), Stack: stack}

	var incErr *InconsistentDataError
	var apiErr *APIError
	var pfErr *ProcessFailureError
	switch {
	case errors.As(err, &incErr):
		serr.Class = errClassInconsistent
		serr.Message = incErr.Message
		return Failed(serr, s)
	case errors.As(err, &apiErr):
		serr.Class = errClassAPI
		return Failed(serr, s)
	case errors.As(err, &pfErr):
		serr.Class = errClassFailure
		serr.Message = pfErr.Message
		serr.Details = pfErr.Details
		return Failed(serr, s)
	case st.Kind == KindRetry:
		return Waiting(serr, s)
	default:
		return Failed(serr, s)
	}
}
