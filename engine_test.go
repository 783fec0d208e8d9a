package coreflow_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/jvdheide/coreflow"
	"github.com/jvdheide/coreflow/store/sqlite"
)

// newTestEngine builds an engine over an in-memory store that executes
// processes synchronously.
func newTestEngine(t *testing.T, registry *coreflow.Registry) (*coreflow.Engine, *sqlite.Store) {
	t.Helper()
	store := sqlite.New(":memory:")
	t.Cleanup(func() { store.Close() })
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("store init: %v", err)
	}
	return coreflow.New(registry, store, coreflow.WithTesting(true)), store
}

func mustRegister(t *testing.T, r *coreflow.Registry, name string, target coreflow.Target, steps coreflow.StepList) *coreflow.Workflow {
	t.Helper()
	wf, err := coreflow.NewWorkflow(name, target, name, steps)
	if err != nil {
		t.Fatalf("workflow %s: %v", name, err)
	}
	r.MustRegister(wf)
	return wf
}

func stepNames(rows []coreflow.StepRow) []string {
	names := make([]string, len(rows))
	for i, r := range rows {
		names[i] = fmt.Sprintf("%s:%s", r.Name, r.Status)
	}
	return names
}

func TestHappyThreeStepWorkflow(t *testing.T) {
	ctx := context.Background()
	registry := coreflow.NewRegistry()
	appendStep := func(v float64) coreflow.StepFunc {
		return func(ctx context.Context, s coreflow.State) (coreflow.State, error) {
			steps, _ := s["steps"].([]any)
			return coreflow.State{"steps": append(steps, v)}, nil
		}
	}
	mustRegister(t, registry, "three_step", coreflow.TargetCreate,
		coreflow.Init().Then(
			coreflow.NewStep("step1", appendStep(1)),
			coreflow.NewStep("step2", appendStep(2)),
			coreflow.NewStep("step3", appendStep(3)),
		).Done())
	engine, store := newTestEngine(t, registry)

	pid, err := engine.StartProcess(ctx, "three_step", nil, "alice")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	p, err := store.GetProcess(ctx, pid)
	if err != nil {
		t.Fatalf("get process: %v", err)
	}
	if p.LastStatus != coreflow.StatusCompleted {
		t.Errorf("last_status = %s, want completed", p.LastStatus)
	}
	if p.LastStep != "Done" {
		t.Errorf("last_step = %s, want Done", p.LastStep)
	}
	if p.CreatedBy != "alice" {
		t.Errorf("created_by = %s", p.CreatedBy)
	}

	rows, err := store.Steps(ctx, pid)
	if err != nil {
		t.Fatalf("steps: %v", err)
	}
	want := []string{"Start:success", "step1:success", "step2:success", "step3:success", "Done:complete"}
	if got := stepNames(rows); !equalSlices(got, want) {
		t.Errorf("rows = %v, want %v", got, want)
	}

	// The final row's state holds the complete accumulated state.
	final := rows[len(rows)-1].State
	raw, _ := json.Marshal(final["steps"])
	if string(raw) != "[1,2,3]" {
		t.Errorf("final steps = %s, want [1,2,3]", raw)
	}
	if final["reporter"] != "alice" || final["workflow_name"] != "three_step" {
		t.Errorf("final state = %v", final)
	}
}

func TestRetryStepWaitsThenSucceeds(t *testing.T) {
	ctx := context.Background()
	registry := coreflow.NewRegistry()
	flaky := true
	mustRegister(t, registry, "with_retry", coreflow.TargetCreate,
		coreflow.Init().Then(
			coreflow.NewStep("step1", func(ctx context.Context, s coreflow.State) (coreflow.State, error) {
				return coreflow.State{"step1": true}, nil
			}),
			coreflow.RetryStep("soft_fail", func(ctx context.Context, s coreflow.State) (coreflow.State, error) {
				if flaky {
					return nil, errors.New("downstream not ready")
				}
				return coreflow.State{"ok": true}, nil
			}),
			coreflow.NewStep("step2", func(ctx context.Context, s coreflow.State) (coreflow.State, error) {
				return coreflow.State{"step2": true}, nil
			}),
		).Done())
	engine, store := newTestEngine(t, registry)

	pid, err := engine.StartProcess(ctx, "with_retry", nil, "alice")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	p, _ := store.GetProcess(ctx, pid)
	if p.LastStatus != coreflow.StatusWaiting {
		t.Fatalf("last_status = %s, want waiting", p.LastStatus)
	}
	if p.FailedReason != "downstream not ready" {
		t.Errorf("failed_reason = %q", p.FailedReason)
	}
	rows, _ := store.Steps(ctx, pid)
	want := []string{"Start:success", "step1:success", "soft_fail:waiting"}
	if got := stepNames(rows); !equalSlices(got, want) {
		t.Fatalf("rows = %v, want %v", got, want)
	}
	if rows[2].Retries != 0 {
		t.Errorf("retries = %d, want 0", rows[2].Retries)
	}

	// A second identical failure merges into the same row.
	if _, err := engine.ResumeProcess(ctx, pid, nil, "alice"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	rows, _ = store.Steps(ctx, pid)
	if got := stepNames(rows); !equalSlices(got, want) {
		t.Fatalf("after retry rows = %v, want deduplicated %v", got, want)
	}
	if rows[2].Retries != 1 {
		t.Errorf("retries = %d, want 1", rows[2].Retries)
	}
	if len(rows[2].CompletedAt) != 2 {
		t.Errorf("completed_at timestamps = %d, want 2", len(rows[2].CompletedAt))
	}

	// Flip the flag: the step succeeds as a new row and the process runs
	// to completion.
	flaky = false
	if _, err := engine.ResumeProcess(ctx, pid, nil, "alice"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	p, _ = store.GetProcess(ctx, pid)
	if p.LastStatus != coreflow.StatusCompleted {
		t.Fatalf("last_status = %s, want completed", p.LastStatus)
	}
	rows, _ = store.Steps(ctx, pid)
	wantFinal := []string{"Start:success", "step1:success", "soft_fail:waiting",
		"soft_fail:success", "step2:success", "Done:complete"}
	if got := stepNames(rows); !equalSlices(got, wantFinal) {
		t.Errorf("rows = %v, want %v", got, wantFinal)
	}
	final := rows[len(rows)-1].State
	if final["ok"] != true || final["step1"] != true || final["step2"] != true {
		t.Errorf("final state = %v", final)
	}
	if _, ok := final["error"]; ok {
		t.Error("error details survived the successful retry")
	}
}

func TestSuspendResumeWithForm(t *testing.T) {
	ctx := context.Background()
	registry := coreflow.NewRegistry()
	nameSchema := json.RawMessage(`{
		"type": "object",
		"properties": {"name": {"type": "string"}},
		"required": ["name"]
	}`)
	mustRegister(t, registry, "greet", coreflow.TargetCreate,
		coreflow.Init().Then(
			coreflow.InputStep("Ask name", coreflow.AssigneeChanges, coreflow.MergePage("who", nameSchema)),
		).Done())
	engine, store := newTestEngine(t, registry)

	pid, err := engine.StartProcess(ctx, "greet", nil, "alice")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	p, _ := store.GetProcess(ctx, pid)
	if p.LastStatus != coreflow.StatusSuspended {
		t.Fatalf("last_status = %s, want suspended", p.LastStatus)
	}
	if p.Assignee != coreflow.AssigneeChanges {
		t.Errorf("assignee = %s, want CHANGES", p.Assignee)
	}
	rows, _ := store.Steps(ctx, pid)
	last := rows[len(rows)-1]
	if last.Status != coreflow.OutcomeSuspend {
		t.Fatalf("last row = %s, want suspend", last.Status)
	}
	if _, ok := last.State["form"]; !ok {
		t.Error("suspend row has no form schema")
	}

	// Invalid input is rejected before anything is persisted.
	_, err = engine.ResumeProcess(ctx, pid, []coreflow.State{{"name": 42}}, "bob")
	var fvErr *coreflow.FormValidationError
	if !errors.As(err, &fvErr) {
		t.Fatalf("resume invalid: err = %v, want FormValidationError", err)
	}
	rows, _ = store.Steps(ctx, pid)
	if len(rows) != 2 {
		t.Fatalf("rejected resume wrote step rows: %v", stepNames(rows))
	}

	if _, err := engine.ResumeProcess(ctx, pid, []coreflow.State{{"name": "Jane"}}, "bob"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	p, _ = store.GetProcess(ctx, pid)
	if p.LastStatus != coreflow.StatusCompleted {
		t.Fatalf("last_status = %s, want completed", p.LastStatus)
	}
	rows, _ = store.Steps(ctx, pid)
	final := rows[len(rows)-1].State
	if final["name"] != "Jane" {
		t.Errorf("final state = %v, want name Jane", final)
	}
}

func TestAssertionFailureClassification(t *testing.T) {
	ctx := context.Background()
	registry := coreflow.NewRegistry()
	mustRegister(t, registry, "checks", coreflow.TargetSystem,
		coreflow.Init().Then(
			coreflow.NewStep("verify", func(ctx context.Context, s coreflow.State) (coreflow.State, error) {
				return nil, coreflow.InconsistentDataf("Assertion failure")
			}),
		).Done())
	engine, store := newTestEngine(t, registry)

	pid, err := engine.StartProcess(ctx, "checks", nil, "alice")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	p, _ := store.GetProcess(ctx, pid)
	if p.LastStatus != coreflow.StatusInconsistentData {
		t.Errorf("last_status = %s, want inconsistent_data", p.LastStatus)
	}
	if p.Assignee != coreflow.AssigneeNOC {
		t.Errorf("assignee = %s, want NOC", p.Assignee)
	}
	if p.FailedReason != "Assertion failure" {
		t.Errorf("failed_reason = %q", p.FailedReason)
	}
	if !p.IsTask {
		t.Error("is_task = false for SYSTEM workflow")
	}
}

func TestWorkflowEvolutionOnResume(t *testing.T) {
	ctx := context.Background()
	registry := coreflow.NewRegistry()
	ok := func(ctx context.Context, s coreflow.State) (coreflow.State, error) { return nil, nil }
	fail := func(ctx context.Context, s coreflow.State) (coreflow.State, error) {
		return nil, errors.New("old step broken")
	}
	mustRegister(t, registry, "evolving", coreflow.TargetModify,
		coreflow.Init().Then(
			coreflow.NewStep("step1", ok),
			coreflow.NewStep("step2", fail),
		).Done())
	engine, store := newTestEngine(t, registry)

	pid, err := engine.StartProcess(ctx, "evolving", nil, "alice")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	p, _ := store.GetProcess(ctx, pid)
	if p.LastStatus != coreflow.StatusFailed {
		t.Fatalf("last_status = %s, want failed", p.LastStatus)
	}

	// Deploy a new definition under the same name where step2 was
	// renamed. The persisted step2 row is dropped from the replay and the
	// remaining list picks up at the new step.
	next, err := coreflow.NewWorkflow("evolving", coreflow.TargetModify, "evolving",
		coreflow.Init().Then(
			coreflow.NewStep("step1", ok),
			coreflow.NewStep("step2_new", func(ctx context.Context, s coreflow.State) (coreflow.State, error) {
				return coreflow.State{"new": true}, nil
			}),
		).Done())
	if err != nil {
		t.Fatalf("new workflow: %v", err)
	}
	registry.Replace(next)

	pstat, err := engine.LoadProcess(ctx, p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	var remaining []string
	for _, st := range pstat.Remaining {
		remaining = append(remaining, st.Name)
	}
	want := []string{"step2_new", "Done"}
	if !equalSlices(remaining, want) {
		t.Fatalf("remaining = %v, want %v", remaining, want)
	}

	if _, err := engine.ResumeProcess(ctx, pid, nil, "alice"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	p, _ = store.GetProcess(ctx, pid)
	if p.LastStatus != coreflow.StatusCompleted {
		t.Errorf("last_status = %s, want completed", p.LastStatus)
	}
	rows, _ := store.Steps(ctx, pid)
	final := rows[len(rows)-1].State
	if final["new"] != true {
		t.Errorf("final state = %v, want new step's output", final)
	}
}

func TestConditionalSkipCounts(t *testing.T) {
	ctx := context.Background()
	registry := coreflow.NewRegistry()
	incN := func(ctx context.Context, s coreflow.State) (coreflow.State, error) {
		n, _ := s["n"].(int)
		return coreflow.State{"n": n + 1}, nil
	}
	below10 := func(s coreflow.State) bool {
		n, _ := s["n"].(int)
		return n < 10
	}
	steps := coreflow.Init()
	for i := 1; i <= 25; i++ {
		steps = steps.Then(coreflow.Conditional(below10)(
			coreflow.NewStep(fmt.Sprintf("inc %d", i), incN)))
	}
	mustRegister(t, registry, "counter", coreflow.TargetCreate, steps.Done())
	engine, store := newTestEngine(t, registry)

	pid, err := engine.StartProcess(ctx, "counter", nil, "alice")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	p, _ := store.GetProcess(ctx, pid)
	if p.LastStatus != coreflow.StatusCompleted {
		t.Fatalf("last_status = %s, want completed", p.LastStatus)
	}
	rows, _ := store.Steps(ctx, pid)
	skipped := 0
	for _, r := range rows {
		if r.Status == coreflow.OutcomeSkipped {
			skipped++
		}
	}
	if skipped != 15 {
		t.Errorf("skipped rows = %d, want 15", skipped)
	}
	final := rows[len(rows)-1].State
	if n, ok := final["n"].(float64); !ok || int(n) != 10 {
		t.Errorf("final n = %v, want 10", final["n"])
	}
}

func TestStartUnknownWorkflow(t *testing.T) {
	ctx := context.Background()
	engine, store := newTestEngine(t, coreflow.NewRegistry())
	_, err := engine.StartProcess(ctx, "nope", nil, "alice")
	if !errors.Is(err, coreflow.ErrWorkflowNotFound) {
		t.Fatalf("err = %v, want ErrWorkflowNotFound", err)
	}
	if ps, _ := store.Processes(ctx); len(ps) != 0 {
		t.Error("process row created for unknown workflow")
	}
}

func TestStartWithMalformedInitialForm(t *testing.T) {
	ctx := context.Background()
	registry := coreflow.NewRegistry()
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {"customer": {"type": "string"}},
		"required": ["customer"]
	}`)
	wf, err := coreflow.NewWorkflow("with_form", coreflow.TargetCreate, "with_form",
		coreflow.Init().Done())
	if err != nil {
		t.Fatal(err)
	}
	registry.MustRegister(wf.WithInitialForm(coreflow.MergePage("customer", schema)))
	engine, store := newTestEngine(t, registry)

	// No inputs at all: the required form was never filled.
	_, err = engine.StartProcess(ctx, "with_form", nil, "alice")
	var fvErr *coreflow.FormValidationError
	if !errors.As(err, &fvErr) {
		t.Fatalf("missing input: err = %v, want FormValidationError", err)
	}

	// Inputs violating the schema.
	_, err = engine.StartProcess(ctx, "with_form", []coreflow.State{{"customer": 7}}, "alice")
	if !errors.As(err, &fvErr) {
		t.Fatalf("bad input: err = %v, want FormValidationError", err)
	}
	if ps, _ := store.Processes(ctx); len(ps) != 0 {
		t.Error("process row created despite form validation failure")
	}

	// Valid input flows into the initial state.
	pid, err := engine.StartProcess(ctx, "with_form", []coreflow.State{{"customer": "acme"}}, "alice")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	rows, _ := store.Steps(ctx, pid)
	final := rows[len(rows)-1].State
	if final["customer"] != "acme" {
		t.Errorf("final state = %v, want customer acme", final)
	}
}

func TestResumeRefusedWhileRunning(t *testing.T) {
	ctx := context.Background()
	registry := coreflow.NewRegistry()
	mustRegister(t, registry, "simple", coreflow.TargetCreate,
		coreflow.Init().Then(
			coreflow.RetryStep("wait", func(ctx context.Context, s coreflow.State) (coreflow.State, error) {
				return nil, errors.New("not yet")
			}),
		).Done())
	engine, store := newTestEngine(t, registry)

	pid, err := engine.StartProcess(ctx, "simple", nil, "alice")
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	// Simulate a concurrently running execution.
	if err := store.EnsureProcessStatus(ctx, pid, coreflow.StatusRunning); err != nil {
		t.Fatal(err)
	}
	before, _ := store.InputStates(ctx, pid, coreflow.InputUserInput)

	got, err := engine.ResumeProcess(ctx, pid, nil, "alice")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got != "" {
		t.Errorf("resume returned %q, want empty id", got)
	}
	after, _ := store.InputStates(ctx, pid, coreflow.InputUserInput)
	if len(after) != len(before) {
		t.Error("refused resume persisted an input row")
	}
}

func TestAbortIsIdempotent(t *testing.T) {
	ctx := context.Background()
	registry := coreflow.NewRegistry()
	nameSchema := json.RawMessage(`{"type": "object"}`)
	mustRegister(t, registry, "abortable", coreflow.TargetCreate,
		coreflow.Init().Then(
			coreflow.InputStep("Ask", coreflow.AssigneeChanges, coreflow.MergePage("p", nameSchema)),
		).Done())
	engine, store := newTestEngine(t, registry)

	pid, err := engine.StartProcess(ctx, "abortable", nil, "alice")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := engine.AbortProcess(ctx, pid, "bob"); err != nil {
		t.Fatalf("abort: %v", err)
	}
	p, _ := store.GetProcess(ctx, pid)
	if p.LastStatus != coreflow.StatusAborted {
		t.Fatalf("last_status = %s, want aborted", p.LastStatus)
	}
	rows, _ := store.Steps(ctx, pid)
	n := len(rows)
	if rows[n-1].Name != "User Aborted" || rows[n-1].Status != coreflow.OutcomeAbort {
		t.Errorf("last row = %s:%s", rows[n-1].Name, rows[n-1].Status)
	}

	if _, err := engine.AbortProcess(ctx, pid, "bob"); err != nil {
		t.Fatalf("second abort: %v", err)
	}
	rows, _ = store.Steps(ctx, pid)
	if len(rows) != n {
		t.Errorf("second abort wrote rows: %d -> %d", n, len(rows))
	}
}

func TestResumeRemovedWorkflow(t *testing.T) {
	ctx := context.Background()
	registry := coreflow.NewRegistry()
	mustRegister(t, registry, "doomed", coreflow.TargetCreate,
		coreflow.Init().Then(
			coreflow.RetryStep("wait", func(ctx context.Context, s coreflow.State) (coreflow.State, error) {
				return nil, errors.New("not yet")
			}),
		).Done())
	engine, store := newTestEngine(t, registry)

	pid, err := engine.StartProcess(ctx, "doomed", nil, "alice")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	registry.Deregister("doomed")

	// The process still loads for inspection.
	p, _ := store.GetProcess(ctx, pid)
	pstat, err := engine.LoadProcess(ctx, p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !pstat.Workflow.Removed() {
		t.Error("loaded workflow not marked removed")
	}

	// But resuming is refused.
	_, err = engine.ResumeProcess(ctx, pid, nil, "alice")
	if !errors.Is(err, coreflow.ErrWorkflowRemoved) {
		t.Fatalf("err = %v, want ErrWorkflowRemoved", err)
	}
}

func TestSubscriptionLinkedFromState(t *testing.T) {
	ctx := context.Background()
	registry := coreflow.NewRegistry()
	subID := coreflow.NewID()
	mustRegister(t, registry, "provision", coreflow.TargetCreate,
		coreflow.Init().Then(
			coreflow.NewStep("make subscription", func(ctx context.Context, s coreflow.State) (coreflow.State, error) {
				return coreflow.State{"subscription_id": subID}, nil
			}),
		).Done())
	engine, store := newTestEngine(t, registry)

	pid, err := engine.StartProcess(ctx, "provision", nil, "alice")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	ids, err := store.SubscriptionIDs(ctx, pid)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != subID {
		t.Errorf("linked subscriptions = %v, want [%s]", ids, subID)
	}
}

// flakyLogStore fails LogStep for one step name a limited number of times,
// then delegates. Everything else passes straight through.
type flakyLogStore struct {
	coreflow.ProcessStore
	failStep string
	failures int
}

func (f *flakyLogStore) LogStep(ctx context.Context, rec coreflow.StepLogRecord) error {
	if rec.Step.Name == f.failStep && f.failures > 0 {
		f.failures--
		return errors.New("serialisation exploded")
	}
	return f.ProcessStore.LogStep(ctx, rec)
}

func TestLogFailureRecordedAsFailedStep(t *testing.T) {
	ctx := context.Background()
	registry := coreflow.NewRegistry()
	mustRegister(t, registry, "durable", coreflow.TargetCreate,
		coreflow.Init().Then(
			coreflow.NewStep("boom", func(ctx context.Context, s coreflow.State) (coreflow.State, error) {
				return coreflow.State{"x": true}, nil
			}),
		).Done())
	_, store := newTestEngine(t, registry)

	// The first write of boom's outcome fails; the re-log of the
	// synthesized failure goes through.
	flaky := &flakyLogStore{ProcessStore: store, failStep: "boom", failures: 1}
	engine := coreflow.New(registry, flaky, coreflow.WithTesting(true))

	pid, err := engine.StartProcess(ctx, "durable", nil, "alice")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	p, err := store.GetProcess(ctx, pid)
	if err != nil {
		t.Fatalf("get process: %v", err)
	}
	if p.LastStatus != coreflow.StatusFailed {
		t.Fatalf("last_status = %s, want failed", p.LastStatus)
	}
	if p.FailedReason != "serialisation exploded" {
		t.Errorf("failed_reason = %q", p.FailedReason)
	}

	rows, _ := store.Steps(ctx, pid)
	want := []string{"Start:success", "boom:failed"}
	if got := stepNames(rows); !equalSlices(got, want) {
		t.Fatalf("rows = %v, want %v", got, want)
	}
	last := rows[len(rows)-1].State
	if last["class"] != "log_failure" {
		t.Errorf("class = %v, want log_failure", last["class"])
	}
	if last["error"] != "serialisation exploded" {
		t.Errorf("error = %v", last["error"])
	}
	if tb, _ := last["traceback"].(string); tb == "" {
		t.Error("traceback not captured")
	}
	// The step's own outcome survives alongside the failure details.
	if last["x"] != true {
		t.Errorf("step state lost: %v", last)
	}
}

func TestLogFailureTwiceMarksProcessFailed(t *testing.T) {
	ctx := context.Background()
	registry := coreflow.NewRegistry()
	mustRegister(t, registry, "durable", coreflow.TargetCreate,
		coreflow.Init().Then(
			coreflow.NewStep("boom", func(ctx context.Context, s coreflow.State) (coreflow.State, error) {
				return coreflow.State{"x": true}, nil
			}),
		).Done())
	_, store := newTestEngine(t, registry)

	// Both the original write and the re-log fail: the process row itself
	// is marked failed as a last resort.
	flaky := &flakyLogStore{ProcessStore: store, failStep: "boom", failures: 2}
	engine := coreflow.New(registry, flaky, coreflow.WithTesting(true))

	pid, err := engine.StartProcess(ctx, "durable", nil, "alice")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	p, err := store.GetProcess(ctx, pid)
	if err != nil {
		t.Fatalf("get process: %v", err)
	}
	if p.LastStatus != coreflow.StatusFailed {
		t.Fatalf("last_status = %s, want failed", p.LastStatus)
	}
	if p.FailedReason != "serialisation exploded" {
		t.Errorf("failed_reason = %q", p.FailedReason)
	}
	rows, _ := store.Steps(ctx, pid)
	want := []string{"Start:success"}
	if got := stepNames(rows); !equalSlices(got, want) {
		t.Errorf("rows = %v, want %v", got, want)
	}
}

func TestStaleResumeInputsDroppedAfterRename(t *testing.T) {
	ctx := context.Background()
	registry := coreflow.NewRegistry()
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {"name": {"type": "string"}},
		"required": ["name"]
	}`)
	mustRegister(t, registry, "renaming", coreflow.TargetCreate,
		coreflow.Init().Then(
			coreflow.InputStep("Ask name", coreflow.AssigneeChanges, coreflow.MergePage("who", schema)),
		).Done())
	engine, store := newTestEngine(t, registry)

	pid, err := engine.StartProcess(ctx, "renaming", nil, "alice")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	p, _ := store.GetProcess(ctx, pid)
	if p.LastStatus != coreflow.StatusSuspended {
		t.Fatalf("last_status = %s, want suspended", p.LastStatus)
	}

	// Deploy a definition where the pending input step was renamed into a
	// plain step. The submitted payloads have no consumer left and must
	// not end up in persisted state.
	next, err := coreflow.NewWorkflow("renaming", coreflow.TargetCreate, "renaming",
		coreflow.Init().Then(
			coreflow.NewStep("Apply defaults", func(ctx context.Context, s coreflow.State) (coreflow.State, error) {
				return coreflow.State{"name": "default"}, nil
			}),
		).Done())
	if err != nil {
		t.Fatalf("new workflow: %v", err)
	}
	registry.Replace(next)

	if _, err := engine.ResumeProcess(ctx, pid, []coreflow.State{{"name": "Jane"}}, "bob"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	p, _ = store.GetProcess(ctx, pid)
	if p.LastStatus != coreflow.StatusCompleted {
		t.Fatalf("last_status = %s, want completed", p.LastStatus)
	}
	rows, _ := store.Steps(ctx, pid)
	for _, r := range rows {
		if _, ok := r.State["_resume_inputs"]; ok {
			t.Errorf("row %s:%s carries orphaned resume inputs", r.Name, r.Status)
		}
	}
	final := rows[len(rows)-1].State
	if final["name"] != "default" {
		t.Errorf("final state = %v, want the renamed step's output", final)
	}
}

func equalSlices(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
