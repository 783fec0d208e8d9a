package coreflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// State keys seeded into every process's initial state.
const (
	stateKeyProcessID      = "process_id"
	stateKeyReporter       = "reporter"
	stateKeyWorkflowName   = "workflow_name"
	stateKeyWorkflowTarget = "workflow_target"
)

// Engine ties the workflow registry, the process store, and an executor
// together and exposes the process API consumed by the transport layer.
type Engine struct {
	registry   *Registry
	store      ProcessStore
	logger     *slog.Logger
	tracer     Tracer
	broadcast  BroadcastFunc
	executor   Executor
	maxWorkers int
	testing    bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets a structured logger. Without it the engine is silent.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithTracer enables span creation around process and step execution.
func WithTracer(t Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithBroadcast sets the hook invoked after every committed step.
func WithBroadcast(fn BroadcastFunc) Option {
	return func(e *Engine) { e.broadcast = fn }
}

// WithExecutor replaces the default thread pool executor, e.g. with the
// queue-backed one.
func WithExecutor(x Executor) Option {
	return func(e *Engine) { e.executor = x }
}

// WithMaxWorkers bounds the default thread pool executor. Default 5.
func WithMaxWorkers(n int) Option {
	return func(e *Engine) { e.maxWorkers = n }
}

// WithTesting makes the default executor run processes synchronously on
// the caller's goroutine.
func WithTesting(testing bool) Option {
	return func(e *Engine) { e.testing = testing }
}

// New builds an Engine over a registry and a store. Unless WithExecutor is
// given, processes run on an in-process thread pool of MaxWorkers size.
func New(registry *Registry, store ProcessStore, opts ...Option) *Engine {
	e := &Engine{
		registry:   registry,
		store:      store,
		logger:     nopLogger,
		maxWorkers: 5,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.executor == nil {
		pool := NewThreadPool(e, e.maxWorkers, PoolLogger(e.logger))
		pool.testing = e.testing
		e.executor = pool
	}
	return e
}

// Registry returns the engine's workflow registry.
func (e *Engine) Registry() *Registry { return e.registry }

// Store returns the engine's process store.
func (e *Engine) Store() ProcessStore { return e.store }

// WorkerStatus samples the executor's worker inventory.
func (e *Engine) WorkerStatus(ctx context.Context) (WorkerStatus, error) {
	return e.executor.Status(ctx)
}

// StartProcess creates a process for the named workflow and dispatches its
// execution. It validates userInputs against the workflow's initial form
// before anything is persisted and returns the new process id immediately;
// the caller observes progress through the persisted rows.
func (e *Engine) StartProcess(ctx context.Context, workflowName string, userInputs []State, user string) (string, error) {
	wf, ok := e.registry.Get(workflowName)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowName)
	}

	formState := State{}
	if len(wf.InitialForm) > 0 {
		final, pending, err := postForm(wf.InitialForm, State{}, userInputs)
		if err != nil {
			return "", err
		}
		if pending != nil {
			return "", &FormValidationError{
				Page: pending.page.Name,
				Err:  errors.New("form input required"),
			}
		}
		formState = final
	}

	processID := NewID()
	now := time.Now().UTC()
	initial := State{
		stateKeyProcessID:      processID,
		stateKeyReporter:       user,
		stateKeyWorkflowName:   wf.Name,
		stateKeyWorkflowTarget: string(wf.Target),
	}.Merge(formState)

	row := ProcessRow{
		ProcessID:    processID,
		WorkflowName: wf.Name,
		LastStatus:   StatusCreated,
		Assignee:     AssigneeSystem,
		IsTask:       wf.IsTask(),
		CreatedBy:    user,
		StartedAt:    now,
		LastModified: now,
	}
	inputRow := InputStateRow{
		ProcessID: processID,
		InputType: InputInitialState,
		Payload:   []State{initial},
		InputTime: now,
	}
	if err := e.store.CreateProcess(ctx, row, inputRow); err != nil {
		return "", err
	}
	e.logger.Info("process created",
		"process_id", processID, "workflow", wf.Name, "user", user)

	if err := e.executor.Dispatch(ctx, OpStart, row, user); err != nil {
		return "", err
	}
	return processID, nil
}

// ResumeProcess validates the submitted inputs, records them, transitions
// the process to resumed, and dispatches the continued execution. A
// process that is already running or resumed is left alone and an empty
// id is returned.
func (e *Engine) ResumeProcess(ctx context.Context, processID string, userInputs []State, user string) (string, error) {
	row, err := e.store.GetProcess(ctx, processID)
	if err != nil {
		return "", err
	}
	pstat, err := e.LoadProcess(ctx, row)
	if err != nil {
		return "", err
	}
	if pstat.Workflow.Removed() {
		return "", ErrWorkflowRemoved
	}
	if row.LastStatus == StatusRunning || row.LastStatus == StatusResumed {
		e.logger.Info("resume refused, process already running",
			"process_id", processID, "last_status", row.LastStatus)
		return "", nil
	}

	// Dry-run the pending form against the submitted payloads so invalid
	// input surfaces to the caller before anything is persisted.
	if pstat.State.IsSuspend() && len(pstat.Remaining) > 0 && pstat.Remaining[0].Kind == KindInput {
		st := pstat.Remaining[0]
		base := pstat.State.State.Without(stateKeyForm)
		if _, _, err := postForm(st.pages, base, userInputs); err != nil {
			return "", err
		}
	}

	if err := e.store.AddInputState(ctx, InputStateRow{
		ProcessID: processID,
		InputType: InputUserInput,
		Payload:   userInputs,
		InputTime: time.Now().UTC(),
	}); err != nil {
		return "", err
	}
	if err := e.store.EnsureProcessStatus(ctx, processID, StatusResumed,
		StatusRunning, StatusResumed, StatusCompleted, StatusAborted); err != nil {
		return "", err
	}
	row.LastStatus = StatusResumed

	if err := e.executor.Dispatch(ctx, OpResume, row, user); err != nil {
		return "", err
	}
	return processID, nil
}

// AbortProcess terminates a process on user request by running the abort
// pipeline through the normal step machinery. Aborting an already aborted
// process is a no-op.
func (e *Engine) AbortProcess(ctx context.Context, processID, user string) (string, error) {
	row, err := e.store.GetProcess(ctx, processID)
	if err != nil {
		return "", err
	}
	if row.LastStatus == StatusAborted {
		return processID, nil
	}
	pstat, err := e.LoadProcess(ctx, row)
	if err != nil {
		return "", err
	}
	pstat.User = user
	pstat.State = Success(pstat.State.State)
	pstat.Remaining = abortPipeline()

	e.runProcess(ctx, pstat)
	return processID, nil
}

// RunStart executes a freshly created process. Runner entry point used by
// the executors.
func (e *Engine) RunStart(ctx context.Context, processID, user string) error {
	row, err := e.store.GetProcess(ctx, processID)
	if err != nil {
		return err
	}
	pstat, err := e.LoadProcess(ctx, row)
	if err != nil {
		return err
	}
	pstat.User = user
	e.runProcess(ctx, pstat)
	return nil
}

// RunResume executes a resumed process: the suspended or waiting outcome
// it was loaded with is converted back to a continuable one, with the
// user's submitted payloads injected for the pending input step.
func (e *Engine) RunResume(ctx context.Context, processID, user string) error {
	row, err := e.store.GetProcess(ctx, processID)
	if err != nil {
		return err
	}
	pstat, err := e.LoadProcess(ctx, row)
	if err != nil {
		return err
	}
	if pstat.Workflow.Removed() {
		return ErrWorkflowRemoved
	}
	pstat.User = user

	switch pstat.State.Kind {
	case OutcomeSuspend:
		inputs, err := e.latestUserInputs(ctx, processID)
		if err != nil {
			return err
		}
		s := pstat.State.State.Merge(State{resumeInputsKey: inputs})
		pstat.State = Success(s)
	case OutcomeWaiting, OutcomeFailed:
		pstat.State = Success(pstat.State.State.Without(errorStateKeys...))
	}

	e.runProcess(ctx, pstat)
	return nil
}

// latestUserInputs returns the payload list of the most recent user_input
// row. Each resume submission carries the full page list for the pending
// input step, so only the latest row counts.
func (e *Engine) latestUserInputs(ctx context.Context, processID string) ([]State, error) {
	rows, err := e.store.InputStates(ctx, processID, InputUserInput)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[len(rows)-1].Payload, nil
}

// runProcess is the top-level execution hook around runSteps. A durability
// failure that even safeLogStep could not record is written onto the
// process row directly so the process never looks alive after its worker
// gave up.
func (e *Engine) runProcess(ctx context.Context, pstat *ProcessStat) {
	var span Span
	if e.tracer != nil {
		ctx, span = e.tracer.Start(ctx, "coreflow.process",
			StringAttr("process.id", pstat.ProcessID),
			StringAttr("workflow.name", pstat.Workflow.Name))
		defer span.End()
	}

	outcome, err := e.runSteps(ctx, pstat)
	if err != nil {
		if span != nil {
			span.Error(err)
		}
		e.logger.Error("process execution failed beyond recovery",
			"process_id", pstat.ProcessID, "error", err)
		if mErr := e.store.MarkProcessFailed(ctx, pstat.ProcessID, err.Error()); mErr != nil {
			e.logger.Error("marking process failed",
				"process_id", pstat.ProcessID, "error", mErr)
		}
		return
	}
	e.logger.Info("process run finished",
		"process_id", pstat.ProcessID, "outcome", outcome.Kind)
}
