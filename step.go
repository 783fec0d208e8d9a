package coreflow

import "context"

// Assignee is the party responsible for acting on a suspended or failed
// process.
type Assignee string

const (
	AssigneeSystem  Assignee = "SYSTEM"
	AssigneeChanges Assignee = "CHANGES"
	AssigneeNOC     Assignee = "NOC"
)

// StepKind distinguishes how the runtime treats a step's execution and its
// failures.
type StepKind string

const (
	// KindPlain wraps a function whose returned delta is merged into state.
	KindPlain StepKind = "plain"
	// KindInput suspends the process to collect user input through a form.
	KindInput StepKind = "input"
	// KindRetry is like plain, but a failure yields Waiting (recoverable)
	// instead of Failed.
	KindRetry StepKind = "retry"
	// KindPure lifts an Outcome constructor directly (Start, Done, abort).
	KindPure StepKind = "pure"
)

// StepFunc is the body of a plain or retry step. It receives the full
// current state and returns a partial update that the engine merges into a
// new state. A nil delta is a success that adds no keys.
type StepFunc func(ctx context.Context, s State) (State, error)

// Step is a named unit of work inside a workflow. Steps are values: the
// decorators below construct them and the transformers Conditional and
// Focus wrap them without executing anything. Steps are addressed by Name
// in the persistent log, so names must be unique within a workflow.
type Step struct {
	Name     string
	Assignee Assignee
	Kind     StepKind

	fn    StepFunc
	pure  func(State) Outcome
	pages []FormPage
	cond  func(State) bool
}

// NewStep returns a plain step. The step's delta is merged into state to
// produce a Success outcome; an error becomes Failed.
func NewStep(name string, fn StepFunc) Step {
	return Step{Name: name, Assignee: AssigneeSystem, Kind: KindPlain, fn: fn}
}

// RetryStep returns a step whose errors yield Waiting instead of Failed.
// The engine deduplicates repeated Waiting rows for the same step, so a
// flapping external dependency produces one row with a retry counter.
func RetryStep(name string, fn StepFunc) Step {
	return Step{Name: name, Assignee: AssigneeSystem, Kind: KindRetry, fn: fn}
}

// InputStep returns a step that suspends the process and collects user
// input through the given form pages. On first execution it emits Suspend
// with the first page's schema in state; on resume each page consumes one
// validated payload until all pages are applied.
func InputStep(name string, assignee Assignee, pages ...FormPage) Step {
	return Step{Name: name, Assignee: assignee, Kind: KindInput, pages: pages}
}

// PureStep lifts an Outcome constructor into a step. Used for the synthetic
// Start, Done, and abort steps.
func PureStep(name string, fn func(State) Outcome) Step {
	return Step{Name: name, Assignee: AssigneeSystem, Kind: KindPure, pure: fn}
}

// Conditional returns a step transformer that executes the wrapped step only
// when pred(state) is true, and emits Skipped otherwise. Wrapping an already
// conditional step composes the predicates with AND.
func Conditional(pred func(State) bool) func(Step) Step {
	return func(st Step) Step {
		if prev := st.cond; prev != nil {
			st.cond = func(s State) bool { return prev(s) && pred(s) }
		} else {
			st.cond = pred
		}
		return st
	}
}

// Focus returns a step transformer that narrows the wrapped step's view of
// state to the sub-map under key (created empty when missing). The wrapped
// step's delta is merged back under the same key. Only function-bodied steps
// (plain, retry) can be focused.
func Focus(key string) func(Step) Step {
	return func(st Step) Step {
		inner := st.fn
		st.fn = func(ctx context.Context, s State) (State, error) {
			sub := subState(s, key)
			delta, err := inner(ctx, sub)
			if err != nil {
				return nil, err
			}
			return State{key: sub.Merge(delta)}, nil
		}
		return st
	}
}

// subState extracts s[key] as a State, tolerating the map[string]any shape
// produced by JSON decoding. Missing or foreign values yield an empty map.
func subState(s State, key string) State {
	switch v := s[key].(type) {
	case State:
		return v
	case map[string]any:
		return State(v)
	default:
		return State{}
	}
}

// Names of the synthetic pipeline steps.
const (
	StepNameStart       = "Start"
	StepNameDone        = "Done"
	StepNameUserAborted = "User Aborted"
)

// StepList is an ordered sequence of steps. Composition is by appending;
// the zero value is an empty pipeline.
type StepList []Step

// Init returns the canonical pipeline head: a StepList holding only the
// synthetic Start step.
func Init() StepList {
	return StepList{PureStep(StepNameStart, Success)}
}

// Then appends steps and returns the extended list. The receiver is not
// modified, so pipelines can share prefixes.
func (l StepList) Then(steps ...Step) StepList {
	out := make(StepList, 0, len(l)+len(steps))
	out = append(out, l...)
	return append(out, steps...)
}

// Done appends the synthetic Done step, which emits the Complete outcome.
func (l StepList) Done() StepList {
	return l.Then(PureStep(StepNameDone, Complete))
}

// Names returns the step names in order.
func (l StepList) Names() []string {
	names := make([]string, len(l))
	for i, s := range l {
		names[i] = s.Name
	}
	return names
}

// abortPipeline is the single-step pipeline run by AbortProcess.
func abortPipeline() StepList {
	return StepList{PureStep(StepNameUserAborted, Abort)}
}
