package coreflow

import (
	"fmt"
	"sort"
	"sync"
)

// Target is the lifecycle operation a workflow performs.
type Target string

const (
	TargetCreate    Target = "CREATE"
	TargetModify    Target = "MODIFY"
	TargetTerminate Target = "TERMINATE"
	TargetValidate  Target = "VALIDATE"
	TargetSystem    Target = "SYSTEM"
)

// Workflow is a named, immutable pipeline template. Processes reference
// workflows by name, so a registered workflow's step names form part of
// the persistent contract with in-flight processes.
type Workflow struct {
	Name        string
	Target      Target
	Description string
	// InitialForm, when non-empty, validates the inputs a process is
	// started with. Pages follow the same protocol as input steps.
	InitialForm []FormPage
	Steps       StepList

	// removed marks the placeholder substituted when a persisted process
	// references a workflow no longer in the registry. Such a process can
	// be loaded for inspection but refuses to resume.
	removed bool
}

// NewWorkflow builds and validates a workflow template. Step names must be
// unique because the persisted log addresses steps by name.
func NewWorkflow(name string, target Target, description string, steps StepList) (*Workflow, error) {
	if name == "" {
		return nil, fmt.Errorf("workflow name must not be empty")
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("workflow %q has no steps", name)
	}
	seen := make(map[string]bool, len(steps))
	for _, st := range steps {
		if st.Name == "" {
			return nil, fmt.Errorf("workflow %q has a step without a name", name)
		}
		if seen[st.Name] {
			return nil, fmt.Errorf("workflow %q has duplicate step %q", name, st.Name)
		}
		seen[st.Name] = true
	}
	return &Workflow{Name: name, Target: target, Description: description, Steps: steps}, nil
}

// WithInitialForm returns a copy of the workflow that validates start
// inputs against the given form pages.
func (w *Workflow) WithInitialForm(pages ...FormPage) *Workflow {
	cp := *w
	cp.InitialForm = pages
	return &cp
}

// Removed reports whether this workflow is the removed-workflow
// placeholder.
func (w *Workflow) Removed() bool { return w.removed }

// IsTask reports whether processes of this workflow are system tasks.
func (w *Workflow) IsTask() bool { return w.Target == TargetSystem }

// removedWorkflow builds the placeholder used when loading a process whose
// workflow left the registry. It carries only the synthetic pipeline, so
// the process can be inspected, and ResumeProcess rejects it by the
// removed flag.
func removedWorkflow(name string) *Workflow {
	return &Workflow{
		Name:        name,
		Target:      TargetSystem,
		Description: "Removed workflow",
		Steps:       Init().Done(),
		removed:     true,
	}
}

// Registry holds the live workflow templates by name. Safe for concurrent
// use; registration normally happens once at startup but the validation
// task reads it while processes run.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{workflows: make(map[string]*Workflow)}
}

// Register adds a workflow. Registering a name twice is a programming
// error and fails.
func (r *Registry) Register(w *Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workflows[w.Name]; ok {
		return fmt.Errorf("workflow %q already registered", w.Name)
	}
	r.workflows[w.Name] = w
	return nil
}

// MustRegister is Register that panics on error, for static setup.
func (r *Registry) MustRegister(w *Workflow) {
	if err := r.Register(w); err != nil {
		panic(err)
	}
}

// Replace installs a workflow under its name whether or not the name was
// registered before. In-flight processes pick up the new definition on
// resume via name-based log matching.
func (r *Registry) Replace(w *Workflow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[w.Name] = w
}

// Deregister removes a workflow by name.
func (r *Registry) Deregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.workflows, name)
}

// Get resolves a workflow by name.
func (r *Registry) Get(name string) (*Workflow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workflows[name]
	return w, ok
}

// Names returns the registered workflow names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.workflows))
	for name := range r.workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns the registered workflows keyed by name.
func (r *Registry) All() map[string]*Workflow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Workflow, len(r.workflows))
	for name, w := range r.workflows {
		out[name] = w
	}
	return out
}
