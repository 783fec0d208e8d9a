package coreflow

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// State keys used by the form protocol. stateKeyForm carries the pending
// page schema while a process is suspended; resumeInputsKey carries the
// submitted payload list injected into state on resume and never survives
// past the input step that consumes it.
const (
	stateKeyForm    = "form"
	resumeInputsKey = "_resume_inputs"
)

// FormPage is one page of an input step's form. Schema renders the JSON
// schema the user must satisfy, given the state at suspension time. Apply
// folds the validated payload into state once it arrives.
type FormPage struct {
	Name   string
	Schema func(State) json.RawMessage
	Apply  func(s State, input State) (State, error)
}

// MergePage returns a page whose payload is merged into state verbatim.
// Most forms need nothing more.
func MergePage(name string, schema json.RawMessage) FormPage {
	return FormPage{
		Name:   name,
		Schema: func(State) json.RawMessage { return schema },
		Apply:  func(s State, input State) (State, error) { return s.Merge(input), nil },
	}
}

// pendingForm is the drive loop's signal that more input is needed: the
// next page to present and its rendered schema.
type pendingForm struct {
	page   FormPage
	schema json.RawMessage
}

// postForm drives a page list against the submitted payloads. Each page
// consumes one payload, validated against the page's schema, and applies
// it to state. It returns the final state when every page was satisfied, a
// pendingForm when payloads ran out first, or a FormValidationError when a
// payload does not satisfy its page's schema.
//
// The loop is stateless: a resumed process re-runs it from page zero with
// the full accumulated payload list, so multi-page forms need no cursor in
// persisted state.
func postForm(pages []FormPage, s State, inputs []State) (State, *pendingForm, error) {
	for i, page := range pages {
		if i >= len(inputs) {
			return nil, &pendingForm{page: page, schema: page.Schema(s)}, nil
		}
		input := inputs[i]
		if err := validateInput(page, page.Schema(s), input); err != nil {
			return nil, nil, err
		}
		next, err := page.Apply(s, input)
		if err != nil {
			return nil, nil, &FormValidationError{Page: page.Name, Err: err}
		}
		s = next
	}
	return s, nil, nil
}

// validateInput checks one payload against one page schema.
func validateInput(page FormPage, schema json.RawMessage, input State) error {
	if len(schema) == 0 {
		return nil
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schema))
	if err != nil {
		return fmt.Errorf("form page %q: invalid schema: %w", page.Name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("form.json", doc); err != nil {
		return fmt.Errorf("form page %q: %w", page.Name, err)
	}
	compiled, err := c.Compile("form.json")
	if err != nil {
		return fmt.Errorf("form page %q: %w", page.Name, err)
	}
	// Round-trip through JSON so the instance matches what the validator
	// expects (plain maps, float64 numbers).
	raw, err := json.Marshal(input)
	if err != nil {
		return &FormValidationError{Page: page.Name, Err: err}
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return &FormValidationError{Page: page.Name, Err: err}
	}
	if err := compiled.Validate(instance); err != nil {
		return &FormValidationError{Page: page.Name, Err: err}
	}
	return nil
}

// resumeInputs extracts the payload list injected under resumeInputsKey,
// tolerating the decoded-JSON shape loaded from the store.
func resumeInputs(s State) []State {
	switch v := s[resumeInputsKey].(type) {
	case []State:
		return v
	case []any:
		out := make([]State, 0, len(v))
		for _, e := range v {
			if m, ok := e.(map[string]any); ok {
				out = append(out, State(m))
			}
		}
		return out
	default:
		return nil
	}
}
