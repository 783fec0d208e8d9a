package coreflow

import (
	"errors"
	"fmt"
)

// ResumeWorkflowRemovedErrMsg is the fixed message returned when a process
// whose workflow was removed from the registry is resumed.
const ResumeWorkflowRemovedErrMsg = "This workflow cannot be resumed: it has been removed from the workflow registry"

var (
	// ErrWorkflowNotFound is returned by StartProcess for an unregistered
	// workflow name. Maps to HTTP 404 in the API layer.
	ErrWorkflowNotFound = errors.New("workflow does not exist")

	// ErrWorkflowRemoved is returned by ResumeProcess when the persisted
	// process references a workflow no longer in the registry. Maps to 410.
	ErrWorkflowRemoved = errors.New(ResumeWorkflowRemovedErrMsg)

	// ErrProcessNotFound is returned by stores for an unknown process id.
	ErrProcessNotFound = errors.New("process not found")

	// ErrInvalidProcessStatus is returned when a status transition is
	// attempted from a status that does not permit it. Maps to 409.
	ErrInvalidProcessStatus = errors.New("process status does not allow this operation")
)

// APIError represents a failed call to an external API from within a step.
// A step returning an APIError marks the process api_unavailable so that it
// can be retried once the external system recovers.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// InconsistentDataError signals that a step found registry or database state
// that violates an invariant. The process is marked inconsistent_data and
// assigned to NOC.
type InconsistentDataError struct {
	Message string
}

func (e *InconsistentDataError) Error() string { return e.Message }

// InconsistentDataf returns an InconsistentDataError with a formatted message.
func InconsistentDataf(format string, args ...any) error {
	return &InconsistentDataError{Message: fmt.Sprintf(format, args...)}
}

// ProcessFailureError is raised by validation steps on violated checks.
// Details carries structured findings that end up in the persisted state.
type ProcessFailureError struct {
	Message string
	Details any
}

func (e *ProcessFailureError) Error() string {
	if e.Details == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Details)
}

// FormValidationError is returned when user input does not satisfy a form
// page schema, or when a required form received no input. It is always
// raised before any persistence. Maps to HTTP 400.
type FormValidationError struct {
	Page string
	Err  error
}

func (e *FormValidationError) Error() string {
	return fmt.Sprintf("form validation failed on page %q: %v", e.Page, e.Err)
}

func (e *FormValidationError) Unwrap() error { return e.Err }
