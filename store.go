package coreflow

import "context"

// StepLogRecord is the atomic unit handed to ProcessStore.LogStep: the new
// step row plus the process-row fields derived from it. The store commits
// both in one transaction so a crash can never persist a step without its
// status transition.
type StepLogRecord struct {
	Process ProcessRow
	Step    StepRow
	// Dedup marks outcomes eligible for retry deduplication (waiting and
	// failed). When set and the process's most recent step row has the
	// same name and status, the store updates that row in place instead
	// of appending: retries is incremented, the new timestamp is appended
	// to the completed_at list, and state is overwritten.
	Dedup bool
}

// ProcessStore persists processes, their step log, input payloads, and
// subscription links. Implementations live in store/sqlite and
// store/postgres.
type ProcessStore interface {
	// Init creates the schema if needed.
	Init(ctx context.Context) error

	// CreateProcess inserts a new process row and its initial-state
	// payload in one transaction.
	CreateProcess(ctx context.Context, p ProcessRow, initial InputStateRow) error

	// GetProcess returns the process row, or ErrProcessNotFound.
	GetProcess(ctx context.Context, processID string) (ProcessRow, error)

	// EnsureProcessStatus transitions last_status to the target, failing
	// with ErrInvalidProcessStatus when the current status is one of the
	// forbidden values. The check and the update are atomic.
	EnsureProcessStatus(ctx context.Context, processID string, target ProcessStatus, forbidden ...ProcessStatus) error

	// LogStep persists one step outcome per the StepLogRecord contract.
	// Returns ErrProcessNotFound when the process row is missing.
	LogStep(ctx context.Context, rec StepLogRecord) error

	// Steps returns the persisted step rows for a process in seq order.
	Steps(ctx context.Context, processID string) ([]StepRow, error)

	// AddInputState appends a submitted payload row.
	AddInputState(ctx context.Context, row InputStateRow) error

	// InputStates returns the payload rows for a process in submission
	// order, optionally filtered by type ("" = all).
	InputStates(ctx context.Context, processID string, typ InputType) ([]InputStateRow, error)

	// LinkSubscription associates a subscription id with a process.
	// Linking the same pair twice is a no-op.
	LinkSubscription(ctx context.Context, processID, subscriptionID string) error

	// SubscriptionIDs returns the subscription ids linked to a process.
	SubscriptionIDs(ctx context.Context, processID string) ([]string, error)

	// MarkProcessFailed records a failure on the process row itself. Used
	// by the top-level execution hook when step logging is impossible.
	MarkProcessFailed(ctx context.Context, processID, reason string) error

	// Close releases the store's resources.
	Close() error
}
