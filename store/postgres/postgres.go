// Package postgres implements coreflow.ProcessStore and coreflow.Catalog
// using PostgreSQL.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jvdheide/coreflow"
)

// Store implements coreflow.ProcessStore backed by PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Option configures a PostgreSQL Store.
type Option func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

var _ coreflow.ProcessStore = (*Store)(nil)
var _ coreflow.Catalog = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS processes (
			process_id UUID PRIMARY KEY,
			workflow_name TEXT NOT NULL,
			last_status TEXT NOT NULL,
			last_step TEXT NOT NULL DEFAULT '',
			assignee TEXT NOT NULL DEFAULT 'SYSTEM',
			is_task BOOLEAN NOT NULL DEFAULT FALSE,
			failed_reason TEXT NOT NULL DEFAULT '',
			created_by TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL,
			last_modified_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS process_steps (
			process_id UUID NOT NULL REFERENCES processes(process_id) ON DELETE CASCADE,
			seq BIGINT NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			state JSONB NOT NULL,
			created_by TEXT NOT NULL DEFAULT '',
			retries INTEGER NOT NULL DEFAULT 0,
			completed_at JSONB NOT NULL,
			PRIMARY KEY (process_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS process_subscriptions (
			process_id UUID NOT NULL,
			subscription_id UUID NOT NULL,
			PRIMARY KEY (process_id, subscription_id)
		)`,
		`CREATE TABLE IF NOT EXISTS input_states (
			id BIGSERIAL PRIMARY KEY,
			process_id UUID NOT NULL,
			input_type TEXT NOT NULL,
			input_state JSONB NOT NULL,
			input_time TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS workflows (
			name TEXT PRIMARY KEY,
			target TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS products (
			product_id UUID PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			tag TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active'
		)`,
		`CREATE TABLE IF NOT EXISTS product_workflows (
			product_id UUID NOT NULL,
			workflow_name TEXT NOT NULL,
			PRIMARY KEY (product_id, workflow_name)
		)`,
		`CREATE TABLE IF NOT EXISTS fixed_inputs (
			product_name TEXT NOT NULL,
			name TEXT NOT NULL,
			value TEXT NOT NULL,
			PRIMARY KEY (product_name, name)
		)`,
		`CREATE TABLE IF NOT EXISTS subscriptions (
			subscription_id UUID PRIMARY KEY,
			product_id UUID
		)`,
		`CREATE INDEX IF NOT EXISTS idx_input_states_process ON input_states(process_id)`,
		`CREATE INDEX IF NOT EXISTS idx_processes_status ON processes(last_status)`,
	}
	for _, ddl := range tables {
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Close is a no-op: the pool is externally owned.
func (s *Store) Close() error { return nil }

// CreateProcess inserts the process row and its initial-state payload in
// one transaction.
func (s *Store) CreateProcess(ctx context.Context, p coreflow.ProcessRow, initial coreflow.InputStateRow) error {
	payload, err := json.Marshal(initial.Payload)
	if err != nil {
		return fmt.Errorf("marshal initial state: %w", err)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `INSERT INTO processes
		(process_id, workflow_name, last_status, last_step, assignee, is_task, failed_reason, created_by, started_at, last_modified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ProcessID, p.WorkflowName, string(p.LastStatus), p.LastStep, string(p.Assignee),
		p.IsTask, p.FailedReason, p.CreatedBy, p.StartedAt, p.LastModified)
	if err != nil {
		return fmt.Errorf("insert process: %w", err)
	}
	_, err = tx.Exec(ctx, `INSERT INTO input_states (process_id, input_type, input_state, input_time)
		VALUES ($1, $2, $3, $4)`,
		initial.ProcessID, string(initial.InputType), payload, initial.InputTime)
	if err != nil {
		return fmt.Errorf("insert input state: %w", err)
	}
	return tx.Commit(ctx)
}

// GetProcess returns the process row by id.
func (s *Store) GetProcess(ctx context.Context, processID string) (coreflow.ProcessRow, error) {
	var p coreflow.ProcessRow
	var status, assignee string
	err := s.pool.QueryRow(ctx, `SELECT process_id, workflow_name, last_status, last_step,
		assignee, is_task, failed_reason, created_by, started_at, last_modified_at
		FROM processes WHERE process_id = $1`, processID).
		Scan(&p.ProcessID, &p.WorkflowName, &status, &p.LastStep,
			&assignee, &p.IsTask, &p.FailedReason, &p.CreatedBy, &p.StartedAt, &p.LastModified)
	if errors.Is(err, pgx.ErrNoRows) {
		return coreflow.ProcessRow{}, coreflow.ErrProcessNotFound
	}
	if err != nil {
		return coreflow.ProcessRow{}, err
	}
	p.LastStatus = coreflow.ProcessStatus(status)
	p.Assignee = coreflow.Assignee(assignee)
	return p, nil
}

// EnsureProcessStatus transitions last_status unless the current status is
// forbidden. The row is locked for the duration of the check.
func (s *Store) EnsureProcessStatus(ctx context.Context, processID string, target coreflow.ProcessStatus, forbidden ...coreflow.ProcessStatus) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var current string
	err = tx.QueryRow(ctx, `SELECT last_status FROM processes WHERE process_id = $1 FOR UPDATE`, processID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return coreflow.ErrProcessNotFound
	}
	if err != nil {
		return err
	}
	if slices.Contains(forbidden, coreflow.ProcessStatus(current)) {
		return fmt.Errorf("%w: %s cannot become %s", coreflow.ErrInvalidProcessStatus, current, target)
	}
	_, err = tx.Exec(ctx, `UPDATE processes SET last_status = $1, last_modified_at = $2 WHERE process_id = $3`,
		string(target), time.Now().UTC(), processID)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// LogStep persists one step outcome with the retry deduplication rule,
// locking the process row so concurrent logs for the same process
// serialize.
func (s *Store) LogStep(ctx context.Context, rec coreflow.StepLogRecord) error {
	stateJSON, err := json.Marshal(rec.Step.State)
	if err != nil {
		return fmt.Errorf("marshal step state: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var pid string
	err = tx.QueryRow(ctx, `SELECT process_id FROM processes WHERE process_id = $1 FOR UPDATE`,
		rec.Process.ProcessID).Scan(&pid)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", coreflow.ErrProcessNotFound, rec.Process.ProcessID)
	}
	if err != nil {
		return err
	}

	var lastSeq int64
	var lastName, lastStatus string
	var lastCompleted []byte
	hasLast := true
	err = tx.QueryRow(ctx, `SELECT seq, name, status, completed_at
		FROM process_steps WHERE process_id = $1 ORDER BY seq DESC LIMIT 1`, rec.Process.ProcessID).
		Scan(&lastSeq, &lastName, &lastStatus, &lastCompleted)
	if errors.Is(err, pgx.ErrNoRows) {
		hasLast = false
	} else if err != nil {
		return err
	}

	dedup := rec.Dedup && hasLast &&
		lastName == rec.Step.Name && lastStatus == string(rec.Step.Status)
	if dedup {
		var list []time.Time
		if err := json.Unmarshal(lastCompleted, &list); err != nil {
			return fmt.Errorf("completed_at list: %w", err)
		}
		list = append(list, rec.Step.CompletedAt...)
		completed, err := json.Marshal(list)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE process_steps
			SET retries = retries + 1, completed_at = $1, state = $2
			WHERE process_id = $3 AND seq = $4`,
			completed, stateJSON, rec.Process.ProcessID, lastSeq)
		if err != nil {
			return fmt.Errorf("update step: %w", err)
		}
	} else {
		completed, err := json.Marshal(rec.Step.CompletedAt)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `INSERT INTO process_steps
			(process_id, seq, name, status, state, created_by, retries, completed_at)
			VALUES ($1, $2, $3, $4, $5, $6, 0, $7)`,
			rec.Process.ProcessID, lastSeq+1, rec.Step.Name, string(rec.Step.Status),
			stateJSON, rec.Step.CreatedBy, completed)
		if err != nil {
			return fmt.Errorf("insert step: %w", err)
		}
	}

	_, err = tx.Exec(ctx, `UPDATE processes
		SET last_step = $1, last_status = $2, assignee = $3, failed_reason = $4, last_modified_at = $5
		WHERE process_id = $6`,
		rec.Process.LastStep, string(rec.Process.LastStatus), string(rec.Process.Assignee),
		rec.Process.FailedReason, rec.Process.LastModified, rec.Process.ProcessID)
	if err != nil {
		return fmt.Errorf("update process: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	s.logger.Debug("postgres: step logged",
		"process_id", rec.Process.ProcessID, "step", rec.Step.Name,
		"status", rec.Step.Status, "dedup", dedup)
	return nil
}

// Steps returns the persisted step rows for a process in seq order.
func (s *Store) Steps(ctx context.Context, processID string) ([]coreflow.StepRow, error) {
	rows, err := s.pool.Query(ctx, `SELECT process_id, seq, name, status, state, created_by, retries, completed_at
		FROM process_steps WHERE process_id = $1 ORDER BY seq ASC`, processID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []coreflow.StepRow
	for rows.Next() {
		var sr coreflow.StepRow
		var status string
		var stateJSON, completed []byte
		if err := rows.Scan(&sr.ProcessID, &sr.Seq, &sr.Name, &status, &stateJSON, &sr.CreatedBy, &sr.Retries, &completed); err != nil {
			return nil, err
		}
		sr.Status = coreflow.OutcomeKind(status)
		if err := json.Unmarshal(stateJSON, &sr.State); err != nil {
			return nil, fmt.Errorf("step %s/%d state: %w", processID, sr.Seq, err)
		}
		if err := json.Unmarshal(completed, &sr.CompletedAt); err != nil {
			return nil, fmt.Errorf("step %s/%d completed_at: %w", processID, sr.Seq, err)
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

// AddInputState appends a submitted payload row.
func (s *Store) AddInputState(ctx context.Context, row coreflow.InputStateRow) error {
	payload, err := json.Marshal(row.Payload)
	if err != nil {
		return fmt.Errorf("marshal input state: %w", err)
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO input_states (process_id, input_type, input_state, input_time)
		VALUES ($1, $2, $3, $4)`,
		row.ProcessID, string(row.InputType), payload, row.InputTime)
	return err
}

// InputStates returns payload rows in submission order, optionally
// filtered by type.
func (s *Store) InputStates(ctx context.Context, processID string, typ coreflow.InputType) ([]coreflow.InputStateRow, error) {
	q := `SELECT process_id, input_type, input_state, input_time FROM input_states WHERE process_id = $1`
	args := []any{processID}
	if typ != "" {
		q += ` AND input_type = $2`
		args = append(args, string(typ))
	}
	q += ` ORDER BY id ASC`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []coreflow.InputStateRow
	for rows.Next() {
		var r coreflow.InputStateRow
		var inputType string
		var payload []byte
		if err := rows.Scan(&r.ProcessID, &inputType, &payload, &r.InputTime); err != nil {
			return nil, err
		}
		r.InputType = coreflow.InputType(inputType)
		if err := json.Unmarshal(payload, &r.Payload); err != nil {
			return nil, fmt.Errorf("input state payload: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LinkSubscription associates a subscription with a process.
func (s *Store) LinkSubscription(ctx context.Context, processID, subscriptionID string) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO process_subscriptions (process_id, subscription_id)
		VALUES ($1, $2) ON CONFLICT DO NOTHING`, processID, subscriptionID)
	return err
}

// SubscriptionIDs returns the subscription ids linked to a process.
func (s *Store) SubscriptionIDs(ctx context.Context, processID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT subscription_id FROM process_subscriptions
		WHERE process_id = $1 ORDER BY subscription_id`, processID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// MarkProcessFailed records a failure on the process row itself.
func (s *Store) MarkProcessFailed(ctx context.Context, processID, reason string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE processes
		SET last_status = $1, failed_reason = $2, last_modified_at = $3 WHERE process_id = $4`,
		string(coreflow.StatusFailed), reason, time.Now().UTC(), processID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return coreflow.ErrProcessNotFound
	}
	return nil
}
