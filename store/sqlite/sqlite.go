// Package sqlite implements coreflow.ProcessStore and coreflow.Catalog on
// pure-Go SQLite. Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/jvdheide/coreflow"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs for every operation. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store persists processes, their step log, input payloads, and the
// product catalog in a local SQLite file (or :memory: for tests).
type Store struct {
	db     *sql.DB
	logger *slog.Logger
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

// New creates a Store using a local SQLite file at dbPath. It opens a
// single shared connection pool with SetMaxOpenConns(1) so that all
// goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	tables := []string{
		`CREATE TABLE IF NOT EXISTS processes (
			process_id TEXT PRIMARY KEY,
			workflow_name TEXT NOT NULL,
			last_status TEXT NOT NULL,
			last_step TEXT NOT NULL DEFAULT '',
			assignee TEXT NOT NULL DEFAULT 'SYSTEM',
			is_task INTEGER NOT NULL DEFAULT 0,
			failed_reason TEXT NOT NULL DEFAULT '',
			created_by TEXT NOT NULL DEFAULT '',
			started_at INTEGER NOT NULL,
			last_modified_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS process_steps (
			process_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			state TEXT NOT NULL,
			created_by TEXT NOT NULL DEFAULT '',
			retries INTEGER NOT NULL DEFAULT 0,
			completed_at TEXT NOT NULL,
			PRIMARY KEY (process_id, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS process_subscriptions (
			process_id TEXT NOT NULL,
			subscription_id TEXT NOT NULL,
			PRIMARY KEY (process_id, subscription_id)
		)`,
		`CREATE TABLE IF NOT EXISTS input_states (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			process_id TEXT NOT NULL,
			input_type TEXT NOT NULL,
			input_state TEXT NOT NULL,
			input_time INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS workflows (
			name TEXT PRIMARY KEY,
			target TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS products (
			product_id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			tag TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active'
		)`,
		`CREATE TABLE IF NOT EXISTS product_workflows (
			product_id TEXT NOT NULL,
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
			subscription_id TEXT PRIMARY KEY,
			product_id TEXT NOT NULL DEFAULT ''
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_input_states_process ON input_states(process_id)`)
	_, _ = s.db.ExecContext(ctx, `CREATE INDEX IF NOT EXISTS idx_processes_status ON processes(last_status)`)

	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateProcess inserts the process row and its initial-state payload in
// one transaction.
func (s *Store) CreateProcess(ctx context.Context, p coreflow.ProcessRow, initial coreflow.InputStateRow) error {
	payload, err := json.Marshal(initial.Payload)
	if err != nil {
		return fmt.Errorf("marshal initial state: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `INSERT INTO processes
		(process_id, workflow_name, last_status, last_step, assignee, is_task, failed_reason, created_by, started_at, last_modified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ProcessID, p.WorkflowName, string(p.LastStatus), p.LastStep, string(p.Assignee),
		boolInt(p.IsTask), p.FailedReason, p.CreatedBy, p.StartedAt.UnixMilli(), p.LastModified.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert process: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO input_states (process_id, input_type, input_state, input_time)
		VALUES (?, ?, ?, ?)`,
		initial.ProcessID, string(initial.InputType), string(payload), initial.InputTime.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert input state: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.logger.Debug("sqlite: process created", "process_id", p.ProcessID, "workflow", p.WorkflowName)
	return nil
}

// GetProcess returns the process row by id.
func (s *Store) GetProcess(ctx context.Context, processID string) (coreflow.ProcessRow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT process_id, workflow_name, last_status, last_step,
		assignee, is_task, failed_reason, created_by, started_at, last_modified_at
		FROM processes WHERE process_id = ?`, processID)
	return scanProcess(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProcess(row rowScanner) (coreflow.ProcessRow, error) {
	var p coreflow.ProcessRow
	var status, assignee string
	var isTask int
	var started, modified int64
	err := row.Scan(&p.ProcessID, &p.WorkflowName, &status, &p.LastStep,
		&assignee, &isTask, &p.FailedReason, &p.CreatedBy, &started, &modified)
	if errors.Is(err, sql.ErrNoRows) {
		return coreflow.ProcessRow{}, coreflow.ErrProcessNotFound
	}
	if err != nil {
		return coreflow.ProcessRow{}, err
	}
	p.LastStatus = coreflow.ProcessStatus(status)
	p.Assignee = coreflow.Assignee(assignee)
	p.IsTask = isTask != 0
	p.StartedAt = time.UnixMilli(started).UTC()
	p.LastModified = time.UnixMilli(modified).UTC()
	return p, nil
}

// Processes returns all process rows, most recently modified first.
func (s *Store) Processes(ctx context.Context) ([]coreflow.ProcessRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT process_id, workflow_name, last_status, last_step,
		assignee, is_task, failed_reason, created_by, started_at, last_modified_at
		FROM processes ORDER BY last_modified_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []coreflow.ProcessRow
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// EnsureProcessStatus transitions last_status unless the current status is
// forbidden. Check and update run in one transaction on the store's single
// connection, so the transition is atomic.
func (s *Store) EnsureProcessStatus(ctx context.Context, processID string, target coreflow.ProcessStatus, forbidden ...coreflow.ProcessStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT last_status FROM processes WHERE process_id = ?`, processID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return coreflow.ErrProcessNotFound
	}
	if err != nil {
		return err
	}
	if slices.Contains(forbidden, coreflow.ProcessStatus(current)) {
		return fmt.Errorf("%w: %s cannot become %s", coreflow.ErrInvalidProcessStatus, current, target)
	}
	_, err = tx.ExecContext(ctx, `UPDATE processes SET last_status = ?, last_modified_at = ? WHERE process_id = ?`,
		string(target), time.Now().UnixMilli(), processID)
	if err != nil {
		return err
	}
	return tx.Commit()
}

// LogStep persists one step outcome. The last persisted row for the
// process is inspected inside the transaction: a waiting or failed
// outcome repeating the last row's name and status updates that row in
// place (retries incremented, timestamp appended, state overwritten)
// instead of appending a new one.
func (s *Store) LogStep(ctx context.Context, rec coreflow.StepLogRecord) error {
	stateJSON, err := json.Marshal(rec.Step.State)
	if err != nil {
		return fmt.Errorf("marshal step state: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM processes WHERE process_id = ?`, rec.Process.ProcessID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("%w: %s", coreflow.ErrProcessNotFound, rec.Process.ProcessID)
	}

	var lastSeq int64
	var lastName, lastStatus, lastCompleted string
	var lastRetries int
	hasLast := true
	err = tx.QueryRowContext(ctx, `SELECT seq, name, status, retries, completed_at
		FROM process_steps WHERE process_id = ? ORDER BY seq DESC LIMIT 1`, rec.Process.ProcessID).
		Scan(&lastSeq, &lastName, &lastStatus, &lastRetries, &lastCompleted)
	if errors.Is(err, sql.ErrNoRows) {
		hasLast = false
	} else if err != nil {
		return err
	}

	dedup := rec.Dedup && hasLast &&
		lastName == rec.Step.Name && lastStatus == string(rec.Step.Status)
	if dedup {
		completed, err := appendTimestamps(lastCompleted, rec.Step.CompletedAt)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE process_steps
			SET retries = retries + 1, completed_at = ?, state = ?
			WHERE process_id = ? AND seq = ?`,
			completed, string(stateJSON), rec.Process.ProcessID, lastSeq)
		if err != nil {
			return fmt.Errorf("update step: %w", err)
		}
	} else {
		completed, err := json.Marshal(rec.Step.CompletedAt)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO process_steps
			(process_id, seq, name, status, state, created_by, retries, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
			rec.Process.ProcessID, lastSeq+1, rec.Step.Name, string(rec.Step.Status),
			string(stateJSON), rec.Step.CreatedBy, string(completed))
		if err != nil {
			return fmt.Errorf("insert step: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx, `UPDATE processes
		SET last_step = ?, last_status = ?, assignee = ?, failed_reason = ?, last_modified_at = ?
		WHERE process_id = ?`,
		rec.Process.LastStep, string(rec.Process.LastStatus), string(rec.Process.Assignee),
		rec.Process.FailedReason, rec.Process.LastModified.UnixMilli(), rec.Process.ProcessID)
	if err != nil {
		return fmt.Errorf("update process: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.logger.Debug("sqlite: step logged",
		"process_id", rec.Process.ProcessID, "step", rec.Step.Name,
		"status", rec.Step.Status, "dedup", dedup)
	return nil
}

// appendTimestamps merges new attempt timestamps into the stored JSON list.
func appendTimestamps(stored string, ts []time.Time) (string, error) {
	var list []time.Time
	if stored != "" {
		if err := json.Unmarshal([]byte(stored), &list); err != nil {
			return "", fmt.Errorf("completed_at list: %w", err)
		}
	}
	list = append(list, ts...)
	out, err := json.Marshal(list)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Steps returns the persisted step rows for a process in seq order.
func (s *Store) Steps(ctx context.Context, processID string) ([]coreflow.StepRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT process_id, seq, name, status, state, created_by, retries, completed_at
		FROM process_steps WHERE process_id = ? ORDER BY seq ASC`, processID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []coreflow.StepRow
	for rows.Next() {
		var sr coreflow.StepRow
		var status, stateJSON, completed string
		if err := rows.Scan(&sr.ProcessID, &sr.Seq, &sr.Name, &status, &stateJSON, &sr.CreatedBy, &sr.Retries, &completed); err != nil {
			return nil, err
		}
		sr.Status = coreflow.OutcomeKind(status)
		if err := json.Unmarshal([]byte(stateJSON), &sr.State); err != nil {
			return nil, fmt.Errorf("step %s/%d state: %w", processID, sr.Seq, err)
		}
		if err := json.Unmarshal([]byte(completed), &sr.CompletedAt); err != nil {
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
	_, err = s.db.ExecContext(ctx, `INSERT INTO input_states (process_id, input_type, input_state, input_time)
		VALUES (?, ?, ?, ?)`,
		row.ProcessID, string(row.InputType), string(payload), row.InputTime.UnixMilli())
	return err
}

// InputStates returns payload rows in submission order, optionally
// filtered by type.
func (s *Store) InputStates(ctx context.Context, processID string, typ coreflow.InputType) ([]coreflow.InputStateRow, error) {
	q := `SELECT process_id, input_type, input_state, input_time FROM input_states WHERE process_id = ?`
	args := []any{processID}
	if typ != "" {
		q += ` AND input_type = ?`
		args = append(args, string(typ))
	}
	q += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []coreflow.InputStateRow
	for rows.Next() {
		var r coreflow.InputStateRow
		var inputType, payload string
		var at int64
		if err := rows.Scan(&r.ProcessID, &inputType, &payload, &at); err != nil {
			return nil, err
		}
		r.InputType = coreflow.InputType(inputType)
		r.InputTime = time.UnixMilli(at).UTC()
		if err := json.Unmarshal([]byte(payload), &r.Payload); err != nil {
			return nil, fmt.Errorf("input state payload: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LinkSubscription associates a subscription with a process. Repeating a
// pair is a no-op.
func (s *Store) LinkSubscription(ctx context.Context, processID, subscriptionID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO process_subscriptions (process_id, subscription_id)
		VALUES (?, ?)`, processID, subscriptionID)
	return err
}

// SubscriptionIDs returns the subscription ids linked to a process.
func (s *Store) SubscriptionIDs(ctx context.Context, processID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT subscription_id FROM process_subscriptions
		WHERE process_id = ? ORDER BY subscription_id`, processID)
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
	res, err := s.db.ExecContext(ctx, `UPDATE processes
		SET last_status = ?, failed_reason = ?, last_modified_at = ? WHERE process_id = ?`,
		string(coreflow.StatusFailed), reason, time.Now().UnixMilli(), processID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return coreflow.ErrProcessNotFound
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
