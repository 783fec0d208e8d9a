// Package schedule starts registered system tasks on cron expressions,
// e.g. the nightly validation task.
package schedule

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/jvdheide/coreflow"
)

// Starter starts a process for a named workflow. *coreflow.Engine
// satisfies this.
type Starter interface {
	StartProcess(ctx context.Context, workflowName string, userInputs []coreflow.State, user string) (string, error)
}

// AfterRunFunc is called after every scheduled start attempt.
type AfterRunFunc func(workflowName, processID string, err error)

// Scheduler launches workflows on cron schedules. Entries fire on their
// own goroutine; the engine's executor bounds actual process concurrency.
type Scheduler struct {
	cron     *cron.Cron
	starter  Starter
	logger   *slog.Logger
	afterRun AfterRunFunc
	user     string
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithAfterRun sets a hook invoked after each scheduled start attempt.
func WithAfterRun(fn AfterRunFunc) Option {
	return func(s *Scheduler) { s.afterRun = fn }
}

// WithUser sets the user scheduled processes are started as.
// Default "SCHEDULER".
func WithUser(user string) Option {
	return func(s *Scheduler) { s.user = user }
}

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New builds a Scheduler over a Starter.
func New(starter Starter, opts ...Option) *Scheduler {
	s := &Scheduler{
		cron:    cron.New(),
		starter: starter,
		logger:  nopLogger,
		user:    "SCHEDULER",
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Add schedules a workflow on a cron expression (standard five-field
// syntax). The inputs are passed to every start.
func (s *Scheduler) Add(spec, workflowName string, inputs []coreflow.State) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx := context.Background()
		processID, err := s.starter.StartProcess(ctx, workflowName, inputs, s.user)
		if err != nil {
			s.logger.Error("scheduled start failed", "workflow", workflowName, "error", err)
		} else {
			s.logger.Info("scheduled process started",
				"workflow", workflowName, "process_id", processID)
		}
		if s.afterRun != nil {
			s.afterRun(workflowName, processID, err)
		}
	})
	return err
}

// Start begins firing entries. Safe to call once.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops firing new entries and returns a context that is done when
// all in-flight entry functions have returned.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
