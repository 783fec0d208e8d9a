package coreflow

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Op is the dispatch operation carried to an executor.
type Op string

const (
	OpStart  Op = "start"
	OpResume Op = "resume"
)

// Runner is the engine surface an executor drives. Both executors call the
// same entry points; the queue executor is a transport in front of them,
// not a semantic variant.
type Runner interface {
	RunStart(ctx context.Context, processID, user string) error
	RunResume(ctx context.Context, processID, user string) error
}

// WorkerStatus is a read-only snapshot of an executor's worker inventory,
// sampled on demand.
type WorkerStatus struct {
	ExecutorType  string `json:"executor_type"`
	WorkersOnline int    `json:"workers_online"`
	QueuedJobs    int    `json:"queued_jobs"`
	RunningJobs   int    `json:"running_jobs"`
}

// Executor starts and resumes processes asynchronously. Implementations:
// ThreadPool below and queue.Executor.
type Executor interface {
	Dispatch(ctx context.Context, op Op, p ProcessRow, user string) error
	Status(ctx context.Context) (WorkerStatus, error)
}

// ThreadPool runs processes on in-process goroutines, capped by a weighted
// semaphore. In testing mode it runs the process synchronously on the
// caller's goroutine, so tests observe completed rows right after
// Dispatch returns.
type ThreadPool struct {
	runner  Runner
	logger  *slog.Logger
	sem     *semaphore.Weighted
	size    int
	testing bool
	running atomic.Int64
}

var _ Executor = (*ThreadPool)(nil)

// ThreadPoolOption configures a ThreadPool.
type ThreadPoolOption func(*ThreadPool)

// PoolLogger sets a structured logger for the pool.
func PoolLogger(l *slog.Logger) ThreadPoolOption {
	return func(p *ThreadPool) { p.logger = l }
}

// PoolTesting makes Dispatch run synchronously.
func PoolTesting(testing bool) ThreadPoolOption {
	return func(p *ThreadPool) { p.testing = testing }
}

// NewThreadPool builds a pool that admits at most size concurrent process
// executions.
func NewThreadPool(runner Runner, size int, opts ...ThreadPoolOption) *ThreadPool {
	if size <= 0 {
		size = 1
	}
	p := &ThreadPool{
		runner: runner,
		logger: nopLogger,
		sem:    semaphore.NewWeighted(int64(size)),
		size:   size,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Dispatch admits the process into the pool and returns. Admission blocks
// when all workers are busy, so a full pool applies backpressure to the
// caller rather than queueing unboundedly.
func (p *ThreadPool) Dispatch(ctx context.Context, op Op, row ProcessRow, user string) error {
	if p.testing {
		p.running.Add(1)
		defer p.running.Add(-1)
		return p.run(ctx, op, row.ProcessID, user)
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	p.running.Add(1)

	// The process must outlive the dispatching request.
	bg := context.WithoutCancel(ctx)
	go func() {
		defer p.sem.Release(1)
		defer p.running.Add(-1)
		if err := p.run(bg, op, row.ProcessID, user); err != nil {
			p.logger.Error("process run failed",
				"process_id", row.ProcessID, "op", op, "error", err)
		}
	}()
	return nil
}

func (p *ThreadPool) run(ctx context.Context, op Op, processID, user string) error {
	switch op {
	case OpResume:
		return p.runner.RunResume(ctx, processID, user)
	default:
		return p.runner.RunStart(ctx, processID, user)
	}
}

// Status reports the pool's capacity and the number of processes running
// right now. A thread pool has no external queue.
func (p *ThreadPool) Status(context.Context) (WorkerStatus, error) {
	return WorkerStatus{
		ExecutorType:  "threadpool",
		WorkersOnline: p.size,
		RunningJobs:   int(p.running.Load()),
	}, nil
}
