package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jvdheide/coreflow"
)

const (
	heartbeatPrefix   = "coreflow:worker:"
	heartbeatTTL      = 30 * time.Second
	heartbeatInterval = 10 * time.Second

	// popTimeout bounds each BRPOP so the worker notices cancellation.
	popTimeout = 2 * time.Second
)

// heartbeat is the JSON value a worker publishes under its heartbeat key.
type heartbeat struct {
	WorkerID string `json:"worker_id"`
	Running  int    `json:"running"`
}

// initialised enforces the single-worker-per-process rule.
var initialised atomic.Bool

// Worker drains the task queues and executes processes through the engine,
// bounded by an in-process thread pool just like the threadpool executor.
type Worker struct {
	client     redis.UniversalClient
	runner     coreflow.Runner
	pool       *coreflow.ThreadPool
	logger     *slog.Logger
	id         string
	maxWorkers int
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WorkerLogger sets a structured logger.
func WorkerLogger(l *slog.Logger) WorkerOption {
	return func(w *Worker) { w.logger = l }
}

// WorkerID overrides the generated worker id.
func WorkerID(id string) WorkerOption {
	return func(w *Worker) { w.id = id }
}

// WorkerMaxWorkers bounds concurrent process executions on this worker.
// Default 5.
func WorkerMaxWorkers(n int) WorkerOption {
	return func(w *Worker) { w.maxWorkers = n }
}

// Initialise creates this process's Worker. The worker bootstrap must run
// exactly once; a second call is a programming error and panics.
func Initialise(client redis.UniversalClient, runner coreflow.Runner, opts ...WorkerOption) *Worker {
	if !initialised.CompareAndSwap(false, true) {
		panic("queue: worker already initialised")
	}
	w := &Worker{
		client:     client,
		runner:     runner,
		logger:     nopLogger,
		id:         coreflow.NewID(),
		maxWorkers: 5,
	}
	for _, o := range opts {
		o(w)
	}
	w.pool = coreflow.NewThreadPool(runner, w.maxWorkers, coreflow.PoolLogger(w.logger))
	return w
}

// Run drains the queues until ctx is cancelled. Tasks are admitted to the
// worker's thread pool, so a full pool stops the drain loop and the tasks
// stay queued for other workers.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("queue: worker started", "worker_id", w.id, "max_workers", w.maxWorkers)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go w.heartbeatLoop(hbCtx)

	defer func() {
		_ = w.client.Del(context.WithoutCancel(ctx), heartbeatPrefix+w.id).Err()
		w.logger.Info("queue: worker stopped", "worker_id", w.id)
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		// BRPOP checks the keys in argument order, which is the queue
		// priority order.
		res, err := w.client.BRPop(ctx, popTimeout, queues...).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("queue: pop failed", "error", err)
			time.Sleep(time.Second)
			continue
		}
		// res is [queue, payload]
		if len(res) != 2 {
			continue
		}
		if err := w.handle(ctx, res[0], []byte(res[1])); err != nil {
			w.logger.Error("queue: task failed", "queue", res[0], "error", err)
		}
	}
}

func (w *Worker) handle(ctx context.Context, queue string, payload []byte) error {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	if env.Codec != "" && env.Codec != CodecName {
		return fmt.Errorf("unknown codec %q", env.Codec)
	}

	op := coreflow.OpStart
	if env.Task == TaskResumeTask || env.Task == TaskResumeWorkflow {
		op = coreflow.OpResume
	}
	w.logger.Debug("queue: task received",
		"task", env.Task, "queue", queue, "process_id", env.ProcessID)

	return w.pool.Dispatch(ctx, op, coreflow.ProcessRow{ProcessID: env.ProcessID}, env.User)
}

// heartbeatLoop keeps the worker's presence key alive with its running
// count so Executor.Status can inventory the fleet.
func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	w.publishHeartbeat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.publishHeartbeat(ctx)
		}
	}
}

func (w *Worker) publishHeartbeat(ctx context.Context) {
	st, _ := w.pool.Status(ctx)
	hb, err := json.Marshal(heartbeat{WorkerID: w.id, Running: st.RunningJobs})
	if err != nil {
		return
	}
	if err := w.client.Set(ctx, heartbeatPrefix+w.id, hb, heartbeatTTL).Err(); err != nil && ctx.Err() == nil {
		w.logger.Warn("queue: heartbeat failed", "worker_id", w.id, "error", err)
	}
}
