// Package queue is the Redis-backed worker executor: process starts and
// resumes are enqueued as named tasks on four priority-distinguished
// lists, and a separate worker fleet picks them up and runs them through
// the same engine entry points as the in-process thread pool.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/jvdheide/coreflow"
)

// Queue names. Workers drain them in this order, so system tasks beat
// user workflows and fresh starts beat resumes.
const (
	QueueNewTasks        = "new_tasks"
	QueueNewWorkflows    = "new_workflows"
	QueueResumeTasks     = "resume_tasks"
	QueueResumeWorkflows = "resume_workflows"
)

// Task names carried in the envelope, one per queue.
const (
	TaskNewTask        = "tasks.new_task"
	TaskNewWorkflow    = "tasks.new_workflow"
	TaskResumeTask     = "tasks.resume_task"
	TaskResumeWorkflow = "tasks.resume_workflow"
)

// Wire codec identification. The payload is plain JSON; the codec name
// distinguishes it from other producers sharing the broker.
const (
	CodecName   = "coreflow-json"
	ContentType = "application/json"
	Charset     = "utf-8"
)

// queues in drain priority order.
var queues = []string{QueueNewTasks, QueueNewWorkflows, QueueResumeTasks, QueueResumeWorkflows}

// envelope is the wire format of one enqueued task.
type envelope struct {
	Task        string `json:"task"`
	Codec       string `json:"codec"`
	ContentType string `json:"content_type"`
	Charset     string `json:"charset"`
	ProcessID   string `json:"process_id"`
	User        string `json:"user"`
}

// route maps a dispatch to its queue and task name. System tasks
// (is_task) ride the task queues; everything else rides the workflow
// queues.
func route(op coreflow.Op, isTask bool) (queue, task string) {
	switch {
	case op == coreflow.OpResume && isTask:
		return QueueResumeTasks, TaskResumeTask
	case op == coreflow.OpResume:
		return QueueResumeWorkflows, TaskResumeWorkflow
	case isTask:
		return QueueNewTasks, TaskNewTask
	default:
		return QueueNewWorkflows, TaskNewWorkflow
	}
}

// Executor enqueues process executions for the worker fleet. It is the
// client half of the queue executor; see Worker for the consuming half.
type Executor struct {
	client redis.UniversalClient
	logger *slog.Logger
}

var _ coreflow.Executor = (*Executor)(nil)

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// ExecutorLogger sets a structured logger.
func ExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(x *Executor) { x.logger = l }
}

// NewExecutor creates the enqueueing executor over an existing Redis
// client. The caller owns the client.
func NewExecutor(client redis.UniversalClient, opts ...ExecutorOption) *Executor {
	x := &Executor{client: client, logger: nopLogger}
	for _, o := range opts {
		o(x)
	}
	return x
}

// Dispatch pushes one task envelope onto the routed queue.
func (x *Executor) Dispatch(ctx context.Context, op coreflow.Op, row coreflow.ProcessRow, user string) error {
	queue, task := route(op, row.IsTask)
	payload, err := json.Marshal(envelope{
		Task:        task,
		Codec:       CodecName,
		ContentType: ContentType,
		Charset:     Charset,
		ProcessID:   row.ProcessID,
		User:        user,
	})
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	if err := x.client.LPush(ctx, queue, payload).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", task, err)
	}
	x.logger.Debug("queue: task enqueued",
		"task", task, "queue", queue, "process_id", row.ProcessID)
	return nil
}

// Status samples the broker: workers online from their heartbeat keys,
// queued jobs from the list lengths, and running jobs summed from the
// heartbeat payloads.
func (x *Executor) Status(ctx context.Context) (coreflow.WorkerStatus, error) {
	status := coreflow.WorkerStatus{ExecutorType: "worker"}

	for _, q := range queues {
		n, err := x.client.LLen(ctx, q).Result()
		if err != nil {
			return status, err
		}
		status.QueuedJobs += int(n)
	}

	var cursor uint64
	for {
		keys, next, err := x.client.Scan(ctx, cursor, heartbeatPrefix+"*", 100).Result()
		if err != nil {
			return status, err
		}
		for _, key := range keys {
			status.WorkersOnline++
			raw, err := x.client.Get(ctx, key).Bytes()
			if err != nil {
				continue // heartbeat expired between SCAN and GET
			}
			var hb heartbeat
			if err := json.Unmarshal(raw, &hb); err == nil {
				status.RunningJobs += hb.Running
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return status, nil
}

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
