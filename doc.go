// Package coreflow is a durable workflow orchestration engine for
// provisioning and lifecycle-managing network subscriptions.
//
// A workflow is an ordered pipeline of named steps registered under a
// unique name. Starting a workflow creates a process: a long-running,
// resumable execution whose every step outcome is persisted before the
// next step runs. Processes suspend at input steps to collect form-driven
// user input, mark recoverable failures as waiting for retry, and can be
// aborted at step boundaries.
//
// The engine executes processes on a bounded in-process thread pool by
// default; the queue subpackage provides a Redis-backed worker executor
// with identical semantics. Stores live in store/sqlite and
// store/postgres.
package coreflow
