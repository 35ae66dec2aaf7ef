// Copyright 2026 The Conveyor Authors
// SPDX-License-Identifier: Apache-2.0

// Package hooks defers transition side effects until after commit.
//
// State-machine transitions must never fire side effects (metrics,
// notifications, cache expiry, child-pipeline notification) while
// their transaction is still open: a rollback would leave hooks fired
// for a status that was never durably persisted, and a retry of the
// optimistic-lock loop would fire them twice. Instead, code running
// inside a transaction appends named tasks to a Buffer; the caller
// flushes the buffer to the Dispatcher only once the transaction has
// committed, and discards it on rollback.
//
// The Dispatcher is fire-and-forget with at-least-once delivery
// assumed by consumers. Task payloads are deterministic CBOR via
// lib/codec.
package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/conveyor-ci/conveyor/lib/codec"
)

// Task is one deferred side effect: a consumer-routable name plus an
// encoded argument payload.
type Task struct {
	Name    string
	Payload codec.RawMessage
}

// Dispatcher accepts tasks for asynchronous execution. Enqueue must
// not block on task execution.
type Dispatcher interface {
	Enqueue(ctx context.Context, task Task) error
}

// Buffer accumulates tasks during one transaction. Not safe for
// concurrent use — a buffer belongs to a single unit of work.
type Buffer struct {
	tasks []Task
}

// Add encodes args and appends a task. Called from inside the
// transaction; nothing is dispatched yet.
func (b *Buffer) Add(name string, args any) error {
	payload, err := codec.Marshal(args)
	if err != nil {
		return fmt.Errorf("hooks: encoding %q args: %w", name, err)
	}
	b.tasks = append(b.tasks, Task{Name: name, Payload: payload})
	return nil
}

// Len returns the number of buffered tasks.
func (b *Buffer) Len() int { return len(b.tasks) }

// Flush hands every buffered task to the dispatcher and empties the
// buffer. Call only after the owning transaction committed. Enqueue
// failures are logged and skipped — the transition itself already
// succeeded, and consumers tolerate missed-then-retried delivery.
func (b *Buffer) Flush(ctx context.Context, dispatcher Dispatcher, logger *slog.Logger) {
	for _, task := range b.tasks {
		if err := dispatcher.Enqueue(ctx, task); err != nil {
			logger.Error("hook enqueue failed", "task", task.Name, "error", err)
		}
	}
	b.tasks = nil
}

// Discard drops every buffered task. Call on rollback.
func (b *Buffer) Discard() { b.tasks = nil }

// Handler executes one task kind. The payload decodes with
// codec.Unmarshal into the handler's argument type.
type Handler func(ctx context.Context, payload codec.RawMessage) error

// Worker is an in-process Dispatcher draining a buffered channel with
// registered handlers. Unknown task names are logged and dropped;
// handler errors are logged — consumers own their retries.
type Worker struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler

	ch chan Task
}

// NewWorker creates a dispatcher with the given queue depth.
func NewWorker(depth int, logger *slog.Logger) *Worker {
	if depth <= 0 {
		depth = 256
	}
	return &Worker{
		logger:   logger,
		handlers: make(map[string]Handler),
		ch:       make(chan Task, depth),
	}
}

// Register binds a handler to a task name. Call before Run.
func (w *Worker) Register(name string, handler Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[name] = handler
}

// Enqueue queues a task. Returns an error when the queue is full
// rather than blocking a transition caller.
func (w *Worker) Enqueue(ctx context.Context, task Task) error {
	select {
	case w.ch <- task:
		return nil
	default:
		return fmt.Errorf("hooks: queue full, dropping %q", task.Name)
	}
}

// Run drains the queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-w.ch:
			w.mu.RLock()
			handler, ok := w.handlers[task.Name]
			w.mu.RUnlock()
			if !ok {
				w.logger.Warn("no handler for task", "task", task.Name)
				continue
			}
			if err := handler(ctx, task.Payload); err != nil {
				w.logger.Error("task handler failed", "task", task.Name, "error", err)
			}
		}
	}
}

// Recorder is a Dispatcher for tests: it remembers every enqueued
// task. Safe for concurrent use.
type Recorder struct {
	mu    sync.Mutex
	tasks []Task
}

// Enqueue records the task.
func (r *Recorder) Enqueue(ctx context.Context, task Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, task)
	return nil
}

// Tasks returns a copy of the recorded tasks.
func (r *Recorder) Tasks() []Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Task(nil), r.tasks...)
}

// Names returns the recorded task names in order.
func (r *Recorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.tasks))
	for i, task := range r.tasks {
		names[i] = task.Name
	}
	return names
}
