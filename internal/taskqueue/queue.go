// Package taskqueue schedules background analysis jobs with single-flight
// execution per logical task key and a bounded worker pool.
package taskqueue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/jparkml/driftwatch/pkg/models"
)

// defaultWorkers caps concurrent jobs so CPU-bound embedding work cannot
// starve the process.
const defaultWorkers = 4

// cancelToken pairs a task's context with its cancel function.
type cancelToken struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// TaskQueue guarantees at most one live job per TaskKey and runs submitted
// work on a fixed-size pool. Construct once at process start and inject into
// request handlers; safe for concurrent use.
type TaskQueue struct {
	mu      sync.Mutex
	running map[models.TaskKey]uuid.UUID
	cancels map[uuid.UUID]cancelToken

	sem    chan struct{}
	wg     sync.WaitGroup
	logger *slog.Logger
}

// New creates a queue with the given concurrency ceiling.
func New(workers int, logger *slog.Logger) *TaskQueue {
	if workers < 1 {
		workers = defaultWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskQueue{
		running: make(map[models.TaskKey]uuid.UUID),
		cancels: make(map[uuid.UUID]cancelToken),
		sem:     make(chan struct{}, workers),
		logger:  logger,
	}
}

// IsRunning returns the live task ID for key, if any. Pure lookup.
func (q *TaskQueue) IsRunning(key models.TaskKey) (uuid.UUID, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	id, ok := q.running[key]
	return id, ok
}

// Start atomically registers key as running under taskID. Returns false
// without registering when the key is already live; the caller must then
// report the existing task instead of spawning a duplicate. The check-and-set
// is a single step under the queue mutex, so racing callers get exactly one
// winner.
func (q *TaskQueue) Start(taskID uuid.UUID, key models.TaskKey) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.running[key]; exists {
		return false
	}
	q.running[key] = taskID

	ctx, cancel := context.WithCancel(context.Background())
	q.cancels[taskID] = cancelToken{ctx: ctx, cancel: cancel}
	return true
}

// Finish removes key from the registry and drops its cancellation token.
// Idempotent: finishing an absent key is tolerated silently so cleanup can
// run unconditionally from deferred blocks.
func (q *TaskQueue) Finish(key models.TaskKey) {
	q.mu.Lock()
	defer q.mu.Unlock()

	id, ok := q.running[key]
	if !ok {
		return
	}
	delete(q.running, key)
	if tok, ok := q.cancels[id]; ok {
		tok.cancel()
		delete(q.cancels, id)
	}
}

// Cancel requests cooperative cancellation of taskID. Returns false when the
// task is not live. The running work observes it via its Context between
// item-level units; there is no preemption.
func (q *TaskQueue) Cancel(taskID uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	tok, ok := q.cancels[taskID]
	if !ok {
		return false
	}
	tok.cancel()
	return true
}

// Cancelled reports whether taskID has been cancelled. A task that is not
// live is not cancelled.
func (q *TaskQueue) Cancelled(taskID uuid.UUID) bool {
	q.mu.Lock()
	tok, ok := q.cancels[taskID]
	q.mu.Unlock()
	if !ok {
		return false
	}
	return tok.ctx.Err() != nil
}

// Context returns the cancellation context for a live task, or a background
// context when the task is unknown so work loops can always poll it.
func (q *TaskQueue) Context(taskID uuid.UUID) context.Context {
	q.mu.Lock()
	defer q.mu.Unlock()
	if tok, ok := q.cancels[taskID]; ok {
		return tok.ctx
	}
	return context.Background()
}

// Submit hands fn to the worker pool. Submission never blocks the caller;
// the goroutine waits for a free worker slot before running. Panics inside
// fn are recovered and logged, never crash the process.
func (q *TaskQueue) Submit(fn func()) {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.sem <- struct{}{}
		defer func() { <-q.sem }()

		defer func() {
			if r := recover(); r != nil {
				q.logger.Error("panic in submitted work", "panic", fmt.Sprintf("%v", r))
			}
		}()
		fn()
	}()
}

// RunningForSubject lists the live operations for one subject.
func (q *TaskQueue) RunningForSubject(subjectID string) map[models.Operation]uuid.UUID {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[models.Operation]uuid.UUID)
	for key, id := range q.running {
		if key.SubjectID == subjectID {
			out[key.Operation] = id
		}
	}
	return out
}

// Running returns a snapshot of the whole registry.
func (q *TaskQueue) Running() map[models.TaskKey]uuid.UUID {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[models.TaskKey]uuid.UUID, len(q.running))
	for k, v := range q.running {
		out[k] = v
	}
	return out
}

// Shutdown waits for in-flight work to drain or ctx to expire.
func (q *TaskQueue) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}
