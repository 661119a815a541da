// ============================================================================
// Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that executes tasks, each Worker runs in an independent goroutine
//
// How it works:
//   Each Worker is an independent goroutine that continuously executes the following loop:
//   1. Receive task from taskCh (blocking wait)
//   2. Execute task.Run (with timeout control)
//   3. Send result to resultCh
//   4. Repeat above process until taskCh is closed
//
// Timeout Control:
//   Each task gets its own Context derived from the caller's Context:
//   - task.Timeout > 0 wraps it with context.WithTimeout
//   - task.Run is expected to observe ctx.Done()
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"time"
)

// Worker represents a work execution unit
type Worker[T any] struct {
	id       int              // Worker unique identifier, used for logging and debugging
	taskCh   <-chan Task[T]   // Task channel (read-only), receives tasks to execute
	resultCh chan<- Result[T] // Result channel (write-only), sends task execution results
	stopCh   <-chan struct{}  // Closed when the pool stops
}

// newWorker creates a new Worker instance
func newWorker[T any](id int, taskCh <-chan Task[T], resultCh chan<- Result[T], stopCh <-chan struct{}) *Worker[T] {
	return &Worker[T]{
		id:       id,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
	}
}

// Run is the main loop of Worker, receives tasks from task channel and executes them
// After each task execution, sends the result to result channel
func (w *Worker[T]) Run() {
	for task := range w.taskCh {
		start := time.Now()

		value, err := w.execute(task)

		result := Result[T]{
			Index:    task.Index,
			Batch:    task.Batch,
			Value:    value,
			Err:      err,
			Duration: time.Since(start),
		}

		// Results are never dropped; only a stopping pool abandons them
		select {
		case w.resultCh <- result:
		case <-w.stopCh:
			return
		}
	}
}

// execute runs a single task under its own Context
func (w *Worker[T]) execute(task Task[T]) (value T, err error) {
	ctx := task.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel() // Release resources
	}

	// A cancelled caller never starts new work
	if err := ctx.Err(); err != nil {
		return value, err
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker %d: task %d panicked: %v", w.id, task.Index, r)
		}
	}()
	return task.Run(ctx)
}
