// ============================================================================
// Beaver-Dispatch Worker - Task Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that executes pool tasks, each Worker runs in an independent goroutine
//
// How it works:
//   1. Receive task from taskCh (blocking wait)
//   2. Run the task function under a per-task timeout context
//   3. Send result to resultCh (dropped when nobody is reading)
//   4. Repeat until taskCh is closed
//
// Timeout Control:
//   - Each task has an independent Context
//   - A zero Timeout means the task only stops on its own
//   - The task function is expected to honour ctx.Done()
//
// Error Handling:
//   - A panicking task is recovered and reported as ErrTaskPanic
//   - All errors are encapsulated in Result
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// ErrTaskPanic wraps a panic raised by a task function.
var ErrTaskPanic = errors.New("worker task panicked")

// Worker represents a work execution unit
type Worker struct {
	id       int           // Worker identifier, used for logging
	taskCh   <-chan Task   // Task channel (read-only)
	resultCh chan<- Result // Result channel (write-only)
	dropped  *atomic.Int64 // Results nobody had room for
}

// newWorker creates a new Worker instance
func newWorker(id int, taskCh <-chan Task, resultCh chan<- Result, dropped *atomic.Int64) *Worker {
	return &Worker{
		id:       id,
		taskCh:   taskCh,
		resultCh: resultCh,
		dropped:  dropped,
	}
}

// Run is the main loop of Worker
func (w *Worker) Run() {
	for task := range w.taskCh {
		start := time.Now()

		var (
			ctx    context.Context
			cancel context.CancelFunc
		)
		if task.Timeout > 0 {
			ctx, cancel = context.WithTimeout(context.Background(), task.Timeout)
		} else {
			ctx, cancel = context.WithCancel(context.Background())
		}

		err := w.execute(ctx, task)
		cancel()

		result := Result{
			ID:       task.ID,
			Success:  err == nil,
			Error:    err,
			Duration: time.Since(start),
		}

		select {
		case w.resultCh <- result:
		default:
			w.dropped.Add(1)
		}
	}
}

// execute runs the task function, converting a panic into an error
func (w *Worker) execute(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: worker %d: %v", ErrTaskPanic, w.id, r)
		}
	}()

	if task.Run == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return task.Run(ctx)
}
