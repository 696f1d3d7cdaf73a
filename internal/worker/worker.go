// ============================================================================
// flowtime-anneal Worker - Search Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Work unit that runs annealing searches, each Worker runs in an independent goroutine
//
// How it works:
//   Each Worker is an independent goroutine that continuously executes the following loop:
//   1. Receive task from taskCh (blocking wait)
//   2. Execute the search through the Executor (with timeout control)
//   3. Send result to resultCh
//   4. Repeat above process until taskCh is closed
//
// Isolation:
//   Workers share no mutable state. A task carries the start solution as
//   bytes and the result carries the best solution as bytes, so every search
//   owns its own copy. Each task also brings its own seed.
//
// Timeout Control:
//   Each task gets a Context derived from the pool's Context:
//   - Task.Timeout > 0 adds context.WithTimeout
//   - The engine polls the Context between iterations
//   - A timed-out search is reported as a failed Result
//
// Error Handling:
//   - Timeout error: ctx.Err() returns DeadlineExceeded
//   - Executor failure: returned error
//   - Panic inside a search: recovered and converted to an error with stack
//   All errors are encapsulated in Result and returned
//
// ============================================================================

package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"
)

// Worker represents a search execution unit
type Worker struct {
	id       int           // Worker unique identifier, used for logging and CPU pinning
	taskCh   <-chan Task   // Task channel (read-only), receives tasks to execute
	resultCh chan<- Result // Result channel (write-only), sends task execution results
	exec     Executor      // Runs the actual search
	pinCPU   bool          // Pin the goroutine's OS thread to one core
	log      *slog.Logger
}

// newWorker creates a new Worker instance
func newWorker(id int, taskCh <-chan Task, resultCh chan<- Result, exec Executor, pinCPU bool, log *slog.Logger) *Worker {
	return &Worker{
		id:       id,
		taskCh:   taskCh,
		resultCh: resultCh,
		exec:     exec,
		pinCPU:   pinCPU,
		log:      log.With("worker", id),
	}
}

// Run is the main loop of Worker, receives tasks from task channel and executes them
// After each task execution, sends the result to result channel
func (w *Worker) Run(ctx context.Context) {
	if w.pinCPU {
		release, err := pinWorker(w.id)
		if err != nil {
			w.log.Warn("CPU pinning failed", "error", err)
		}
		defer release()
	}

	for task := range w.taskCh {
		start := time.Now()

		taskCtx, cancel := ctx, context.CancelFunc(func() {})
		if task.Timeout > 0 {
			taskCtx, cancel = context.WithTimeout(ctx, task.Timeout)
		}

		out, err := w.execute(taskCtx, task)
		cancel() // Release resources

		result := Result{
			TaskID:     task.ID,
			Round:      task.Round,
			WorkerID:   w.id,
			Payload:    out.Payload,
			Metric:     out.Metric,
			Iterations: out.Iterations,
			Success:    err == nil,
			Error:      err,
			Duration:   time.Since(start),
		}
		if err != nil {
			w.log.Debug("search failed", "round", task.Round, "task", task.ID, "error", err)
		}

		// Every submitted task must produce exactly one result: the
		// controller waits for all of them before closing the round.
		w.resultCh <- result
	}
}

// execute runs one search and converts a panic into an error
func (w *Worker) execute(ctx context.Context, task Task) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			out, err = Outcome{}, fmt.Errorf("worker panic: %v\nstack trace:\n%s", r, buf[:n])
		}
	}()
	return w.exec.Execute(ctx, task)
}
