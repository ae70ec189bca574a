package workers

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/clipforge/clipforge/pkg/core/tasks"
)

// ExecFunc is the execution-unit contract a worker runs for one task:
// it receives the task payload, reports progress zero or more times via
// report, and returns exactly one of a result or an error. It is
// expected to observe ctx for cooperative cancellation and timeout.
type ExecFunc func(ctx context.Context, payload tasks.TaskPayload, report func(progress int)) (tasks.TaskResult, error)

// Assignment binds one task to a worker's execution context
type Assignment struct {
	TaskID  string
	Payload tasks.TaskPayload
	Timeout time.Duration
}

// runnerEvents are the callbacks a runner uses to surface execution
// outcomes to its owning pool. Exactly one of workerFinished or
// workerCrashed fires per assignment.
type runnerEvents interface {
	workerProgress(workerID, taskID string, progress int)
	workerFinished(workerID, taskID string, result tasks.TaskResult, execErr error, elapsed time.Duration)
	workerCrashed(workerID, taskID string, cause error)
}

// Runner abstracts the concurrency substrate behind a worker instance,
// decoupling scheduling logic from how work actually executes. The
// default implementation runs on a dedicated goroutine; alternative
// substrates (OS thread pools, remote agents) implement the same
// contract.
type Runner interface {
	// Submit hands the runner one assignment. The pool guarantees at
	// most one outstanding assignment per runner.
	Submit(a Assignment) error

	// Cancel cooperatively cancels the named assignment. It is a no-op
	// when the runner's current assignment is a different task, so a
	// cancel aimed at an already-finished task can never abort its
	// successor. The execution function may finish its current unit of
	// work first.
	Cancel(taskID string)

	// Terminate stops the runner. Any in-flight assignment is cancelled
	// and no further assignments are accepted.
	Terminate()
}

// goroutineRunner executes assignments sequentially on one goroutine
type goroutineRunner struct {
	workerID string
	exec     ExecFunc
	events   runnerEvents

	assignCh chan Assignment
	done     chan struct{}

	mu          sync.Mutex
	cancel      context.CancelFunc
	currentTask string
	stopped     bool
}

// execOutcome carries the execution function's return (or panic) from
// the inner goroutine back to the runner loop.
type execOutcome struct {
	result   tasks.TaskResult
	err      error
	panicked bool
	panicVal any
}

func newGoroutineRunner(workerID string, exec ExecFunc, events runnerEvents) *goroutineRunner {
	r := &goroutineRunner{
		workerID: workerID,
		exec:     exec,
		events:   events,
		assignCh: make(chan Assignment, 1),
		done:     make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *goroutineRunner) loop() {
	defer close(r.done)
	for a := range r.assignCh {
		if crashed := r.run(a); crashed {
			return
		}
	}
}

// run executes one assignment. The execution function runs on an inner
// goroutine so the time box holds even against an executor that ignores
// its context: on deadline expiry the task is force-failed immediately
// and the orphaned execution is abandoned (its late progress and result
// are discarded). Returns true when the execution function panicked
// before the deadline, which is fatal to this runner.
func (r *goroutineRunner) run(a Assignment) (crashed bool) {
	var ctx context.Context
	var cancel context.CancelFunc
	if a.Timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), a.Timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	r.mu.Lock()
	r.cancel = cancel
	r.currentTask = a.TaskID
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.cancel = nil
		r.currentTask = ""
		r.mu.Unlock()
		cancel()
	}()

	var settled atomic.Bool
	outcomeCh := make(chan execOutcome, 1)
	start := time.Now()

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				outcomeCh <- execOutcome{panicked: true, panicVal: rec}
			}
		}()
		result, err := r.exec(ctx, a.Payload, func(progress int) {
			if settled.Load() {
				return
			}
			r.events.workerProgress(r.workerID, a.TaskID, progress)
		})
		outcomeCh <- execOutcome{result: result, err: err}
	}()

	var out execOutcome
	select {
	case out = <-outcomeCh:
	case <-ctx.Done():
		if ctx.Err() != context.DeadlineExceeded {
			// Cancellation is cooperative: let the execution function
			// finish its current unit of work and return on its own.
			out = <-outcomeCh
			break
		}
		select {
		case out = <-outcomeCh:
			// Finished at the wire; keep the real outcome.
		default:
			settled.Store(true)
			r.events.workerFinished(r.workerID, a.TaskID, nil,
				&tasks.TaskTimeoutError{TaskID: a.TaskID, Timeout: a.Timeout}, time.Since(start))
			return false
		}
	}
	settled.Store(true)
	elapsed := time.Since(start)

	if out.panicked {
		r.events.workerCrashed(r.workerID, a.TaskID, fmt.Errorf("panic: %v", out.panicVal))
		return true
	}

	// A task that overran its time box is force-failed even if the
	// execution function dressed the context error up differently.
	err := out.err
	if err != nil && ctx.Err() == context.DeadlineExceeded {
		err = &tasks.TaskTimeoutError{TaskID: a.TaskID, Timeout: a.Timeout}
	}

	r.events.workerFinished(r.workerID, a.TaskID, out.result, err, elapsed)
	return false
}

func (r *goroutineRunner) Submit(a Assignment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return fmt.Errorf("runner %s is terminated", r.workerID)
	}
	select {
	case r.assignCh <- a:
		return nil
	default:
		return fmt.Errorf("runner %s already has an assignment", r.workerID)
	}
}

func (r *goroutineRunner) Cancel(taskID string) {
	r.mu.Lock()
	cancel := r.cancel
	if r.currentTask != taskID {
		cancel = nil
	}
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (r *goroutineRunner) Terminate() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	cancel := r.cancel
	close(r.assignCh)
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}
