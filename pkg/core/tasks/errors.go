package tasks

import (
	"errors"
	"fmt"
	"time"
)

// ErrTaskNotFound is returned when a task id is unknown to the registry
var ErrTaskNotFound = errors.New("task not found")

// ValidationError reports a malformed submission.
// Submission-time errors never mutate shared state.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid submission: %s: %s", e.Field, e.Reason)
}

// PoolNotFoundError reports a submission whose type has no matching pool
type PoolNotFoundError struct {
	Type TaskType
}

func (e *PoolNotFoundError) Error() string {
	return fmt.Sprintf("no pool registered for task type %q", e.Type)
}

// QueueFullError reports a submission rejected by admission control.
// Excess submissions are rejected, never silently dropped.
type QueueFullError struct {
	Pool  string
	Limit int
}

func (e *QueueFullError) Error() string {
	return fmt.Sprintf("pool %s queue is full (limit %d)", e.Pool, e.Limit)
}

// TaskExecutionError is a worker-reported failure, captured on the task
// and subject to automatic retry.
type TaskExecutionError struct {
	TaskID  string
	Message string
}

func (e *TaskExecutionError) Error() string {
	return fmt.Sprintf("task %s execution failed: %s", e.TaskID, e.Message)
}

// TaskTimeoutError reports a task force-failed on timeout expiry.
// Treated identically to an execution error for retry purposes.
type TaskTimeoutError struct {
	TaskID  string
	Timeout time.Duration
}

func (e *TaskTimeoutError) Error() string {
	return fmt.Sprintf("task %s timed out after %s", e.TaskID, e.Timeout)
}

// WorkerTransportError reports a crashed worker host. Fatal to the
// worker, not necessarily to the task: the task is marked failed and
// the pool replaces the worker to maintain its minimum size.
type WorkerTransportError struct {
	WorkerID string
	Cause    string
}

func (e *WorkerTransportError) Error() string {
	return fmt.Sprintf("worker %s transport failure: %s", e.WorkerID, e.Cause)
}
