package workers

import (
	"time"

	"github.com/clipforge/clipforge/pkg/core/tasks"
)

// WorkerStatus represents the lifecycle state of a worker instance
type WorkerStatus string

const (
	WorkerIdle       WorkerStatus = "idle"
	WorkerBusy       WorkerStatus = "busy"
	WorkerError      WorkerStatus = "error"
	WorkerTerminated WorkerStatus = "terminated"
)

// WorkerInstance wraps one execution context owned by a pool. It tracks
// the worker's capability set, status and cumulative counters. All
// fields are guarded by the owning pool's mutex; a worker never
// throttles itself, concurrency bounding is the scheduler's job.
type WorkerInstance struct {
	ID           string
	Status       WorkerStatus
	Capabilities map[tasks.TaskType]bool

	// CurrentTaskID is non-empty iff Status is WorkerBusy
	CurrentTaskID string

	TasksCompleted      int64
	TasksErrored        int64
	TotalProcessingTime time.Duration

	runner     Runner
	spawnedAt  time.Time
	lastIdleAt time.Time
}

// CanRun reports whether the worker's capability set covers the type
func (w *WorkerInstance) CanRun(t tasks.TaskType) bool {
	return w.Capabilities[t]
}

// WorkerStats is a read-only snapshot of one worker instance
type WorkerStats struct {
	ID                    string       `json:"id"`
	Status                WorkerStatus `json:"status"`
	CurrentTaskID         string       `json:"current_task_id,omitempty"`
	TasksCompleted        int64        `json:"tasks_completed"`
	TasksErrored          int64        `json:"tasks_errored"`
	TotalProcessingTimeMs int64        `json:"total_processing_time_ms"`
}

func (w *WorkerInstance) stats() WorkerStats {
	return WorkerStats{
		ID:                    w.ID,
		Status:                w.Status,
		CurrentTaskID:         w.CurrentTaskID,
		TasksCompleted:        w.TasksCompleted,
		TasksErrored:          w.TasksErrored,
		TotalProcessingTimeMs: w.TotalProcessingTime.Milliseconds(),
	}
}
