package tasks

import (
	"fmt"
	"sync"
	"time"

	"github.com/clipforge/clipforge/pkg/infrastructure/logging"
)

// EventKind classifies a task lifecycle event
type EventKind string

const (
	EventSubmitted  EventKind = "task_submitted"
	EventDispatched EventKind = "task_dispatched"
	EventProgress   EventKind = "task_progress"
	EventCompleted  EventKind = "task_completed"
	EventFailed     EventKind = "task_failed"
	EventCancelled  EventKind = "task_cancelled"
	EventRetried    EventKind = "task_retried"
)

// Event is a push notification about a task lifecycle transition
type Event struct {
	TaskID   string     `json:"task_id"`
	Kind     EventKind  `json:"kind"`
	Progress int        `json:"progress,omitempty"`
	Result   TaskResult `json:"result,omitempty"`
	Error    string     `json:"error,omitempty"`
	WorkerID string     `json:"worker_id,omitempty"`
}

// Callbacks receive push notifications for a single subscribed task.
// A subscription sees zero or more non-decreasing OnProgress calls
// followed by exactly one terminal callback. Cancellation is delivered
// through OnError with a cancellation message.
//
// Callbacks are invoked synchronously from lifecycle transitions; they
// must return promptly and must not call back into the scheduler.
type Callbacks struct {
	OnProgress func(taskID string, progress int)
	OnComplete func(taskID string, result TaskResult)
	OnError    func(taskID string, errMsg string)
}

// Listener observes every task event in the registry
type Listener func(Event)

// StatusCounts holds per-status task counters
type StatusCounts struct {
	Total      int64 `json:"total"`
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Cancelled  int64 `json:"cancelled"`
}

// Registry holds all task records and enforces lifecycle transitions.
// It is the only component allowed to mutate task state; pools and the
// orchestrator drive it through the Mark* methods. All state flips are
// atomic with respect to concurrent dispatch triggers.
type Registry struct {
	mu        sync.RWMutex
	tasks     map[string]*Task
	subs      map[string][]Callbacks
	listeners []Listener
	total     int64
	log       *logging.Logger
}

// NewRegistry creates an empty task registry
func NewRegistry(logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.New(nil)
	}
	return &Registry{
		tasks: make(map[string]*Task),
		subs:  make(map[string][]Callbacks),
		log:   logger.WithComponent("registry"),
	}
}

// notification is collected under the lock and fired after release so
// callbacks may safely call back into the registry
type notification struct {
	event Event
	subs  []Callbacks
}

func (r *Registry) fire(pending []notification) {
	if len(pending) == 0 {
		return
	}
	r.mu.RLock()
	listeners := make([]Listener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.RUnlock()

	for _, n := range pending {
		for _, l := range listeners {
			l(n.event)
		}
		for _, cb := range n.subs {
			switch n.event.Kind {
			case EventProgress:
				if cb.OnProgress != nil {
					cb.OnProgress(n.event.TaskID, n.event.Progress)
				}
			case EventCompleted:
				if cb.OnComplete != nil {
					cb.OnComplete(n.event.TaskID, n.event.Result)
				}
			case EventFailed, EventCancelled:
				if cb.OnError != nil {
					cb.OnError(n.event.TaskID, n.event.Error)
				}
			}
		}
	}
}

// AddListener registers a global observer for all task events
func (r *Registry) AddListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Subscribe attaches callbacks to a task. If the task already reached a
// terminal state the matching terminal callback fires immediately.
func (r *Registry) Subscribe(id string, cb Callbacks) error {
	r.mu.Lock()
	t, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return ErrTaskNotFound
	}
	if t.Status.Terminal() {
		status := t.Status
		result := t.Result
		errMsg := t.Error
		r.mu.Unlock()
		switch status {
		case StatusCompleted:
			if cb.OnComplete != nil {
				cb.OnComplete(id, result)
			}
		case StatusFailed:
			if cb.OnError != nil {
				cb.OnError(id, errMsg)
			}
		case StatusCancelled:
			if cb.OnError != nil {
				cb.OnError(id, "task cancelled")
			}
		}
		return nil
	}
	r.subs[id] = append(r.subs[id], cb)
	r.mu.Unlock()
	return nil
}

// Insert registers a newly submitted task and increments totalTasks.
// Called by the owning pool under its admission lock, so a rejected
// submission never reaches the registry.
func (r *Registry) Insert(t *Task) {
	r.mu.Lock()
	r.tasks[t.ID] = t
	r.total++
	pending := []notification{{event: Event{TaskID: t.ID, Kind: EventSubmitted}}}
	r.mu.Unlock()

	r.log.Debug("task submitted", map[string]any{"task": t.ID, "type": t.Type, "priority": t.Priority.String()})
	r.fire(pending)
}

// Get returns a snapshot of the task with the given id
func (r *Registry) Get(id string) (*Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// Snapshot returns snapshots of every task in the registry
func (r *Registry) Snapshot() []*Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t.Clone())
	}
	return out
}

// TotalTasks returns the number of accepted submissions
func (r *Registry) TotalTasks() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}

// Counts returns per-status task counters
func (r *Registry) Counts() StatusCounts {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := StatusCounts{Total: r.total}
	for _, t := range r.tasks {
		switch t.Status {
		case StatusPending:
			c.Pending++
		case StatusProcessing:
			c.Processing++
		case StatusCompleted:
			c.Completed++
		case StatusFailed:
			c.Failed++
		case StatusCancelled:
			c.Cancelled++
		}
	}
	return c
}

// MarkDispatched transitions a pending task to processing and binds it
// to the given worker. A task already bound to a worker is a scheduler
// defect and is reported as an error, never silently rebound.
func (r *Registry) MarkDispatched(id, workerID string) (*Task, error) {
	r.mu.Lock()
	t, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return nil, ErrTaskNotFound
	}
	if t.Status != StatusPending {
		r.mu.Unlock()
		return nil, fmt.Errorf("task %s is %s, not pending", id, t.Status)
	}
	if t.AssignedWorkerID != "" {
		r.mu.Unlock()
		return nil, fmt.Errorf("task %s already assigned to worker %s", id, t.AssignedWorkerID)
	}

	now := time.Now()
	t.Status = StatusProcessing
	t.StartTime = &now
	t.AssignedWorkerID = workerID
	snap := t.Clone()
	pending := []notification{{event: Event{TaskID: id, Kind: EventDispatched, WorkerID: workerID}}}
	r.mu.Unlock()

	r.fire(pending)
	return snap, nil
}

// UpdateProgress records task progress. Values are clamped to [0,100]
// and enforced non-decreasing; stale or regressive updates are dropped.
func (r *Registry) UpdateProgress(id string, progress int) {
	r.mu.Lock()
	t, ok := r.tasks[id]
	if !ok || t.Status != StatusProcessing {
		r.mu.Unlock()
		return
	}
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	if progress <= t.Progress {
		r.mu.Unlock()
		return
	}
	t.Progress = progress
	pending := []notification{{
		event: Event{TaskID: id, Kind: EventProgress, Progress: progress, WorkerID: t.AssignedWorkerID},
		subs:  r.subs[id],
	}}
	r.mu.Unlock()

	r.fire(pending)
}

// MarkCompleted transitions a processing task to completed and records
// its result. The task's progress is forced to 100.
func (r *Registry) MarkCompleted(id string, result TaskResult) error {
	r.mu.Lock()
	t, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return ErrTaskNotFound
	}
	if t.Status != StatusProcessing {
		r.mu.Unlock()
		return fmt.Errorf("task %s is %s, not processing", id, t.Status)
	}

	now := time.Now()
	t.Status = StatusCompleted
	t.Result = result
	t.Error = ""
	t.Progress = 100
	t.EndTime = &now
	t.AssignedWorkerID = ""
	t.notified = true
	pending := []notification{{
		event: Event{TaskID: id, Kind: EventCompleted, Progress: 100, Result: result},
		subs:  r.subs[id],
	}}
	delete(r.subs, id)
	r.mu.Unlock()

	r.fire(pending)
	return nil
}

// MarkFailed transitions a task to failed, capturing the error message.
// The terminal OnError callback fires only when final is true; a failure
// about to be retried is not a terminal event for subscribers.
func (r *Registry) MarkFailed(id, errMsg string, final bool) error {
	r.mu.Lock()
	t, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return ErrTaskNotFound
	}
	if t.Status.Terminal() {
		r.mu.Unlock()
		return fmt.Errorf("task %s is already %s", id, t.Status)
	}

	now := time.Now()
	t.Status = StatusFailed
	t.Error = errMsg
	t.Result = nil
	t.EndTime = &now
	t.AssignedWorkerID = ""

	var pending []notification
	if final && !t.notified {
		t.notified = true
		pending = append(pending, notification{
			event: Event{TaskID: id, Kind: EventFailed, Error: errMsg},
			subs:  r.subs[id],
		})
		delete(r.subs, id)
	}
	r.mu.Unlock()

	r.fire(pending)
	return nil
}

// MarkCancelled transitions a pending or processing task to cancelled.
// For processing tasks this is the acknowledgement point of a
// cooperative cancel.
func (r *Registry) MarkCancelled(id string) error {
	r.mu.Lock()
	t, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return ErrTaskNotFound
	}
	if t.Status.Terminal() {
		r.mu.Unlock()
		return fmt.Errorf("task %s is already %s", id, t.Status)
	}

	now := time.Now()
	t.Status = StatusCancelled
	t.EndTime = &now
	t.AssignedWorkerID = ""
	t.notified = true
	pending := []notification{{
		event: Event{TaskID: id, Kind: EventCancelled, Error: "task cancelled"},
		subs:  r.subs[id],
	}}
	delete(r.subs, id)
	r.mu.Unlock()

	r.fire(pending)
	return nil
}

// RequestCancel records cancel intent on a processing task. The task
// becomes cancelled only once the worker acknowledges via MarkCancelled.
func (r *Registry) RequestCancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if !ok || t.Status != StatusProcessing {
		return false
	}
	t.cancelRequested = true
	return true
}

// PrepareRetry transitions a failed task back to pending for another
// attempt: progress resets to 0 and the retry counter increments. It
// refuses tasks that are not failed or that exhausted their budget.
func (r *Registry) PrepareRetry(id string) (*Task, bool) {
	r.mu.Lock()
	t, ok := r.tasks[id]
	if !ok || t.Status != StatusFailed || t.RetryCount >= t.MaxRetries {
		r.mu.Unlock()
		return nil, false
	}

	t.Status = StatusPending
	t.Progress = 0
	t.RetryCount++
	t.Error = ""
	t.Result = nil
	t.StartTime = nil
	t.EndTime = nil
	t.AssignedWorkerID = ""
	t.cancelRequested = false
	snap := t.Clone()
	pending := []notification{{event: Event{TaskID: id, Kind: EventRetried}}}
	r.mu.Unlock()

	r.fire(pending)
	return snap, true
}

// Sweep removes completed and cancelled tasks whose terminal timestamp
// is older than the retention window. Failed tasks stay visible so the
// manual retry affordance keeps working.
func (r *Registry) Sweep(retention time.Duration) int {
	cutoff := time.Now().Add(-retention)

	r.mu.Lock()
	removed := 0
	for id, t := range r.tasks {
		if t.Status != StatusCompleted && t.Status != StatusCancelled {
			continue
		}
		if t.EndTime != nil && t.EndTime.Before(cutoff) {
			delete(r.tasks, id)
			delete(r.subs, id)
			removed++
		}
	}
	r.mu.Unlock()

	if removed > 0 {
		r.log.Debug("swept terminal tasks", map[string]any{"removed": removed})
	}
	return removed
}
