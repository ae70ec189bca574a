// Package eventlog provides an append-only, fixed-capacity ring buffer
// of orchestration events for observability and diagnostic reports.
// Once capacity is reached the oldest entries are overwritten; entries
// are never mutated after append.
package eventlog

import (
	"sync"
	"time"
)

// Kind classifies an orchestration event
type Kind string

const (
	TaskSubmitted    Kind = "task_submitted"
	TaskDispatched   Kind = "task_dispatched"
	TaskCompleted    Kind = "task_completed"
	TaskFailed       Kind = "task_failed"
	TaskCancelled    Kind = "task_cancelled"
	TaskRetried      Kind = "task_retried"
	TaskRejected     Kind = "task_rejected"
	WorkerSpawned    Kind = "worker_spawned"
	WorkerTerminated Kind = "worker_terminated"
	WorkerCrashed    Kind = "worker_crashed"
	PoolCreated      Kind = "pool_created"
	PoolScaled       Kind = "pool_scaled"
	PoolTerminated   Kind = "pool_terminated"
)

// Event is one entry in the log
type Event struct {
	Seq      uint64    `json:"seq"`
	Time     time.Time `json:"time"`
	Kind     Kind      `json:"kind"`
	Pool     string    `json:"pool,omitempty"`
	TaskID   string    `json:"task_id,omitempty"`
	WorkerID string    `json:"worker_id,omitempty"`
	Detail   string    `json:"detail,omitempty"`
}

// DefaultCapacity is used when a log is created with capacity <= 0
const DefaultCapacity = 1024

// Log is a bounded, append-only event ring buffer safe for concurrent use
type Log struct {
	mu    sync.Mutex
	buf   []Event
	start int
	count int
	seq   uint64
}

// NewLog creates a log holding at most capacity events
func NewLog(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{buf: make([]Event, capacity)}
}

// Append records an event, assigning it the next sequence number.
// The oldest event is overwritten when the buffer is full.
func (l *Log) Append(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	e.Seq = l.seq
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	if l.count < len(l.buf) {
		l.buf[(l.start+l.count)%len(l.buf)] = e
		l.count++
		return
	}
	l.buf[l.start] = e
	l.start = (l.start + 1) % len(l.buf)
}

// Len returns the number of retained events
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Seq returns the total number of events ever appended
func (l *Log) Seq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Snapshot returns retained events in append order, oldest first
func (l *Log) Snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Event, l.count)
	for i := 0; i < l.count; i++ {
		out[i] = l.buf[(l.start+i)%len(l.buf)]
	}
	return out
}

// Tail returns the newest n retained events in append order
func (l *Log) Tail(n int) []Event {
	events := l.Snapshot()
	if n >= len(events) {
		return events
	}
	return events[len(events)-n:]
}
