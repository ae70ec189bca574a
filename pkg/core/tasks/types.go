package tasks

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskType identifies the kind of media processing a task performs
type TaskType string

const (
	TypeVideoProcessing TaskType = "video_processing"
	TypeImageProcessing TaskType = "image_processing"
	TypeCompression     TaskType = "compression"
	TypeAnalysis        TaskType = "analysis"
)

// SupportedTypes lists every task type the orchestrator can schedule
func SupportedTypes() []TaskType {
	return []TaskType{TypeVideoProcessing, TypeImageProcessing, TypeCompression, TypeAnalysis}
}

// Valid reports whether t is a known task type
func (t TaskType) Valid() bool {
	switch t {
	case TypeVideoProcessing, TypeImageProcessing, TypeCompression, TypeAnalysis:
		return true
	}
	return false
}

// Status represents the lifecycle state of a task
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether s is a terminal state
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Priority is the dispatch priority band of a task.
// Higher values dispatch strictly before lower ones.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// NumPriorities is the number of priority bands
const NumPriorities = 4

// String returns the string representation of the priority
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Valid reports whether p is within the defined priority bands
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// ParsePriority parses a priority name into a Priority
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(s) {
	case "low":
		return PriorityLow, nil
	case "medium", "":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return PriorityMedium, fmt.Errorf("invalid priority: %s", s)
	}
}

// Task is a unit of schedulable work with declared type, priority and payload
type Task struct {
	ID               string            `json:"id"`
	Type             TaskType          `json:"type"`
	Status           Status            `json:"status"`
	Priority         Priority          `json:"priority"`
	Payload          TaskPayload       `json:"payload,omitempty"`
	Result           TaskResult        `json:"result,omitempty"`
	Error            string            `json:"error,omitempty"`
	Progress         int               `json:"progress"`
	CreatedAt        time.Time         `json:"created_at"`
	StartTime        *time.Time        `json:"start_time,omitempty"`
	EndTime          *time.Time        `json:"end_time,omitempty"`
	RetryCount       int               `json:"retry_count"`
	MaxRetries       int               `json:"max_retries"`
	AssignedWorkerID string            `json:"assigned_worker_id,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`

	cancelRequested bool
	notified        bool
}

// SubmitSpec describes a task submission request
type SubmitSpec struct {
	Type       TaskType
	Payload    TaskPayload
	Priority   Priority
	MaxRetries int
	Metadata   map[string]string
}

// New validates a submission spec and constructs a pending Task.
// It returns a *ValidationError when the spec is malformed.
func New(spec SubmitSpec) (*Task, error) {
	if !spec.Type.Valid() {
		return nil, &ValidationError{Field: "type", Reason: fmt.Sprintf("unknown task type %q", spec.Type)}
	}
	if !spec.Priority.Valid() {
		return nil, &ValidationError{Field: "priority", Reason: fmt.Sprintf("priority %d out of range", spec.Priority)}
	}
	if spec.Payload == nil {
		return nil, &ValidationError{Field: "payload", Reason: "payload is required"}
	}
	if spec.Payload.Kind() != spec.Type {
		return nil, &ValidationError{Field: "payload", Reason: fmt.Sprintf("payload kind %q does not match task type %q", spec.Payload.Kind(), spec.Type)}
	}
	if err := spec.Payload.Validate(); err != nil {
		return nil, &ValidationError{Field: "payload", Reason: err.Error()}
	}
	if spec.MaxRetries < 0 {
		return nil, &ValidationError{Field: "max_retries", Reason: "must not be negative"}
	}

	return &Task{
		ID:         uuid.New().String(),
		Type:       spec.Type,
		Status:     StatusPending,
		Priority:   spec.Priority,
		Payload:    spec.Payload,
		Progress:   0,
		CreatedAt:  time.Now(),
		MaxRetries: spec.MaxRetries,
		Metadata:   spec.Metadata,
	}, nil
}

// CancelRequested reports whether a cooperative cancel has been requested
func (t *Task) CancelRequested() bool {
	return t.cancelRequested
}

// Clone returns a shallow copy safe to hand to observers.
// Payload and Result are immutable by convention and shared.
func (t *Task) Clone() *Task {
	c := *t
	if t.StartTime != nil {
		st := *t.StartTime
		c.StartTime = &st
	}
	if t.EndTime != nil {
		et := *t.EndTime
		c.EndTime = &et
	}
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
