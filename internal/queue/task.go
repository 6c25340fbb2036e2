package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority selects which lane a task lands in. Lanes drain strictly in
// order: every HIGH task is delivered before any MEDIUM task, and every
// MEDIUM before any LOW.
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityMedium Priority = "MEDIUM"
	PriorityLow    Priority = "LOW"
)

// Lanes lists all priorities in drain order.
var Lanes = []Priority{PriorityHigh, PriorityMedium, PriorityLow}

// ParsePriority converts a priority name to a Priority.
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return Priority(s), nil
	}
	return "", fmt.Errorf("unknown priority %q", s)
}

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusDeadLetter Status = "DEAD_LETTER"
)

// Task is the durable record of one unit of work. The record at task/{id}
// is the source of truth for status; lane entries and claims only index it.
type Task struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Priority Priority        `json:"priority"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Status   Status          `json:"status"`

	RetryCount int   `json:"retry_count"`
	MaxRetries int   `json:"max_retries"`
	TimeoutMs  int64 `json:"timeout_ms"`

	UserID    string `json:"user_id,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`

	ErrorMessage string `json:"error_message,omitempty"`
	Cancelled    bool   `json:"cancelled,omitempty"`

	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	ProcessingTimeMs int64      `json:"processing_time_ms,omitempty"`
}

// ValidationError reports a rejected task field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid task: %s %s", e.Field, e.Reason)
}

func (t *Task) validate() error {
	if t.Type == "" {
		return &ValidationError{Field: "type", Reason: "is required"}
	}
	if _, err := ParsePriority(string(t.Priority)); err != nil {
		return &ValidationError{Field: "priority", Reason: fmt.Sprintf("%q is not one of HIGH, MEDIUM, LOW", t.Priority)}
	}
	if t.MaxRetries < 0 {
		return &ValidationError{Field: "max_retries", Reason: "must be >= 0"}
	}
	if t.TimeoutMs < 0 {
		return &ValidationError{Field: "timeout_ms", Reason: "must be >= 0"}
	}
	return nil
}

func newTaskID() string {
	return uuid.NewString()
}
