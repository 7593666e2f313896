package task

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// TaskStatus represents the current state of a task
type TaskStatus string

// Possible task status values
const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether no further automatic transition happens from s.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the known statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusPending, TaskStatusRunning, TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// Task type and queue constants
const (
	// TaskTypeDocumentProcessing parses, chunks and embeds an uploaded document
	TaskTypeDocumentProcessing = "document_processing"

	// DefaultQueueName is the channel document ingestion work is sent to
	DefaultQueueName = "document_processing"
)

// Record is the unit of background work and its persisted state.
//
// The producer owns Payload. Once a record has been dequeued, only the
// Processor mutates Status, Progress, AttemptCount and ErrorMessage.
type Record struct {
	ID           uuid.UUID       `json:"id"`
	Queue        string          `json:"queue"`
	Type         string          `json:"type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Status       TaskStatus      `json:"status"`
	Progress     int             `json:"progress"`
	AttemptCount int             `json:"attempt_count"`
	MaxAttempts  int             `json:"max_attempts"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    time.Time       `json:"started_at,omitempty"`
	CompletedAt  time.Time       `json:"completed_at,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// NewRecord creates a pending record with a fresh ID.
func NewRecord(queue, taskType string, payload json.RawMessage, maxAttempts int) *Record {
	now := time.Now().UTC()
	return &Record{
		ID:          uuid.New(),
		Queue:       queue,
		Type:        taskType,
		Payload:     payload,
		Status:      TaskStatusPending,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Clone returns a deep copy so queue and store implementations never share
// mutable state with their callers.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Payload != nil {
		c.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	return &c
}

// AttemptsExhausted reports whether another execution would exceed MaxAttempts.
func (r *Record) AttemptsExhausted() bool {
	return r.AttemptCount >= r.MaxAttempts
}
