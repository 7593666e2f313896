package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// StatusChangedEvent describes one persisted status transition of a task.
// Statuses are plain strings so this package stays free of task imports.
type StatusChangedEvent struct {
	// ID is a unique identifier for this event
	ID uuid.UUID `json:"id"`

	TaskID   uuid.UUID `json:"task_id"`
	TaskType string    `json:"task_type"`
	Queue    string    `json:"queue"`

	From string `json:"from"`
	To   string `json:"to"`

	// Attempt is the task's attempt count after the transition
	Attempt int `json:"attempt"`

	// Error carries the handler error for retry and failure transitions
	Error string `json:"error,omitempty"`

	// Duration is the handler run time for transitions out of running
	Duration time.Duration `json:"duration,omitempty"`

	OccurredAt time.Time `json:"occurred_at"`
}

// NewStatusChangedEvent creates an event stamped with a fresh ID and the current time.
func NewStatusChangedEvent(taskID uuid.UUID, taskType, queue, from, to string, attempt int) *StatusChangedEvent {
	return &StatusChangedEvent{
		ID:         uuid.New(),
		TaskID:     taskID,
		TaskType:   taskType,
		Queue:      queue,
		From:       from,
		To:         to,
		Attempt:    attempt,
		OccurredAt: time.Now().UTC(),
	}
}

// EventHandler defines an interface for components that react to task transitions.
type EventHandler interface {
	// HandleEvent processes the given event within the provided context.
	HandleEvent(ctx context.Context, event *StatusChangedEvent) error
}

// EventHandlerFunc adapts a function to the EventHandler interface.
type EventHandlerFunc func(ctx context.Context, event *StatusChangedEvent) error

// HandleEvent calls f(ctx, event).
func (f EventHandlerFunc) HandleEvent(ctx context.Context, event *StatusChangedEvent) error {
	return f(ctx, event)
}

// EventEmitter defines an interface for components that can emit events.
type EventEmitter interface {
	// EmitEvent publishes the given event to all registered handlers.
	EmitEvent(ctx context.Context, event *StatusChangedEvent) error
}

// NopEmitter discards every event.
type NopEmitter struct{}

// EmitEvent implements EventEmitter.
func (NopEmitter) EmitEvent(context.Context, *StatusChangedEvent) error { return nil }
