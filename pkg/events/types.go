package events

import (
	"context"
	"errors"
	"time"

	"github.com/bagtrail/bagtrail/pkg/state"
)

// Priority classifies how urgently a dispatched event should be treated.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityMedium   Priority = "medium"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// ErrQueueFull is returned by Enqueue when the target partition is at
// capacity. The event is dropped, not blocked on.
var ErrQueueFull = errors.New("event queue partition is full")

// Handler processes one external event against the entity's latest
// checkpoint state. The handler mutates the passed-in state and owns the
// checkpoint save; different event types touch different sub-states.
type Handler func(ctx context.Context, bagID string, data map[string]interface{}, st *state.WorkflowState) (*Result, error)

// Result describes the outcome of dispatching one event.
type Result struct {
	// BagID is the entity the event was applied to.
	BagID string `json:"bag_id"`

	// EventType is the dispatched event type.
	EventType state.EventType `json:"event_type"`

	// Handled is true when a handler ran and persisted a new checkpoint.
	Handled bool `json:"handled"`

	// Ignored is true when the event was logged but not applied, e.g.
	// because the entity already reached a terminal stage.
	Ignored bool `json:"ignored"`

	// Message is a human-readable summary of what the handler did.
	Message string `json:"message,omitempty"`

	// Stage is the entity's stage after handling.
	Stage state.BagStatus `json:"stage,omitempty"`

	// CheckpointID identifies the checkpoint written by the handler.
	CheckpointID string `json:"checkpoint_id,omitempty"`
}

// Notification is the payload sent to the notification collaborator for
// high and critical priority events.
type Notification struct {
	BagID     string          `json:"bag_id"`
	EventType state.EventType `json:"event_type"`
	Priority  Priority        `json:"priority"`
	Message   string          `json:"message"`
	Timestamp time.Time       `json:"timestamp"`
}

// Notifier delivers notifications for high-priority events. Failures are
// logged and never block or fail event processing.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, n Notification) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}
