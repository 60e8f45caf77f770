package history

import (
	"context"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart EventType = "start"
	EventEnd   EventType = "end"
)

// Kind of execution a record describes.
const (
	KindTransformation = "transformation"
	KindJob            = "job"
)

// Record describes one execution at the time of the event.
type Record struct {
	Kind       string    `json:"kind"`
	Name       string    `json:"name"`
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// NullTime maps a zero time to NULL for SQL sinks.
func NullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// NullString maps "" to NULL for SQL sinks.
func NullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
