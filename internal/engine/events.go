package engine

import "time"

// EventKind names a job lifecycle transition observable via
// coordinator.On.
type EventKind string

const (
	EventScheduled EventKind = "scheduled"
	EventPublished EventKind = "published"
	EventRetry     EventKind = "retry"
	EventFailed    EventKind = "failed"
	EventCancelled EventKind = "cancelled"
)

// Event is the payload handed to subscribers. Job is a snapshot taken at
// emission time; handlers may keep or mutate it freely.
type Event struct {
	Kind EventKind `json:"kind"`
	At   time.Time `json:"at"`
	Job  *Job      `json:"job"`
	Err  string    `json:"err,omitempty"`
}
