// Package health tracks per-stage liveness for the orchestration core.
// Detection is split in two: the foreground execution path pushes crash
// events the moment a stage call fails (a crashed unit cannot heartbeat its
// own demise), while a background watchdog loop pulls for hangs and stalls
// by comparing each stage's last activity against its timeout.
package health

import (
	"time"
)

// ExecutionState is the lifecycle state of one stage's execution.
type ExecutionState string

const (
	StatePending   ExecutionState = "pending"
	StateRunning   ExecutionState = "running"
	StateCompleted ExecutionState = "completed"
	StateFailed    ExecutionState = "failed"
)

// EventType tags a health event.
type EventType string

const (
	EventStarted   EventType = "started"
	EventProgress  EventType = "progress"
	EventStalled   EventType = "stalled"
	EventCrashed   EventType = "crashed"
	EventHung      EventType = "hung"
	EventCompleted EventType = "completed"
)

// Event is delivered to observers when a stage's health changes.
type Event struct {
	Type      EventType      `json:"type"`
	Stage     string         `json:"stage"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Observer receives health events. Delivery is synchronous and in
// registration order; a panicking observer is recovered and logged, never
// allowed to take down the watchdog.
type Observer interface {
	HandleHealthEvent(event Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(event Event)

func (f ObserverFunc) HandleHealthEvent(event Event) { f(event) }

// StageHealth is the per-stage liveness record. Counters only ever grow;
// the monitor mutates a record only under its stage's lock.
type StageHealth struct {
	ExecutionCount int            `json:"execution_count"`
	FailureCount   int            `json:"failure_count"`
	TotalDuration  time.Duration  `json:"total_duration"`
	LastActivity   time.Time      `json:"last_activity"`
	State          ExecutionState `json:"state"`
}
