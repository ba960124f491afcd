// Package domain contains the core domain models for trainstream.
package domain

// RunStatus represents the lifecycle status of a training run.
type RunStatus string

const (
	RunStatusIdle         RunStatus = "idle"
	RunStatusInitializing RunStatus = "initializing"
	RunStatusRunning      RunStatus = "running"
	RunStatusSucceeded    RunStatus = "succeeded"
	RunStatusFailed       RunStatus = "failed"
)

// IsTerminal returns true if the status is terminal (no further transitions).
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed
}

// IsValid returns true if the status is a valid RunStatus.
func (s RunStatus) IsValid() bool {
	switch s {
	case RunStatusIdle, RunStatusInitializing, RunStatusRunning, RunStatusSucceeded, RunStatusFailed:
		return true
	default:
		return false
	}
}

// String returns the string representation of the status.
func (s RunStatus) String() string {
	return string(s)
}

// RunStatusFromString converts a string to RunStatus.
func RunStatusFromString(s string) RunStatus {
	status := RunStatus(s)
	if status.IsValid() {
		return status
	}
	return RunStatusIdle
}

// EventType is the wire discriminator of a training event.
type EventType string

const (
	EventTypeStart         EventType = "start"
	EventTypeModelStart    EventType = "model_start"
	EventTypeModelSkipped  EventType = "model_skipped"
	EventTypeFold          EventType = "fold"
	EventTypeModelComplete EventType = "model_complete"
	EventTypeComplete      EventType = "complete"
	EventTypeError         EventType = "error"
)

// IsValid returns true if the type is one of the known event types.
func (t EventType) IsValid() bool {
	switch t {
	case EventTypeStart, EventTypeModelStart, EventTypeModelSkipped, EventTypeFold,
		EventTypeModelComplete, EventTypeComplete, EventTypeError:
		return true
	default:
		return false
	}
}

// IsTerminal returns true for the two event types that end a run.
func (t EventType) IsTerminal() bool {
	return t == EventTypeComplete || t == EventTypeError
}

// String returns the string representation of the event type.
func (t EventType) String() string {
	return string(t)
}
