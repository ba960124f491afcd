// Package events provides RabbitMQ run lifecycle events for trainstream.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/saltfish/trainstream/internal/domain"
	"github.com/saltfish/trainstream/internal/progress"
	"github.com/saltfish/trainstream/internal/scheduler"
)

// Routing keys for events.
const (
	// Run lifecycle events
	RoutingKeyRunStarted   = "training.run.started"
	RoutingKeyRunSucceeded = "training.run.succeeded"
	RoutingKeyRunFailed    = "training.run.failed"
	RoutingKeyRunCancelled = "training.run.cancelled"

	// Inbound run requests
	RoutingKeyRunRequested = "training.run.requested"
)

// Event types.
const (
	EventTypeRunStarted   = "training.run.started"
	EventTypeRunSucceeded = "training.run.succeeded"
	EventTypeRunFailed    = "training.run.failed"
	EventTypeRunCancelled = "training.run.cancelled"
)

// TriggerRemote marks runs requested over the message bus.
const TriggerRemote = "remote"

// BaseEvent contains common fields for all events.
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source,omitempty"`
}

// NewBaseEvent creates a new BaseEvent with auto-generated event_id.
func NewBaseEvent(eventType string) BaseEvent {
	return BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now(),
		Source:    "trainstream",
	}
}

// RunStartedEvent is published when a run is submitted on a surface.
type RunStartedEvent struct {
	BaseEvent
	RunID           uuid.UUID        `json:"run_id"`
	Surface         string           `json:"surface"`
	Trigger         string           `json:"trigger"`
	InstrumentToken int64            `json:"instrument_token"`
	Interval        string           `json:"interval"`
	Models          []domain.ModelID `json:"models"`
}

// NewRunStartedEvent creates a new RunStartedEvent.
func NewRunStartedEvent(run scheduler.RunInfo) *RunStartedEvent {
	return &RunStartedEvent{
		BaseEvent:       NewBaseEvent(EventTypeRunStarted),
		RunID:           run.ID,
		Surface:         run.Surface,
		Trigger:         run.Trigger,
		InstrumentToken: run.Request.InstrumentToken,
		Interval:        run.Request.Interval,
		Models:          run.Request.Models,
	}
}

// runSummary holds the fields shared by every finished-run event.
type runSummary struct {
	RunID          uuid.UUID `json:"run_id"`
	Surface        string    `json:"surface"`
	DurationMs     int64     `json:"duration_ms"`
	CompletedUnits uint      `json:"completed_units"`
	ExpectedUnits  uint      `json:"expected_units"`
}

func newRunSummary(run scheduler.RunInfo, final progress.Snapshot) runSummary {
	return runSummary{
		RunID:          run.ID,
		Surface:        run.Surface,
		DurationMs:     time.Since(run.StartedAt).Milliseconds(),
		CompletedUnits: final.State.CompletedUnits,
		ExpectedUnits:  final.State.ExpectedTotalUnits,
	}
}

// ModelSummary is the overall evaluation of one trained model.
type ModelSummary struct {
	ModelName           domain.ModelID `json:"model_name"`
	Metrics             domain.Metrics `json:"metrics"`
	Folds               int            `json:"folds"`
	TrainingTimeSeconds float64        `json:"training_time_seconds"`
}

// RunSucceededEvent is published when a run completes successfully.
type RunSucceededEvent struct {
	BaseEvent
	runSummary
	Models []ModelSummary `json:"models"`
}

// NewRunSucceededEvent creates a new RunSucceededEvent.
func NewRunSucceededEvent(run scheduler.RunInfo, final progress.Snapshot) *RunSucceededEvent {
	event := &RunSucceededEvent{
		BaseEvent:  NewBaseEvent(EventTypeRunSucceeded),
		runSummary: newRunSummary(run, final),
		Models:     []ModelSummary{},
	}

	if result := final.State.FinalResult; result != nil {
		for _, m := range result.Models {
			event.Models = append(event.Models, ModelSummary{
				ModelName:           m.ModelName,
				Metrics:             m.MetricsOverall,
				Folds:               len(m.WalkForward),
				TrainingTimeSeconds: m.TrainingTimeSeconds,
			})
		}
	}

	return event
}

// RunFailedEvent is published when a run ends in failure.
type RunFailedEvent struct {
	BaseEvent
	runSummary
	ErrorMessage string `json:"error_message"`
}

// NewRunFailedEvent creates a new RunFailedEvent.
func NewRunFailedEvent(run scheduler.RunInfo, final progress.Snapshot) *RunFailedEvent {
	event := &RunFailedEvent{
		BaseEvent:  NewBaseEvent(EventTypeRunFailed),
		runSummary: newRunSummary(run, final),
	}
	if final.State.ErrorMessage != nil {
		event.ErrorMessage = *final.State.ErrorMessage
	}
	return event
}

// RunCancelledEvent is published when a run is cancelled or superseded.
type RunCancelledEvent struct {
	BaseEvent
	runSummary
}

// NewRunCancelledEvent creates a new RunCancelledEvent.
func NewRunCancelledEvent(run scheduler.RunInfo, final progress.Snapshot) *RunCancelledEvent {
	return &RunCancelledEvent{
		BaseEvent:  NewBaseEvent(EventTypeRunCancelled),
		runSummary: newRunSummary(run, final),
	}
}

// RunRequestedMessage is the body of an inbound training.run.requested message.
type RunRequestedMessage struct {
	Surface string                 `json:"surface"`
	Request domain.TrainingRequest `json:"request"`
}
