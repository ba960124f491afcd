package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrUnknownEventType is returned for a well-formed payload with an unrecognised type.
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrMalformedEvent is returned when the payload is not a valid event.
	ErrMalformedEvent = errors.New("malformed event")
)

// Event is one training progress event. The set of implementations is closed:
// only the variants declared in this file satisfy it.
type Event interface {
	Type() EventType
	event()
}

// StartEvent announces the models of a run and the folds each will evaluate.
type StartEvent struct {
	Models     []ModelID `json:"models" validate:"dive,required"`
	TotalFolds uint      `json:"total_folds"`
}

// ModelStartEvent marks the beginning of one model's training.
type ModelStartEvent struct {
	Model      ModelID `json:"model" validate:"required"`
	TotalFolds uint    `json:"total_folds"`
}

// ModelSkippedEvent reports a model that will not be trained.
type ModelSkippedEvent struct {
	Model  ModelID `json:"model" validate:"required"`
	Reason string  `json:"reason"`
}

// FoldEvent carries the metrics of one evaluated walk-forward split.
type FoldEvent struct {
	Model      ModelID   `json:"model" validate:"required"`
	FoldIndex  uint      `json:"fold_index"`
	TotalFolds uint      `json:"total_folds"`
	TrainStart Timestamp `json:"train_start"`
	TrainEnd   Timestamp `json:"train_end"`
	TestStart  Timestamp `json:"test_start"`
	TestEnd    Timestamp `json:"test_end"`
	RMSE       float64   `json:"rmse"`
	MAE        float64   `json:"mae"`
	MAPE       *float64  `json:"mape,omitempty"`
}

// ModelCompleteEvent reports the overall metrics of a finished model.
type ModelCompleteEvent struct {
	Model   ModelID `json:"model" validate:"required"`
	Metrics Metrics `json:"metrics"`
}

// CompleteEvent ends a successful run.
type CompleteEvent struct {
	Results RunResult `json:"results"`
}

// ErrorEvent ends a failed run.
type ErrorEvent struct {
	Message string `json:"message"`
}

func (StartEvent) Type() EventType         { return EventTypeStart }
func (ModelStartEvent) Type() EventType    { return EventTypeModelStart }
func (ModelSkippedEvent) Type() EventType  { return EventTypeModelSkipped }
func (FoldEvent) Type() EventType          { return EventTypeFold }
func (ModelCompleteEvent) Type() EventType { return EventTypeModelComplete }
func (CompleteEvent) Type() EventType      { return EventTypeComplete }
func (ErrorEvent) Type() EventType         { return EventTypeError }

func (StartEvent) event()         {}
func (ModelStartEvent) event()    {}
func (ModelSkippedEvent) event()  {}
func (FoldEvent) event()          {}
func (ModelCompleteEvent) event() {}
func (CompleteEvent) event()      {}
func (ErrorEvent) event()         {}

// TotalUnits returns the number of folds the run is expected to evaluate.
// The product saturates instead of wrapping.
func (e StartEvent) TotalUnits() uint {
	models := uint(len(e.Models))
	if models == 0 {
		return 0
	}
	if e.TotalFolds > math.MaxUint/models {
		return math.MaxUint
	}
	return e.TotalFolds * models
}

// MarshalEvent encodes an event in its wire form, a JSON object keyed by "type".
func MarshalEvent(e Event) ([]byte, error) {
	if e == nil {
		return nil, fmt.Errorf("marshal event: nil event")
	}
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", e.Type(), err)
	}
	typ, err := json.Marshal(e.Type())
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(body)+len(typ)+10)
	out = append(out, `{"type":`...)
	out = append(out, typ...)
	if len(body) > 2 {
		out = append(out, ',')
	}
	return append(out, body[1:]...), nil
}

// EventLog is an ordered history of accepted events.
type EventLog []Event

// MarshalJSON encodes each event in its wire form.
func (l EventLog) MarshalJSON() ([]byte, error) {
	raw := make([]json.RawMessage, 0, len(l))
	for _, e := range l {
		b, err := MarshalEvent(e)
		if err != nil {
			return nil, err
		}
		raw = append(raw, b)
	}
	return json.Marshal(raw)
}

// UnmarshalJSON decodes events from their wire form.
func (l *EventLog) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) == 0 {
		*l = nil
		return nil
	}
	out := make(EventLog, 0, len(raw))
	for i, r := range raw {
		ev, err := UnmarshalEvent(r)
		if err != nil {
			return fmt.Errorf("event_log[%d]: %w", i, err)
		}
		out = append(out, ev)
	}
	*l = out
	return nil
}

// UnmarshalEvent decodes one event in its wire form, dispatching on "type".
// Errors wrap ErrUnknownEventType or ErrMalformedEvent.
func UnmarshalEvent(data []byte) (Event, error) {
	var envelope struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	var (
		ev  Event
		err error
	)
	switch envelope.Type {
	case EventTypeStart:
		var e StartEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case EventTypeModelStart:
		var e ModelStartEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case EventTypeModelSkipped:
		var e ModelSkippedEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case EventTypeFold:
		ev, err = unmarshalFold(data)
	case EventTypeModelComplete:
		var e ModelCompleteEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case EventTypeComplete:
		var e CompleteEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case EventTypeError:
		var e ErrorEvent
		err = json.Unmarshal(data, &e)
		ev = e
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, envelope.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return ev, nil
}

// foldWire accepts both the flat fold shape and the nested one, where the
// split details sit under "data" and the index is keyed "fold".
type foldWire struct {
	FoldEvent
	Fold *uint           `json:"fold"`
	Data json.RawMessage `json:"data"`
}

func unmarshalFold(data []byte) (Event, error) {
	var w foldWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, err
	}

	if len(w.Data) > 0 && !bytes.Equal(w.Data, []byte("null")) {
		var inner foldWire
		if err := json.Unmarshal(w.Data, &inner); err != nil {
			return nil, fmt.Errorf("fold data: %w", err)
		}
		if inner.Model == "" {
			inner.Model = w.Model
		}
		w = inner
	}

	ev := w.FoldEvent
	if w.Fold != nil && ev.FoldIndex == 0 {
		ev.FoldIndex = *w.Fold
	}
	return ev, nil
}
