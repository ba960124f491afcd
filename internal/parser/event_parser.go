// Package parser turns decoded event-stream records into typed training events.
package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/saltfish/trainstream/internal/domain"
	"github.com/saltfish/trainstream/internal/sse"
)

var (
	// ErrUnknownEventType is returned for a well-formed payload with an unrecognised type.
	ErrUnknownEventType = domain.ErrUnknownEventType

	// ErrMalformedEvent is returned when the payload is not a valid event.
	ErrMalformedEvent = domain.ErrMalformedEvent
)

// maxPayloadInError bounds how much of a bad payload is kept for diagnostics.
const maxPayloadInError = 256

// ParseError describes a record that could not be turned into an event.
// It is never fatal to a run; callers drop the record and continue.
type ParseError struct {
	Type    string
	Payload string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("parse %q event: %v", e.Type, e.Err)
	}
	return fmt.Sprintf("parse event: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Reason returns a short label for metrics, "unknown_type" or "malformed".
func (e *ParseError) Reason() string {
	if errors.Is(e.Err, ErrUnknownEventType) {
		return "unknown_type"
	}
	return "malformed"
}

// EventParser parses record payloads.
type EventParser struct {
	logger *zap.Logger
}

// NewEventParser creates a new EventParser.
func NewEventParser(logger *zap.Logger) *EventParser {
	return &EventParser{logger: logger}
}

// Parse converts one record into a training event.
func (p *EventParser) Parse(rec sse.Record) (domain.Event, error) {
	payload := Payload(rec)
	if payload == "" {
		return nil, p.fail("", payload, fmt.Errorf("%w: empty payload", ErrMalformedEvent))
	}

	data, replaced := sanitizeNonFinite([]byte(payload))
	if replaced > 0 {
		p.logger.Debug("Replaced non-finite numbers in event payload",
			zap.Int("count", replaced),
		)
	}

	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, p.fail("", payload, fmt.Errorf("%w: %v", ErrMalformedEvent, err))
	}

	ev, err := domain.UnmarshalEvent(data)
	if err != nil {
		return nil, p.fail(envelope.Type, payload, err)
	}
	if err := domain.Validate(ev); err != nil {
		return nil, p.fail(envelope.Type, payload, fmt.Errorf("%w: %v", ErrMalformedEvent, err))
	}
	return ev, nil
}

func (p *EventParser) fail(typ, payload string, err error) *ParseError {
	if len(payload) > maxPayloadInError {
		payload = payload[:maxPayloadInError] + "..."
	}
	return &ParseError{Type: typ, Payload: payload, Err: err}
}

// Payload joins the data lines of a record, with field prefixes and
// surrounding whitespace removed. Other fields (event, id, retry) are ignored.
func Payload(rec sse.Record) string {
	parts := make([]string, 0, len(rec.Lines))
	for _, line := range rec.Lines {
		if !sse.IsDataLine(line) {
			continue
		}
		parts = append(parts, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}
