// Package stream implements the push side of a stage run: the typed event
// protocol, its SSE framing and the per-flow streaming sessions.
package stream

import (
	"encoding/json"
	"fmt"

	"github.com/c360studio/stageflow/workflow"
)

// EventType tags a StreamEvent.
type EventType string

const (
	EventCognitiveStep EventType = "cognitive_step"
	EventContentChunk  EventType = "content_chunk"
	EventDataStructure EventType = "data_structure"
	EventError         EventType = "error"
	EventDone          EventType = "done"
)

// ErrorCode is the stable failure code carried by error events.
type ErrorCode string

const (
	CodeTimeout ErrorCode = "TIMEOUT"
	CodeNetwork ErrorCode = "NETWORK"
	CodeSchema  ErrorCode = "SCHEMA"
	CodeQA      ErrorCode = "QA"
	CodeUnknown ErrorCode = "UNKNOWN"
)

// Data statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Event is one message of a session. On the encode side Payload is any
// JSON-encodable value; decoded events carry a json.RawMessage.
type Event struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// StepsPayload is the payload of a cognitive_step event. It replaces the
// previous step list wholesale.
type StepsPayload struct {
	Steps   workflow.Steps `json:"steps"`
	Tip     string         `json:"tip,omitempty"`
	TraceID string         `json:"traceId,omitempty"`
}

// DataPayload is the payload of a data_structure event.
type DataPayload struct {
	Status   string                  `json:"status"`
	Data     any                     `json:"data,omitempty"`
	Error    string                  `json:"error,omitempty"`
	Stage    workflow.Stage          `json:"stage,omitempty"`
	Version  int                     `json:"version,omitempty"`
	Degraded bool                    `json:"degraded,omitempty"`
	Issues   []workflow.QualityIssue `json:"issues,omitempty"`
}

// ErrorPayload is the payload of an error event.
type ErrorPayload struct {
	Code    ErrorCode               `json:"code"`
	Message string                  `json:"message"`
	Issues  []workflow.QualityIssue `json:"issues,omitempty"`
}

// StepsEvent returns a cognitive_step event. steps is copied.
func StepsEvent(steps workflow.Steps, tip, traceID string) Event {
	return Event{Type: EventCognitiveStep, Payload: StepsPayload{Steps: steps.Clone(), Tip: tip, TraceID: traceID}}
}

// ChunkEvent returns a content_chunk event.
func ChunkEvent(text string) Event {
	return Event{Type: EventContentChunk, Payload: text}
}

// SuccessEvent returns a successful data_structure event.
func SuccessEvent(p DataPayload) Event {
	p.Status = StatusSuccess
	return Event{Type: EventDataStructure, Payload: p}
}

// ErrorEvent returns an error event.
func ErrorEvent(code ErrorCode, message string, issues []workflow.QualityIssue) Event {
	return Event{Type: EventError, Payload: ErrorPayload{Code: code, Message: message, Issues: issues}}
}

// DoneEvent returns the terminal done event.
func DoneEvent() Event {
	return Event{Type: EventDone}
}

// IsTerminal reports whether e ends the substantive part of a session: an
// error, or a successful data_structure.
func (e Event) IsTerminal() bool {
	switch e.Type {
	case EventError:
		return true
	case EventDataStructure:
		switch p := e.Payload.(type) {
		case DataPayload:
			return p.Status == StatusSuccess
		case *DataPayload:
			return p != nil && p.Status == StatusSuccess
		}
	}
	return false
}

// Decode unmarshals the payload of a decoded event into v.
func (e Event) Decode(v any) error {
	raw, ok := e.Payload.(json.RawMessage)
	if !ok {
		data, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", e.Type, err)
		}
		raw = data
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

// Sink receives the events of one stage run in order.
type Sink interface {
	Emit(e Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(e Event) error

// Emit implements Sink.
func (f SinkFunc) Emit(e Event) error {
	return f(e)
}
