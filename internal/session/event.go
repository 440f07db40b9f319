package session

import (
	"errors"
	"fmt"
	"time"
)

// EventType classifies a captured interaction. The set is closed.
type EventType string

const (
	EventToolCall      EventType = "tool_call"
	EventToolResponse  EventType = "tool_response"
	EventError         EventType = "error"
	EventUserInput     EventType = "user_input"
	EventSystemMessage EventType = "system_message"
)

// Valid reports whether t is one of the known event types.
func (t EventType) Valid() bool {
	switch t {
	case EventToolCall, EventToolResponse, EventError, EventUserInput, EventSystemMessage:
		return true
	}
	return false
}

// ErrInvalidEvent is returned by Event.Validate.
var ErrInvalidEvent = errors.New("invalid event")

// Event is one immutable record of an interaction. Build events with the
// New* constructors so caller-owned maps are copied.
//
// Sequence is assigned by the tracker at enqueue time and is the ordering key
// within a session; Timestamp is capture time and is informational only.
type Event struct {
	Sequence   uint64
	Timestamp  time.Time
	Type       EventType
	ToolName   string
	InputData  any
	OutputData any
	ErrorData  any
	DurationMs *int64
	Metadata   map[string]any
}

// ErrorDetail is the payload carried by EventError events.
type ErrorDetail struct {
	Message   string `json:"message"`
	Type      string `json:"type,omitempty"`
	Traceback string `json:"traceback,omitempty"`
}

// NewToolCall captures a tool invocation with its input arguments.
func NewToolCall(toolName string, input any, metadata map[string]any) Event {
	return Event{
		Timestamp: time.Now(),
		Type:      EventToolCall,
		ToolName:  toolName,
		InputData: cloneValue(input),
		Metadata:  cloneMetadata(metadata),
	}
}

// NewToolResponse captures a tool result and how long the call took.
func NewToolResponse(toolName string, output any, duration time.Duration, metadata map[string]any) Event {
	return Event{
		Timestamp:  time.Now(),
		Type:       EventToolResponse,
		ToolName:   toolName,
		OutputData: cloneValue(output),
		DurationMs: durationMs(duration),
		Metadata:   cloneMetadata(metadata),
	}
}

// NewError captures a failed tool call. traceback may be empty.
func NewError(toolName string, err error, traceback string, duration time.Duration, metadata map[string]any) Event {
	detail := ErrorDetail{Traceback: traceback}
	if err != nil {
		detail.Message = err.Error()
		detail.Type = fmt.Sprintf("%T", err)
	}
	return Event{
		Timestamp:  time.Now(),
		Type:       EventError,
		ToolName:   toolName,
		ErrorData:  detail,
		DurationMs: durationMs(duration),
		Metadata:   cloneMetadata(metadata),
	}
}

// NewUserInput records an annotation supplied by the end user.
func NewUserInput(input any, metadata map[string]any) Event {
	return Event{
		Timestamp: time.Now(),
		Type:      EventUserInput,
		InputData: cloneValue(input),
		Metadata:  cloneMetadata(metadata),
	}
}

// NewSystemMessage records an annotation emitted by the service itself.
func NewSystemMessage(message string, metadata map[string]any) Event {
	return Event{
		Timestamp: time.Now(),
		Type:      EventSystemMessage,
		Metadata:  withMessage(metadata, message),
	}
}

func withMessage(metadata map[string]any, message string) map[string]any {
	m := cloneMetadata(metadata)
	if m == nil {
		m = make(map[string]any, 1)
	}
	m["message"] = message
	return m
}

func durationMs(d time.Duration) *int64 {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	return &ms
}

// Validate checks the structural constraints of an event.
func (e Event) Validate() error {
	if !e.Type.Valid() {
		return fmt.Errorf("%w: unknown event type %q", ErrInvalidEvent, e.Type)
	}
	if e.DurationMs != nil && *e.DurationMs < 0 {
		return fmt.Errorf("%w: negative duration_ms %d", ErrInvalidEvent, *e.DurationMs)
	}
	// Mirrors the collector's event schema: a payload field that does not
	// belong to the event type makes the whole batch unacceptable.
	var foreign string
	switch e.Type {
	case EventToolCall:
		foreign = firstSet("output_data", e.OutputData, "error_data", e.ErrorData)
	case EventToolResponse:
		foreign = firstSet("input_data", e.InputData, "error_data", e.ErrorData)
	case EventError:
		foreign = firstSet("input_data", e.InputData, "output_data", e.OutputData)
	}
	if foreign != "" {
		return fmt.Errorf("%w: %s event carries %s", ErrInvalidEvent, e.Type, foreign)
	}
	return nil
}

func firstSet(name1 string, v1 any, name2 string, v2 any) string {
	switch {
	case v1 != nil:
		return name1
	case v2 != nil:
		return name2
	}
	return ""
}

// WithoutPayload returns a copy of e with input, output and error payloads
// removed. Tool name, duration and metadata are retained.
func (e Event) WithoutPayload() Event {
	e.InputData = nil
	e.OutputData = nil
	e.ErrorData = nil
	return e
}

// Batch is an ordered group of events drained together for one delivery
// attempt.
type Batch struct {
	SessionID string
	Events    []Event
}

// Len returns the number of events in the batch.
func (b Batch) Len() int { return len(b.Events) }
