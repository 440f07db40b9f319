// Package wire defines the field-level contract between session trackers and
// the collector: JSON-shaped records carried as google.protobuf.Struct values
// over a small unary gRPC service.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ErrInvalidRecord is returned when a record cannot be decoded or fails
// schema validation.
var ErrInvalidRecord = errors.New("invalid record")

// SessionRecord is the create-session payload.
type SessionRecord struct {
	SessionID    string         `json:"session_id"`
	ResourceUUID string         `json:"resource_uuid"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// EventRecord is one event inside an add-events payload.
type EventRecord struct {
	Sequence   uint64         `json:"sequence"`
	Timestamp  time.Time      `json:"timestamp"`
	EventType  string         `json:"event_type"`
	ToolName   string         `json:"tool_name,omitempty"`
	InputData  any            `json:"input_data,omitempty"`
	OutputData any            `json:"output_data,omitempty"`
	ErrorData  any            `json:"error_data,omitempty"`
	DurationMs *int64         `json:"duration_ms,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// AddEventsRequest carries one ordered batch.
type AddEventsRequest struct {
	SessionID string        `json:"session_id"`
	Events    []EventRecord `json:"events"`
}

// CompleteSessionRequest marks a session finished.
type CompleteSessionRequest struct {
	SessionID   string    `json:"session_id"`
	CompletedAt time.Time `json:"completed_at"`
}

// Ack is the collector's reply to every method.
type Ack struct {
	SessionID  string `json:"session_id"`
	Accepted   int    `json:"accepted,omitempty"`
	Duplicates int    `json:"duplicates,omitempty"`
}

// Encode converts a record into a Struct by way of its JSON form.
func Encode(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("Encode: %w", err)
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("Encode: %w", err)
	}
	return s, nil
}

// Decode fills v from a Struct produced by Encode.
func Decode(s *structpb.Struct, v any) error {
	data, err := MarshalJSON(s)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return nil
}

// MarshalJSON renders a Struct as compact JSON.
func MarshalJSON(s *structpb.Struct) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: empty message", ErrInvalidRecord)
	}
	data, err := protojson.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return data, nil
}
