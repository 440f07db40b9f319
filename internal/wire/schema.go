package wire

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed event.schema.json
var eventSchemaJSON []byte

// EventValidator checks raw event records against the event schema.
// It is safe for concurrent use.
type EventValidator struct {
	schema *jsonschema.Schema
}

// NewEventValidator compiles the embedded event schema.
func NewEventValidator() (*EventValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(eventSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("NewEventValidator: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource("event.schema.json", doc); err != nil {
		return nil, fmt.Errorf("NewEventValidator: %w", err)
	}
	sch, err := c.Compile("event.schema.json")
	if err != nil {
		return nil, fmt.Errorf("NewEventValidator: %w", err)
	}
	return &EventValidator{schema: sch}, nil
}

// Validate checks one raw record and, if it conforms, decodes it.
func (v *EventValidator) Validate(raw json.RawMessage) (EventRecord, error) {
	var rec EventRecord

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return rec, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if err := v.schema.Validate(inst); err != nil {
		return rec, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return rec, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	return rec, nil
}

// rawAddEvents mirrors AddEventsRequest but leaves events undecoded so each
// one can be validated on its own.
type rawAddEvents struct {
	SessionID string            `json:"session_id"`
	Events    []json.RawMessage `json:"events"`
}

// DecodeAddEvents decodes and validates an add-events payload. Every event
// must conform; the first failure is reported with its index.
func (v *EventValidator) DecodeAddEvents(data []byte) (AddEventsRequest, error) {
	var raw rawAddEvents
	if err := json.Unmarshal(data, &raw); err != nil {
		return AddEventsRequest{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	if raw.SessionID == "" {
		return AddEventsRequest{}, fmt.Errorf("%w: missing session_id", ErrInvalidRecord)
	}

	req := AddEventsRequest{
		SessionID: raw.SessionID,
		Events:    make([]EventRecord, 0, len(raw.Events)),
	}
	for i, r := range raw.Events {
		rec, err := v.Validate(r)
		if err != nil {
			return AddEventsRequest{}, fmt.Errorf("event %d: %w", i, err)
		}
		req.Events = append(req.Events, rec)
	}
	return req, nil
}
