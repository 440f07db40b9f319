package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/triage-ai/palisade/services/session_tracker/internal/wire"
)

// EventSink persists validated session events. WriteEvents is synchronous:
// an error means none of the rows can be assumed stored and the client will
// resend the batch.
type EventSink interface {
	WriteEvents(ctx context.Context, rows []EventRow) error
	Close()
}

// EventRow is one event as stored in the session_events table.
type EventRow struct {
	ProjectID  string
	SessionID  string
	Sequence   uint64
	Timestamp  time.Time
	EventType  string
	ToolName   string
	InputJSON  string
	OutputJSON string
	ErrorJSON  string
	DurationMs *int64
	Metadata   map[string]string
	ReceivedAt time.Time
}

// NewEventRow flattens a wire record into a storage row. Payloads are kept as
// JSON text and metadata values are stringified.
func NewEventRow(projectID, sessionID string, rec wire.EventRecord, receivedAt time.Time) EventRow {
	return EventRow{
		ProjectID:  projectID,
		SessionID:  sessionID,
		Sequence:   rec.Sequence,
		Timestamp:  rec.Timestamp.UTC(),
		EventType:  rec.EventType,
		ToolName:   rec.ToolName,
		InputJSON:  payloadJSON(rec.InputData),
		OutputJSON: payloadJSON(rec.OutputData),
		ErrorJSON:  payloadJSON(rec.ErrorData),
		DurationMs: rec.DurationMs,
		Metadata:   flattenMetadata(rec.Metadata),
		ReceivedAt: receivedAt.UTC(),
	}
}

func payloadJSON(v any) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

func flattenMetadata(m map[string]any) map[string]string {
	if len(m) == 0 {
		return map[string]string{}
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case string:
			out[k] = val
		case nil:
			out[k] = ""
		default:
			data, err := json.Marshal(val)
			if err != nil {
				out[k] = fmt.Sprintf("%v", val)
				continue
			}
			out[k] = string(data)
		}
	}
	return out
}
