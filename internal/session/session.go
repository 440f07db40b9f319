package session

import (
	"context"
	"errors"
	"time"
)

// State is the lifecycle state of a session.
type State int

const (
	StateInactive State = iota
	StateActive
	StateCompleting
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateActive:
		return "active"
	case StateCompleting:
		return "completing"
	case StateCompleted:
		return "completed"
	}
	return "unknown"
}

// Session identifies one tracked session. Values returned by the Tracker are
// snapshots; mutating their Metadata does not affect the tracker.
type Session struct {
	ID           string
	ResourceUUID string
	Metadata     map[string]any
	State        State
	CreatedAt    time.Time
}

// DeliveryClient transmits session data to the collector. Implementations
// report failure through the returned error; retrying is the caller's job.
// Errors wrapping ErrSessionUnknown or ErrRejected are not retried as-is.
type DeliveryClient interface {
	CreateSession(ctx context.Context, s Session) error
	AddEvents(ctx context.Context, batch Batch) error
	CompleteSession(ctx context.Context, sessionID string) error
}

// Collector responses that change how a failed call is handled. Any other
// error is treated as transient and the call is retried.
var (
	// ErrSessionUnknown means the collector has no record of the session,
	// e.g. after it restarted with in-memory state. The session is
	// re-created before the next attempt.
	ErrSessionUnknown = errors.New("session unknown to collector")

	// ErrRejected means the collector refused the request as invalid and
	// will refuse it again. The batch is dropped.
	ErrRejected = errors.New("rejected by collector")
)

// Redactor rewrites an event before it is buffered.
type Redactor interface {
	Redact(e Event) Event
}

// cloneValue deep-copies the map and slice containers of a JSON-like value so
// the tracker never aliases caller-owned structures. Leaf values are shared.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMetadata(t)
	case []any:
		out := make([]any, len(t))
		for i, x := range t {
			out[i] = cloneValue(x)
		}
		return out
	default:
		return v
	}
}

func cloneMetadata(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}
