package store

import (
	"context"
	"errors"
	"time"
)

// ErrSessionNotFound is returned when a session does not exist for the
// requesting project.
var ErrSessionNotFound = errors.New("session not found")

// SessionStore persists the sessions announced to the collector.
type SessionStore interface {
	// Create records a session. Re-creating an existing session with the same
	// ID and project is not an error, so clients may retry a timed-out create.
	Create(ctx context.Context, s *Session) error
	// Lookup returns the session or ErrSessionNotFound.
	Lookup(ctx context.Context, projectID, sessionID string) (*Session, error)
	// Complete stamps the completion time. Completing twice keeps the first
	// timestamp.
	Complete(ctx context.Context, projectID, sessionID string, at time.Time) error
}

// Session is the collector-side view of a tracked session.
type Session struct {
	ID           string
	ProjectID    string
	ResourceUUID string
	Metadata     map[string]any
	CreatedAt    time.Time
	CompletedAt  *time.Time
}

// Completed reports whether the session has been marked complete.
func (s *Session) Completed() bool {
	return s.CompletedAt != nil
}
