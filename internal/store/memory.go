package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-process SessionStore used when no database is
// configured and in tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func memKey(projectID, sessionID string) string {
	return projectID + ":" + sessionID
}

func (m *MemoryStore) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := memKey(s.ProjectID, s.ID)
	if _, ok := m.sessions[key]; ok {
		return nil
	}
	cp := *s
	m.sessions[key] = &cp
	return nil
}

func (m *MemoryStore) Lookup(_ context.Context, projectID, sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[memKey(projectID, sessionID)]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) Complete(_ context.Context, projectID, sessionID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[memKey(projectID, sessionID)]
	if !ok {
		return fmt.Errorf("Complete: %w", ErrSessionNotFound)
	}
	if s.CompletedAt == nil {
		s.CompletedAt = &at
	}
	return nil
}

// Len returns the number of stored sessions.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
