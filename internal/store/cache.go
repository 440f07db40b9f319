package store

import (
	"context"
	"sync"
	"time"
)

// CachedStore wraps a SessionStore with a TTL cache for Lookup, which the
// collector calls on every add-events request. Entries are dropped on
// Complete so a completed session is observed immediately.
type CachedStore struct {
	SessionStore
	entries sync.Map // map[string]*sessionCacheEntry
	ttl     time.Duration
}

type sessionCacheEntry struct {
	session   *Session
	expiresAt time.Time
}

// NewCachedStore creates a cache in front of next.
func NewCachedStore(next SessionStore, ttl time.Duration) *CachedStore {
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	return &CachedStore{SessionStore: next, ttl: ttl}
}

func (c *CachedStore) Lookup(ctx context.Context, projectID, sessionID string) (*Session, error) {
	key := memKey(projectID, sessionID)
	if val, ok := c.entries.Load(key); ok {
		entry := val.(*sessionCacheEntry)
		if time.Now().Before(entry.expiresAt) {
			return entry.session, nil
		}
		c.entries.Delete(key)
	}

	s, err := c.SessionStore.Lookup(ctx, projectID, sessionID)
	if err != nil {
		return nil, err
	}
	if !s.Completed() {
		c.entries.Store(key, &sessionCacheEntry{session: s, expiresAt: time.Now().Add(c.ttl)})
	}
	return s, nil
}

func (c *CachedStore) Complete(ctx context.Context, projectID, sessionID string, at time.Time) error {
	c.entries.Delete(memKey(projectID, sessionID))
	return c.SessionStore.Complete(ctx, projectID, sessionID, at)
}
