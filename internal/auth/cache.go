package auth

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/blake2b"
)

// KeyCache remembers which project an ingest key resolved to, so bcrypt and
// the key store are consulted once per key per TTL rather than per request.
//
// Entries are indexed by a BLAKE2b digest of the key; plaintext keys are never
// retained. An expired entry keeps answering while exactly one caller
// revalidates it against the store. That caller reports back with Set when
// the key is still good, Evict when it was revoked or no longer matches, or
// RefreshFailed when the store could not be reached, in which case the next
// lookup is told to try again. A revoked key therefore stops authenticating
// within one TTL plus one successful refresh.
type KeyCache struct {
	entries sync.Map // map[[32]byte]*keyEntry
	ttl     time.Duration
}

type keyEntry struct {
	project    *Project
	expiresAt  time.Time
	refreshing atomic.Bool
}

// KeyLookup is the outcome of KeyCache.Get.
type KeyLookup struct {
	Project      *Project
	Hit          bool
	NeedsRefresh bool // entry expired; set for exactly one caller at a time
}

// NewKeyCache creates a cache whose entries expire after ttl.
func NewKeyCache(ttl time.Duration) *KeyCache {
	return &KeyCache{ttl: ttl}
}

func digest(key string) [32]byte {
	return blake2b.Sum256([]byte(key))
}

// Get looks up key without blocking.
func (c *KeyCache) Get(key string) KeyLookup {
	val, ok := c.entries.Load(digest(key))
	if !ok {
		return KeyLookup{}
	}

	entry := val.(*keyEntry)
	if time.Now().Before(entry.expiresAt) {
		return KeyLookup{Project: entry.project, Hit: true}
	}
	return KeyLookup{
		Project:      entry.project,
		Hit:          true,
		NeedsRefresh: entry.refreshing.CompareAndSwap(false, true),
	}
}

// Set records a validated key with a fresh TTL.
func (c *KeyCache) Set(key string, project *Project) {
	c.entries.Store(digest(key), &keyEntry{
		project:   project,
		expiresAt: time.Now().Add(c.ttl),
	})
}

// Evict forgets a key that was revoked or no longer matches its stored hash.
func (c *KeyCache) Evict(key string) {
	c.entries.Delete(digest(key))
}

// RefreshFailed releases the refresh claim on an expired entry so a later
// lookup retries the revalidation.
func (c *KeyCache) RefreshFailed(key string) {
	if val, ok := c.entries.Load(digest(key)); ok {
		val.(*keyEntry).refreshing.Store(false)
	}
}
