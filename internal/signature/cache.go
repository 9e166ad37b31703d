// Package signature caches provider-issued thinking signatures per session,
// keyed by a digest of the signed text.
package signature

import (
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"sync"
	"time"
)

const (
	// TTL is how long an entry stays valid after it was written.
	TTL = time.Hour
	// MaxEntriesPerSession bounds the entries held for one session.
	MaxEntriesPerSession = 100
	// HashHexLen is the number of hex characters kept from the text digest.
	HashHexLen = 16
)

// Entry is a cached signature and the time it was stored.
type Entry struct {
	Timestamp time.Time
	Signature string
}

// Cache maps (session, text hash) to a signature.
type Cache struct {
	mu       sync.Mutex
	sessions map[string]map[string]Entry
	now      func() time.Time
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// NewCache creates an empty signature cache.
func NewCache(opts ...Option) *Cache {
	c := &Cache{
		sessions: make(map[string]map[string]Entry),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HashText returns the truncated hex SHA-256 digest of text's UTF-8 bytes.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])[:HashHexLen]
}

// Put stores signature for text in sessionID. Empty arguments are ignored.
func (c *Cache) Put(sessionID, text, signature string) {
	if sessionID == "" || text == "" || signature == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	session, ok := c.sessions[sessionID]
	if !ok {
		session = make(map[string]Entry)
		c.sessions[sessionID] = session
	}

	if len(session) >= MaxEntriesPerSession {
		evict(session, now)
	}

	session[HashText(text)] = Entry{Signature: signature, Timestamp: now}
}

// evict drops expired entries, then the oldest quarter if still full.
// Recency is write time; reads do not refresh it.
func evict(session map[string]Entry, now time.Time) {
	for key, entry := range session {
		if now.Sub(entry.Timestamp) > TTL {
			delete(session, key)
		}
	}
	if len(session) < MaxEntriesPerSession {
		return
	}

	type keyed struct {
		key string
		ts  time.Time
	}
	entries := make([]keyed, 0, len(session))
	for key, entry := range session {
		entries = append(entries, keyed{key: key, ts: entry.Timestamp})
	}
	slices.SortFunc(entries, func(a, b keyed) int {
		return a.ts.Compare(b.ts)
	})
	for _, e := range entries[:MaxEntriesPerSession/4] {
		delete(session, e.key)
	}
}

// Get returns the signature cached for text in sessionID.
// An expired entry is deleted and reported as missing.
func (c *Cache) Get(sessionID, text string) (string, bool) {
	if sessionID == "" || text == "" {
		return "", false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	session, ok := c.sessions[sessionID]
	if !ok {
		return "", false
	}

	hash := HashText(text)
	entry, ok := session[hash]
	if !ok {
		return "", false
	}

	if c.now().Sub(entry.Timestamp) > TTL {
		delete(session, hash)
		return "", false
	}

	return entry.Signature, true
}

// Clear drops one session, or all sessions when sessionID is empty.
func (c *Cache) Clear(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sessionID == "" {
		clear(c.sessions)
		return
	}
	delete(c.sessions, sessionID)
}

// SessionLen returns the number of entries held for sessionID.
func (c *Cache) SessionLen(sessionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions[sessionID])
}

// Sessions returns the number of sessions with a sub-map.
func (c *Cache) Sessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}
