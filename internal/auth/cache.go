// Package auth reconciles OAuth token snapshots and refreshes access tokens.
package auth

import (
	"sync"

	"github.com/j-veylop/antigravity-account-pool/internal/models"
)

// ExpiredFunc reports whether an access token should be treated as expired.
type ExpiredFunc func(models.OAuthAuthDetails) bool

// Cache holds the most recently observed token snapshot per refresh token.
// Callers sharing a credential consult it so a stale access token does not
// replace one another caller refreshed concurrently.
type Cache struct {
	mu      sync.Mutex
	entries map[string]models.OAuthAuthDetails
	expired ExpiredFunc
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithExpiry overrides the expiry predicate.
func WithExpiry(fn ExpiredFunc) CacheOption {
	return func(c *Cache) {
		c.expired = fn
	}
}

// NewCache creates an empty auth cache.
func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{
		entries: make(map[string]models.OAuthAuthDetails),
		expired: AccessTokenExpired,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Resolve returns the best known snapshot for auth's refresh token.
// An unexpired input always wins and is stored. An expired input is replaced
// by the cached snapshot when that one is still valid. When both are expired
// the input is stored and returned so the caller can refresh.
func (c *Cache) Resolve(auth models.OAuthAuthDetails) models.OAuthAuthDetails {
	key, ok := auth.RefreshKey()
	if !ok {
		return auth
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	cached, found := c.entries[key]
	if !found {
		c.entries[key] = auth
		return auth
	}

	if !c.expired(auth) {
		c.entries[key] = auth
		return auth
	}

	if !c.expired(cached) {
		return cached
	}

	c.entries[key] = auth
	return auth
}

// Store records auth as the latest snapshot for its refresh token.
func (c *Cache) Store(auth models.OAuthAuthDetails) {
	key, ok := auth.RefreshKey()
	if !ok {
		return
	}

	c.mu.Lock()
	c.entries[key] = auth
	c.mu.Unlock()
}

// Clear removes the entry for refresh, or every entry when refresh is empty.
func (c *Cache) Clear(refresh string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if refresh == "" {
		clear(c.entries)
		return
	}
	if key, ok := (models.OAuthAuthDetails{RefreshToken: refresh}).RefreshKey(); ok {
		delete(c.entries, key)
	}
}

// Len returns the number of cached snapshots.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
