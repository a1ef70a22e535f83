package service

import (
	"sync"
	"time"
)

// TokenCache holds decrypted access tokens per account for a bounded time.
// Entries are bound to the sealed form they were decrypted from, so a token
// rotated by another process is never served. A miss reloads from the
// credential store.
type TokenCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[int64]cachedToken
}

type cachedToken struct {
	sealed    string
	token     string
	expiresAt time.Time
}

func NewTokenCache(ttl time.Duration) *TokenCache {
	return &TokenCache{ttl: ttl, now: time.Now, entries: make(map[int64]cachedToken)}
}

// Get returns the cached token for the sealed value if the entry has not aged
// past the TTL or the token's own expiry.
func (c *TokenCache) Get(accountID int64, sealed string) (string, bool) {
	if c == nil {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[accountID]
	if !ok || e.sealed != sealed {
		return "", false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, accountID)
		return "", false
	}
	return e.token, true
}

// Put stores token until the TTL elapses or tokenExpiry, whichever is first.
// A zero tokenExpiry means the token does not expire on its own.
func (c *TokenCache) Put(accountID int64, sealed, token string, tokenExpiry time.Time) {
	if c == nil || c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	until := c.now().Add(c.ttl)
	if !tokenExpiry.IsZero() && tokenExpiry.Before(until) {
		until = tokenExpiry
	}
	c.entries[accountID] = cachedToken{sealed: sealed, token: token, expiresAt: until}
}

func (c *TokenCache) Invalidate(accountID int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	delete(c.entries, accountID)
	c.mu.Unlock()
}

// Prune drops expired entries and returns how many remain.
func (c *TokenCache) Prune() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for id, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, id)
		}
	}
	return len(c.entries)
}
