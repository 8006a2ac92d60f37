package cache

import (
	"crypto/sha256"
	"fmt"
	"time"

	"FusionChat/internal/session"

	gocache "github.com/patrickmn/go-cache"
)

// Key hashes parts into a stable cache key
func Key(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

// ModelCache remembers provider model lists for a while so reopening a
// conversation does not hit the provider again.
type ModelCache struct {
	cache *gocache.Cache
}

// NewModelCache creates a cache whose entries expire after ttl
func NewModelCache(ttl time.Duration) *ModelCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &ModelCache{cache: gocache.New(ttl, 2*ttl)}
}

// Get returns a copy of the cached list for providerID
func (c *ModelCache) Get(providerID string) ([]session.Model, bool) {
	if x, found := c.cache.Get(Key("models", providerID)); found {
		models := x.([]session.Model)
		return append([]session.Model(nil), models...), true
	}
	return nil, false
}

// Set stores models for providerID with the default expiration
func (c *ModelCache) Set(providerID string, models []session.Model) {
	c.cache.Set(Key("models", providerID), append([]session.Model(nil), models...), gocache.DefaultExpiration)
}

// Invalidate drops the cached list for providerID
func (c *ModelCache) Invalidate(providerID string) {
	c.cache.Delete(Key("models", providerID))
}
