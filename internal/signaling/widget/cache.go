package widget

import (
	"context"
	"time"

	"github.com/sebas/click2call/internal/signaling/store"
)

// CachedProvider memoizes successful lookups of another Provider for a
// fixed TTL. Misses and errors are never cached.
type CachedProvider struct {
	next  Provider
	ttl   time.Duration
	cache *store.TTLStore[string, Widget]
}

// NewCachedProvider wraps next. A non-positive ttl disables caching.
func NewCachedProvider(next Provider, ttl time.Duration) *CachedProvider {
	c := &CachedProvider{next: next, ttl: ttl}
	if ttl > 0 {
		c.cache = store.NewTTLStore[string, Widget](ttl)
	}
	return c
}

// Get implements Provider.
func (c *CachedProvider) Get(ctx context.Context, id string) (*Widget, error) {
	if c.cache != nil {
		if w, ok := c.cache.Get(id); ok {
			return &w, nil
		}
	}

	w, err := c.next.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.cache != nil {
		c.cache.Set(id, *w, c.ttl)
	}
	return w, nil
}

// Invalidate drops a cached widget so the next Get reads through.
func (c *CachedProvider) Invalidate(id string) {
	if c.cache != nil {
		c.cache.Delete(id)
	}
}

// InvalidateAll empties the cache.
func (c *CachedProvider) InvalidateAll() {
	if c.cache != nil {
		c.cache.Purge()
	}
}

// Close stops the cache sweeper.
func (c *CachedProvider) Close() {
	if c.cache != nil {
		c.cache.Close()
	}
}
