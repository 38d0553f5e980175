package idempotency

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// CachedStore fronts a Store with an in-process TTL cache so replayed
// retries skip the shared database on the hot path. Entries expire together
// with the underlying record.
type CachedStore struct {
	inner Store
	cache *gocache.Cache
}

// NewCachedStore wraps inner with a cache whose janitor runs every 10
// minutes.
func NewCachedStore(inner Store) *CachedStore {
	return &CachedStore{
		inner: inner,
		cache: gocache.New(gocache.NoExpiration, 10*time.Minute),
	}
}

// Lookup serves from cache when possible and falls through to the inner
// store, populating the cache on a hit.
func (c *CachedStore) Lookup(ctx context.Context, key string) (*Record, error) {
	if v, ok := c.cache.Get(key); ok {
		rec := v.(*Record)
		if !rec.Expired(time.Now().UTC()) {
			return rec, nil
		}
		c.cache.Delete(key)
	}

	rec, err := c.inner.Lookup(ctx, key)
	if err != nil || rec == nil {
		return rec, err
	}
	c.cache.Set(key, rec, time.Until(rec.ExpiresAt))
	return rec, nil
}

// Insert writes through to the inner store and caches on success.
func (c *CachedStore) Insert(ctx context.Context, rec *Record) error {
	if err := c.inner.Insert(ctx, rec); err != nil {
		return err
	}
	c.cache.Set(rec.Key, rec, time.Until(rec.ExpiresAt))
	return nil
}

// ReapExpired delegates to the inner store; cached entries expire on their
// own TTL.
func (c *CachedStore) ReapExpired(ctx context.Context, max int) (int64, error) {
	return c.inner.ReapExpired(ctx, max)
}
