package store

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Cached is a read-through, write-through in-memory layer over a Store.
// Misses are not cached.
type Cached struct {
	store Store
	cache *gocache.Cache
}

func NewCached(store Store, ttl time.Duration) *Cached {
	return &Cached{
		store: store,
		cache: gocache.New(ttl, 2*ttl),
	}
}

func (c *Cached) Get(ctx context.Context, kind Kind, scope ...string) ([]byte, error) {
	key := cacheKey(kind, scope)

	if v, found := c.cache.Get(key); found {
		if blob, ok := v.([]byte); ok {
			return blob, nil
		}
	}

	blob, err := c.store.Get(ctx, kind, scope...)
	if err != nil {
		return nil, err
	}

	c.cache.SetDefault(key, blob)

	return blob, nil
}

func (c *Cached) Set(ctx context.Context, kind Kind, blob []byte, scope ...string) error {
	if err := c.store.Set(ctx, kind, blob, scope...); err != nil {
		return err
	}

	c.cache.SetDefault(cacheKey(kind, scope), blob)

	return nil
}

// Forget drops every cached entry of kind.
func (c *Cached) Forget(kind Kind) {
	prefix := string(kind) + "/"

	for key := range c.cache.Items() {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			c.cache.Delete(key)
		}
	}
}
