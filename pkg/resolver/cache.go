package resolver

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Cached keeps successful answers from Next for TTL. Failures are not cached.
type Cached struct {
	Next  Resolver
	cache *gocache.Cache
}

// NewCached wraps next with a cache of the given TTL.
func NewCached(next Resolver, ttl time.Duration) *Cached {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Cached{Next: next, cache: gocache.New(ttl, 2*ttl)}
}

// LookupHost implements Resolver.
func (c *Cached) LookupHost(ctx context.Context, host string) ([]string, error) {
	key := normalize(host)
	if v, ok := c.cache.Get(key); ok {
		return append([]string(nil), v.([]string)...), nil
	}
	addrs, err := c.Next.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(key, append([]string(nil), addrs...))
	return addrs, nil
}

// Len reports the number of cached hostnames.
func (c *Cached) Len() int { return c.cache.ItemCount() }
