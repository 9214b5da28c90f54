package cache

import (
	"time"

	"github.com/dgraph-io/ristretto"
)

// RistrettoCache adapts a ristretto cache to the Cache interface. It is used
// for the retrieval read cache, which is keyed exactly and never needs
// prefix invalidation; ristretto cannot enumerate keys, so Invalidate only
// drops the exact key.
type RistrettoCache struct {
	inner *ristretto.Cache
}

// NewRistretto creates a TTL-capable ristretto cache sized for a modest
// per-process working set.
func NewRistretto() (*RistrettoCache, error) {
	inner, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     1 << 24,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &RistrettoCache{inner: inner}, nil
}

// Get returns the live value for key.
func (c *RistrettoCache) Get(key string) (any, bool) {
	return c.inner.Get(key)
}

// Set stores value under key for ttl.
func (c *RistrettoCache) Set(key string, value any, ttl time.Duration) {
	c.inner.SetWithTTL(key, value, 1, ttl)
	// Make the write visible to immediate readers.
	c.inner.Wait()
}

// Invalidate drops the exact key. Ristretto has no key iteration, so prefix
// semantics collapse to exact-match here.
func (c *RistrettoCache) Invalidate(prefix string) {
	c.inner.Del(prefix)
}
