package secrets

import (
	"context"
	"os"
	"sync"
	"time"
)

var osGetenv = os.Getenv

// DefaultCacheTTL bounds how long a rotated credential can keep being
// served from memory.
const DefaultCacheTTL = 10 * time.Minute

// Cached wraps a Provider with a read-through cache. Only successful
// lookups are cached; misses hit the backing provider every time so a
// late-provisioned secret becomes visible without a restart.
type Cached struct {
	backend Provider
	ttl     time.Duration
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	value     string
	fetchedAt time.Time
}

// NewCached wraps the backend with the default TTL.
func NewCached(backend Provider) *Cached {
	return &Cached{
		backend: backend,
		ttl:     DefaultCacheTTL,
		now:     time.Now,
		entries: make(map[string]cacheEntry),
	}
}

// WithTTL overrides the cache TTL.
func (c *Cached) WithTTL(ttl time.Duration) *Cached {
	c.ttl = ttl
	return c
}

// WithClock overrides the time source. Test use.
func (c *Cached) WithClock(now func() time.Time) *Cached {
	c.now = now
	return c
}

func (c *Cached) Get(ctx context.Context, name string) (string, error) {
	c.mu.Lock()
	if entry, ok := c.entries[name]; ok && c.now().Sub(entry.fetchedAt) < c.ttl {
		c.mu.Unlock()
		return entry.value, nil
	}
	c.mu.Unlock()

	value, err := c.backend.Get(ctx, name)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.entries[name] = cacheEntry{value: value, fetchedAt: c.now()}
	c.mu.Unlock()
	return value, nil
}
