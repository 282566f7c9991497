package poller

import (
	"time"

	"github.com/johan/tokenfeed/internal/types"
)

// DefaultTTL is how long a fetched snapshot stays valid.
const DefaultTTL = 30 * time.Second

type entry struct {
	value      types.MarketData
	insertedAt time.Time
}

// Cache holds the last successful snapshot per token. An entry is valid
// while now - insertedAt < ttl; expired entries read as absent but stay in
// place until overwritten. Not safe for concurrent use.
type Cache struct {
	ttl     time.Duration
	now     func() time.Time
	entries map[string]entry
}

// NewCache creates a cache with the given ttl and time source.
func NewCache(ttl time.Duration, now func() time.Time) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Cache{ttl: ttl, now: now, entries: make(map[string]entry)}
}

// Get returns the live snapshot for tokenID.
func (c *Cache) Get(tokenID string) (types.MarketData, bool) {
	e, ok := c.entries[tokenID]
	if !ok || c.now().Sub(e.insertedAt) >= c.ttl {
		return types.MarketData{}, false
	}
	return e.value, true
}

// Stale returns the last snapshot for tokenID even if it has expired.
func (c *Cache) Stale(tokenID string) (types.MarketData, bool) {
	e, ok := c.entries[tokenID]
	return e.value, ok
}

// Put stores md as tokenID's snapshot, stamped now.
func (c *Cache) Put(tokenID string, md types.MarketData) {
	c.entries[tokenID] = entry{value: md, insertedAt: c.now()}
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache) Len() int { return len(c.entries) }

// TTL returns the validity window.
func (c *Cache) TTL() time.Duration { return c.ttl }
