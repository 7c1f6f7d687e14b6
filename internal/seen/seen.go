// Package seen implements the bounded, TTL'd dedup cache over message ids
// (spec §4.6). It's the fast path in front of the store's authoritative
// seen_contains check.
package seen

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/dougsko/rfmp/internal/rfmp"
)

// DefaultCapacity and DefaultTTL match spec §3.1's SeenEntry defaults.
const (
	DefaultCapacity = 4096
	DefaultTTL      = time.Hour
)

// Cache is an LRU+TTL membership cache over message ids. Entries older than
// TTL are treated as absent even if still resident, forcing a re-index but
// never a re-broadcast (the store retains the message regardless).
type Cache struct {
	lru *expirable.LRU[rfmp.ID, struct{}]
}

// New returns a Cache with the given capacity and TTL.
func New(capacity int, ttl time.Duration) *Cache {
	return &Cache{lru: expirable.NewLRU[rfmp.ID, struct{}](capacity, nil, ttl)}
}

// NewDefault returns a Cache using spec.md's default capacity and TTL.
func NewDefault() *Cache {
	return New(DefaultCapacity, DefaultTTL)
}

// Contains reports whether id was touched within the TTL window.
func (c *Cache) Contains(id rfmp.ID) bool {
	_, ok := c.lru.Get(id)
	return ok
}

// Touch records id as seen now, refreshing its TTL and LRU recency.
func (c *Cache) Touch(id rfmp.ID) {
	c.lru.Add(id, struct{}{})
}

// Len returns the number of live (non-expired) entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}
