package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ResultCache is the process-wide memo of agent outputs: TTL + LRU over
// fingerprint keys. Values are opaque JSON bytes; callers own serialization
// so a Get returns exactly the bytes passed to Set.
type ResultCache struct {
	lru *expirable.LRU[string, []byte]
}

// NewResultCache builds a cache bounded by maxEntries with per-entry ttl.
// A zero ttl means entries never expire.
func NewResultCache(maxEntries int, ttl time.Duration) *ResultCache {
	return &ResultCache{
		lru: expirable.NewLRU[string, []byte](maxEntries, nil, ttl),
	}
}

// Get returns the cached bytes for the fingerprint, copying so callers
// cannot corrupt the cached value.
func (c *ResultCache) Get(fingerprint string) ([]byte, bool) {
	v, ok := c.lru.Get(fingerprint)
	if !ok {
		return nil, false
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true
}

// Set stores bytes under the fingerprint.
func (c *ResultCache) Set(fingerprint string, value []byte) {
	stored := make([]byte, len(value))
	copy(stored, value)
	c.lru.Add(fingerprint, stored)
}

// Len reports the current entry count.
func (c *ResultCache) Len() int {
	return c.lru.Len()
}

// Purge drops every entry. Exposed for test teardown.
func (c *ResultCache) Purge() {
	c.lru.Purge()
}
