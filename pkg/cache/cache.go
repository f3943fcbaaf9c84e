// Package cache provides sharded in-memory caches for hot read paths:
// price quotes and per-venue market metadata.
package cache

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const numShards = 16

// QuoteCache is a sharded last-price cache keyed by venue:symbol.
type QuoteCache struct {
	shards [numShards]*quoteShard
}

type quoteShard struct {
	mu    sync.RWMutex
	items map[string]quoteEntry
}

type quoteEntry struct {
	price     decimal.Decimal
	updatedAt time.Time
}

// NewQuoteCache creates an empty cache.
func NewQuoteCache() *QuoteCache {
	c := &QuoteCache{}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &quoteShard{items: make(map[string]quoteEntry)}
	}
	return c
}

func (c *QuoteCache) getShard(key string) *quoteShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores a price.
func (c *QuoteCache) Set(key string, price decimal.Decimal) {
	shard := c.getShard(key)
	shard.mu.Lock()
	shard.items[key] = quoteEntry{price: price, updatedAt: time.Now()}
	shard.mu.Unlock()
}

// Get retrieves a price.
func (c *QuoteCache) Get(key string) (decimal.Decimal, bool) {
	shard := c.getShard(key)
	shard.mu.RLock()
	entry, ok := shard.items[key]
	shard.mu.RUnlock()
	return entry.price, ok
}

// GetFresh retrieves a price only if it is younger than maxAge.
func (c *QuoteCache) GetFresh(key string, maxAge time.Duration) (decimal.Decimal, bool) {
	shard := c.getShard(key)
	shard.mu.RLock()
	entry, ok := shard.items[key]
	shard.mu.RUnlock()
	if !ok || time.Since(entry.updatedAt) > maxAge {
		return decimal.Zero, false
	}
	return entry.price, true
}

// Delete removes a key.
func (c *QuoteCache) Delete(key string) {
	shard := c.getShard(key)
	shard.mu.Lock()
	delete(shard.items, key)
	shard.mu.Unlock()
}

// Len returns total items across all shards.
func (c *QuoteCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.items)
		shard.mu.RUnlock()
	}
	return total
}

// Cleanup removes entries older than maxAge and reports how many.
func (c *QuoteCache) Cleanup(maxAge time.Duration) int {
	removed := 0
	cutoff := time.Now().Add(-maxAge)
	for _, shard := range c.shards {
		shard.mu.Lock()
		for key, entry := range shard.items {
			if entry.updatedAt.Before(cutoff) {
				delete(shard.items, key)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// TTLCache is a generic expiring cache used for market metadata, which
// venues only change on listing events.
type TTLCache[V any] struct {
	mu    sync.RWMutex
	items map[string]ttlEntry[V]
	ttl   time.Duration
}

type ttlEntry[V any] struct {
	value   V
	expires time.Time
}

// NewTTLCache creates a cache whose entries expire after ttl.
func NewTTLCache[V any](ttl time.Duration) *TTLCache[V] {
	return &TTLCache[V]{items: make(map[string]ttlEntry[V]), ttl: ttl}
}

// Set stores a value.
func (c *TTLCache[V]) Set(key string, value V) {
	c.mu.Lock()
	c.items[key] = ttlEntry[V]{value: value, expires: time.Now().Add(c.ttl)}
	c.mu.Unlock()
}

// Get retrieves an unexpired value.
func (c *TTLCache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	entry, ok := c.items[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.expires) {
		var zero V
		return zero, false
	}
	return entry.value, true
}

// Invalidate drops a key.
func (c *TTLCache[V]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

// Purge drops everything.
func (c *TTLCache[V]) Purge() {
	c.mu.Lock()
	c.items = make(map[string]ttlEntry[V])
	c.mu.Unlock()
}
