// Package cache provides caching implementations for PassGuard.
package cache

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LRUCache is a size-bounded, thread-safe cache with per-entry TTL.
// It is the community profile cache and the L1 of TwoPhaseCache.
type LRUCache struct {
	mu       sync.Mutex
	maxSize  int
	items    *lru.Cache[string, entry]
	counters *lru.Cache[string, counter]
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

type counter struct {
	count     int64
	expiresAt time.Time
}

// NewLRUCache holds up to maxSize values and as many counters, 10000 each
// when maxSize is not positive.
func NewLRUCache(maxSize int) *LRUCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	// lru.New only fails on a non-positive size.
	items, _ := lru.New[string, entry](maxSize)
	counters, _ := lru.New[string, counter](maxSize)
	return &LRUCache{
		maxSize:  maxSize,
		items:    items,
		counters: counters,
	}
}

// Get drops an expired entry on read and reports it as a miss.
func (c *LRUCache) Get(ctx context.Context, key string) ([]byte, error) {
	e, ok := c.items.Get(key)
	if !ok {
		return nil, nil
	}
	if time.Now().After(e.expiresAt) {
		c.items.Remove(key)
		return nil, nil
	}
	return e.value, nil
}

func (c *LRUCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.items.Add(key, entry{value: value, expiresAt: time.Now().Add(ttl)})
	return nil
}

func (c *LRUCache) Delete(ctx context.Context, key string) error {
	c.items.Remove(key)
	return nil
}

// IncrementCounter keeps counters apart from values so quote entries never
// evict a dedup count.
func (c *LRUCache) IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	cur, ok := c.counters.Get(key)
	if !ok || now.After(cur.expiresAt) {
		cur = counter{expiresAt: now.Add(window)}
	}
	cur.count++
	c.counters.Add(key, cur)
	return cur.count, nil
}

func (c *LRUCache) Ping(context.Context) error { return nil }

// Close drops every entry.
func (c *LRUCache) Close() error {
	c.items.Purge()
	c.counters.Purge()
	return nil
}

// Len reports how many values are held, expired ones included until read.
func (c *LRUCache) Len() int {
	return c.items.Len()
}
