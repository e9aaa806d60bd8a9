// Package cache provides an expiring key/value store shared across sessions.
//
// Lookups and writes are safe under concurrent access from different
// sessions; keys are spread over independent shards so a slow operation on
// one key never blocks unrelated keys. Expiry is lazy on read, with a sweep
// that bounds memory when a shard grows past its size limit.
package cache

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

const (
	shardCount = 16
	// DefaultMaxEntries bounds the whole cache; each shard carries its share.
	DefaultMaxEntries = 4096
)

type entry[V any] struct {
	value      V
	insertedAt time.Time
	ttl        time.Duration
}

func (e entry[V]) expired(now time.Time) bool {
	if e.ttl <= 0 {
		return false
	}
	return now.Sub(e.insertedAt) > e.ttl
}

type shard[V any] struct {
	mu         sync.RWMutex
	entries    map[string]entry[V]
	maxEntries int
}

// Cache is a string-keyed TTL cache with generic values.
type Cache[V any] struct {
	shards [shardCount]*shard[V]
	now    func() time.Time
}

// New creates a cache bounded to maxEntries entries; maxEntries <= 0 uses
// DefaultMaxEntries.
func New[V any](maxEntries int) *Cache[V] {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	perShard := maxEntries / shardCount
	if perShard < 1 {
		perShard = 1
	}
	c := &Cache[V]{now: time.Now}
	for i := range c.shards {
		c.shards[i] = &shard[V]{
			entries:    make(map[string]entry[V]),
			maxEntries: perShard,
		}
	}
	return c
}

func (c *Cache[V]) shardFor(key string) *shard[V] {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%shardCount]
}

// Get returns the value for key if present and not yet expired. Expired
// entries are removed on read.
func (c *Cache[V]) Get(key string) (V, bool) {
	sh := c.shardFor(key)
	now := c.now()

	sh.mu.RLock()
	e, ok := sh.entries[key]
	sh.mu.RUnlock()

	if !ok {
		var zero V
		return zero, false
	}
	if e.expired(now) {
		sh.mu.Lock()
		// Re-check under the write lock; Put may have refreshed the entry.
		if cur, ok := sh.entries[key]; ok && cur.expired(now) {
			delete(sh.entries, key)
		}
		sh.mu.Unlock()
		var zero V
		return zero, false
	}
	return e.value, true
}

// Put stores value under key for the given ttl, replacing any prior entry.
func (c *Cache[V]) Put(key string, value V, ttl time.Duration) {
	sh := c.shardFor(key)
	now := c.now()

	sh.mu.Lock()
	defer sh.mu.Unlock()

	sh.entries[key] = entry[V]{value: value, insertedAt: now, ttl: ttl}
	if len(sh.entries) > sh.maxEntries {
		sh.sweepLocked(now)
	}
}

// Delete removes key if present.
func (c *Cache[V]) Delete(key string) {
	sh := c.shardFor(key)
	sh.mu.Lock()
	delete(sh.entries, key)
	sh.mu.Unlock()
}

// Len returns the number of stored entries, including any not yet swept.
func (c *Cache[V]) Len() int {
	total := 0
	for _, sh := range c.shards {
		sh.mu.RLock()
		total += len(sh.entries)
		sh.mu.RUnlock()
	}
	return total
}

// Sweep drops expired entries across all shards and returns how many were removed.
func (c *Cache[V]) Sweep() int {
	now := c.now()
	removed := 0
	for _, sh := range c.shards {
		sh.mu.Lock()
		for k, e := range sh.entries {
			if e.expired(now) {
				delete(sh.entries, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// sweepLocked restores the shard size bound: expired entries go first, then
// the oldest-inserted live entries until the shard is back under its limit.
func (sh *shard[V]) sweepLocked(now time.Time) {
	for k, e := range sh.entries {
		if e.expired(now) {
			delete(sh.entries, k)
		}
	}
	if len(sh.entries) <= sh.maxEntries {
		return
	}

	type aged struct {
		key        string
		insertedAt time.Time
	}
	all := make([]aged, 0, len(sh.entries))
	for k, e := range sh.entries {
		all = append(all, aged{key: k, insertedAt: e.insertedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].insertedAt.Before(all[j].insertedAt) })
	for _, a := range all {
		if len(sh.entries) <= sh.maxEntries {
			break
		}
		delete(sh.entries, a.key)
	}
}
