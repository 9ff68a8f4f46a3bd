// Package cache implements the read-through artifact cache: a bounded
// in-process LRU in front of the shared key/value tier, with the durable
// repository as the tier of last resort. The coordinator arbitrates
// concurrent misses so only one extraction runs per fingerprint.
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/7and1/youtube-subtitle-api/internal/transcript"
)

// LRU is a bounded least-recently-used cache with per-entry expiry.
// Expired entries count as misses and are evicted on access.
type LRU struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	items    map[string]*list.Element
	hits     uint64
	misses   uint64
	now      func() time.Time
}

type lruEntry struct {
	key      string
	artifact *transcript.Artifact
	expiry   time.Time
}

// NewLRU returns an empty cache holding at most capacity entries.
// A capacity below one disables the cache entirely.
func NewLRU(capacity int) *LRU {
	return &LRU{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element),
		now:      time.Now,
	}
}

// Get returns the cached artifact for the key, refreshing its recency.
func (c *LRU) Get(key string) (*transcript.Artifact, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	element, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	entry := element.Value.(*lruEntry)
	if !entry.expiry.IsZero() && c.now().After(entry.expiry) {
		c.order.Remove(element)
		delete(c.items, key)
		c.misses++
		return nil, false
	}
	c.order.MoveToFront(element)
	c.hits++
	return entry.artifact, true
}

// Put stores the artifact under the key, evicting the least recently used
// entry when the cache is full.
func (c *LRU) Put(key string, artifact *transcript.Artifact, ttl time.Duration) {
	if c.capacity < 1 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	expiry := time.Time{}
	if ttl > 0 {
		expiry = c.now().Add(ttl)
	}
	if element, ok := c.items[key]; ok {
		entry := element.Value.(*lruEntry)
		entry.artifact = artifact
		entry.expiry = expiry
		c.order.MoveToFront(element)
		return
	}
	for c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*lruEntry).key)
	}
	c.items[key] = c.order.PushFront(&lruEntry{key: key, artifact: artifact, expiry: expiry})
}

// Delete removes the key if present.
func (c *LRU) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if element, ok := c.items[key]; ok {
		c.order.Remove(element)
		delete(c.items, key)
	}
}

// Purge drops every entry but keeps the hit/miss counters.
func (c *LRU) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.items = make(map[string]*list.Element)
}

// Len reports the current entry count.
func (c *LRU) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns cumulative hits and misses plus the current size.
func (c *LRU) Stats() (hits, misses uint64, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses, c.order.Len()
}
