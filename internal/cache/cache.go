package cache

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Cache is an in-memory LRU with hard TTL expiry. Expiry wins over
// recency: an expired entry is never returned no matter how recently it
// was touched. Insertions evict least-recently-used entries until both the
// entry and byte budgets hold.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List // front = most recent
	maxEntries int
	maxBytes   int64
	usedBytes  int64
}

type entry struct {
	key       string
	value     any
	size      int64
	expiresAt time.Time
}

func New(maxEntries int, maxBytes int64) *Cache {
	if maxEntries <= 0 {
		maxEntries = 256
	}
	if maxBytes <= 0 {
		maxBytes = 64 * 1024 * 1024
	}
	return &Cache{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
	}
}

// Key derives the stable cache key for a (URL, selector) pair.
func Key(url, selector string) string {
	sum := sha256.Sum256([]byte(url + "\x00" + selector))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached value, or ok=false on miss or expiry.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*entry)
	if time.Now().After(e.expiresAt) {
		c.removeElement(el)
		return nil, false
	}
	c.order.MoveToFront(el)
	return e.value, true
}

// Set inserts or replaces the value under key with the given TTL. size is
// the caller's accounting of the value's weight in bytes; pass 0 for
// metadata-sized values.
func (c *Cache) Set(key string, value any, size int64, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.removeElement(el)
	}
	// Evict until the new entry fits.
	for c.order.Len() >= c.maxEntries || (c.usedBytes+size > c.maxBytes && c.order.Len() > 0) {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.removeElement(oldest)
	}
	if size > c.maxBytes {
		log.Debug().Str("op", "cache").Msgf("Value of %d bytes exceeds cache budget, not cached", size)
		return
	}
	e := &entry{key: key, value: value, size: size, expiresAt: time.Now().Add(ttl)}
	c.entries[key] = c.order.PushFront(e)
	c.usedBytes += size
}

// Invalidate drops the entry if present.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		c.removeElement(el)
	}
}

// EvictExpired removes every expired entry and returns how many went.
func (c *Cache) EvictExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	count := 0
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if now.After(el.Value.(*entry).expiresAt) {
			c.removeElement(el)
			count++
		}
		el = prev
	}
	return count
}

// Len returns the live entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache) removeElement(el *list.Element) {
	e := el.Value.(*entry)
	c.order.Remove(el)
	delete(c.entries, e.key)
	c.usedBytes -= e.size
}
