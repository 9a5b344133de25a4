package chat

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"megagram/models"
)

// DefaultCacheTTL is how long a fetched timeline is served without a network call.
const DefaultCacheTTL = 30 * time.Second

// CacheEntry is one cached timeline and the time it was fetched.
type CacheEntry struct {
	Data      []models.Message
	Timestamp time.Time
}

// Cache maps conversation keys to fetched timelines.
type Cache struct {
	clock clock.Clock
	ttl   time.Duration

	mux     sync.RWMutex
	entries map[string]CacheEntry
}

// NewCache returns an empty cache whose entries stay fresh for ttl.
func NewCache(c clock.Clock, ttl time.Duration) *Cache {
	if c == nil {
		c = clock.New()
	}
	return &Cache{clock: c, ttl: ttl, entries: make(map[string]CacheEntry)}
}

// Get returns a copy of the entry under key if it is still fresh.
func (c *Cache) Get(key string) (CacheEntry, bool) {
	entry, ok := c.Peek(key)
	if !ok || c.clock.Since(entry.Timestamp) >= c.ttl {
		return CacheEntry{}, false
	}
	return entry, true
}

// Peek returns a copy of the entry under key regardless of age.
func (c *Cache) Peek(key string) (CacheEntry, bool) {
	c.mux.RLock()
	defer c.mux.RUnlock()

	entry, ok := c.entries[key]
	if !ok {
		return CacheEntry{}, false
	}
	return CacheEntry{Data: cloneMessages(entry.Data), Timestamp: entry.Timestamp}, true
}

// Put stores data under key stamped with the current time.
func (c *Cache) Put(key string, data []models.Message) {
	c.mux.Lock()
	defer c.mux.Unlock()
	c.entries[key] = CacheEntry{Data: cloneMessages(data), Timestamp: c.clock.Now()}
}

// Invalidate drops key and every "before" entry derived from it.
func (c *Cache) Invalidate(key string) {
	c.mux.Lock()
	defer c.mux.Unlock()

	delete(c.entries, key)
	prefix := key + beforeSeparator
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
		}
	}
}

const beforeSeparator = "_before_"

// beforeKey is the cache key of the slice of key older than before.
func beforeKey(key string, before int64) string {
	return key + beforeSeparator + strconv.FormatInt(before, 10)
}

func cloneMessages(in []models.Message) []models.Message {
	if in == nil {
		return nil
	}
	out := make([]models.Message, len(in))
	copy(out, in)
	return out
}
