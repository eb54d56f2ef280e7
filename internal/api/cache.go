package api

import (
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/sspi-data/sspi/pkg/scoring"
)

// LineCache is a thread-safe LRU cache of line-data responses. Cached
// documents are immutable per hash until the hash is cleared.
type LineCache struct {
	mu      sync.Mutex
	maxSize int
	entries map[string]*cacheEntry
	order   []string // oldest first
}

type cacheEntry struct {
	hash  string
	lines []scoring.LineDoc
}

// NewLineCache creates a cache with the given maximum number of entries.
// If maxSize <= 0, it defaults to 200.
func NewLineCache(maxSize int) *LineCache {
	if maxSize <= 0 {
		maxSize = 200
	}
	return &LineCache{
		maxSize: maxSize,
		entries: make(map[string]*cacheEntry),
	}
}

// NewLineCacheFromEnv creates a cache with size from LINE_CACHE_SIZE env var.
func NewLineCacheFromEnv() *LineCache {
	size := 200
	if v := os.Getenv("LINE_CACHE_SIZE"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			size = parsed
		}
	}
	return NewLineCache(size)
}

// lineKey is the cache key of a line-data request.
func lineKey(hash, item string, countries []string) string {
	return hash + "|" + item + "|" + strings.Join(countries, ",")
}

// Get retrieves cached lines.
func (c *LineCache) Get(key string) ([]scoring.LineDoc, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}

	// Move to end (most recently used)
	c.moveToEnd(key)
	return entry.lines, true
}

// Put adds lines to the cache, evicting the oldest entry if full.
func (c *LineCache) Put(key string, lines []scoring.LineDoc) {
	c.mu.Lock()
	defer c.mu.Unlock()

	hash, _, _ := strings.Cut(key, "|")
	if _, ok := c.entries[key]; ok {
		c.entries[key] = &cacheEntry{hash: hash, lines: lines}
		c.moveToEnd(key)
		return
	}

	// Evict oldest if at capacity
	for len(c.entries) >= c.maxSize && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}

	c.entries[key] = &cacheEntry{hash: hash, lines: lines}
	c.order = append(c.order, key)
}

// Invalidate drops every entry of hash.
func (c *LineCache) Invalidate(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.order[:0]
	for _, k := range c.order {
		if c.entries[k].hash == hash {
			delete(c.entries, k)
			continue
		}
		kept = append(kept, k)
	}
	c.order = kept
}

// Len returns the number of cached entries.
func (c *LineCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *LineCache) moveToEnd(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			c.order = append(c.order, key)
			return
		}
	}
}
