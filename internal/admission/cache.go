package admission

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache is a capacity-bounded response cache. Entries never expire by time;
// they leave only by LRU eviction or an explicit Clear. Hit and miss counters
// are process-wide and reset on Clear.
type Cache struct {
	lru *lru.Cache[string, any]

	mu     sync.Mutex
	hits   uint64
	misses uint64
}

// CacheStats is a point-in-time snapshot of cache effectiveness.
type CacheStats struct {
	Hits     uint64 `json:"hits"`
	Misses   uint64 `json:"misses"`
	Entries  int    `json:"entries"`
	Capacity int    `json:"capacity"`
}

// NewCache builds a cache holding at most maxEntries responses.
func NewCache(maxEntries int) (*Cache, error) {
	l, err := lru.New[string, any](maxEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to create response cache: %w", err)
	}
	return &Cache{lru: l}, nil
}

// Get looks up a cached response and counts the outcome.
func (c *Cache) Get(key string) (any, bool) {
	v, ok := c.lru.Get(key)

	c.mu.Lock()
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	c.mu.Unlock()

	return v, ok
}

// Put stores a response under key, evicting the least recently used entry
// when at capacity.
func (c *Cache) Put(key string, value any) {
	c.lru.Add(key, value)
}

// Clear drops every entry and resets the hit and miss counters.
func (c *Cache) Clear() {
	c.lru.Purge()

	c.mu.Lock()
	c.hits = 0
	c.misses = 0
	c.mu.Unlock()
}

// Stats returns the current counters and occupancy.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return CacheStats{
		Hits:     c.hits,
		Misses:   c.misses,
		Entries:  c.lru.Len(),
		Capacity: c.lru.Cap(),
	}
}

// Fingerprint derives a stable cache key from the operation name, the caller
// scope, and the operation parameters. Params are canonicalized through JSON
// so logically equal requests collide.
func Fingerprint(operation, scope string, params any) string {
	raw, err := json.Marshal(params)
	if err != nil {
		// Unmarshalable params still need a distinct key.
		raw = []byte(fmt.Sprintf("%#v", params))
	}

	h := sha256.New()
	h.Write([]byte(operation))
	h.Write([]byte{0})
	h.Write([]byte(scope))
	h.Write([]byte{0})
	h.Write(raw)
	return hex.EncodeToString(h.Sum(nil))
}
