package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CacheKey derives a content-addressed cache key from a stage name and its
// input. The input is serialized with sorted keys so logically equal inputs
// always hash to the same key.
func CacheKey(stage string, input map[string]any) string {
	h := sha256.New()
	h.Write([]byte(stage))
	h.Write([]byte{0})
	h.Write([]byte(stableSerialize(input)))
	return hex.EncodeToString(h.Sum(nil))
}

func stableSerialize(value map[string]any) string {
	keys := make([]string, 0, len(value))
	for k := range value {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		encoded, err := json.Marshal(value[k])
		if err != nil {
			// Unserializable values still need a deterministic representation.
			encoded = []byte(fmt.Sprintf("%v", value[k]))
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.Write(encoded)
		b.WriteByte(';')
	}
	return b.String()
}

// ResponseCache holds cached responses from costly external calls, keyed by
// CacheKey. It is unbounded by default; configure MaxEntries to cap it with
// LRU eviction.
type ResponseCache struct {
	mutex     sync.RWMutex
	entries   map[string]map[string]any
	lruCache  *lru.Cache[string, map[string]any]
	maxCapped bool
}

// NewResponseCache creates a cache. maxEntries <= 0 means unbounded.
func NewResponseCache(maxEntries int) *ResponseCache {
	c := &ResponseCache{}
	if maxEntries > 0 {
		// lru.New only fails on a non-positive size, which is excluded here.
		c.lruCache, _ = lru.New[string, map[string]any](maxEntries)
		c.maxCapped = true
	} else {
		c.entries = make(map[string]map[string]any)
	}
	return c
}

// Get returns the cached response for key, if present.
func (c *ResponseCache) Get(key string) (map[string]any, bool) {
	if c.maxCapped {
		return c.lruCache.Get(key)
	}
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	response, ok := c.entries[key]
	return response, ok
}

// Put stores a response under key.
func (c *ResponseCache) Put(key string, response map[string]any) {
	if c.maxCapped {
		c.lruCache.Add(key, response)
		return
	}
	c.mutex.Lock()
	c.entries[key] = response
	c.mutex.Unlock()
}

// Len returns the number of cached responses.
func (c *ResponseCache) Len() int {
	if c.maxCapped {
		return c.lruCache.Len()
	}
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.entries)
}

// Snapshot returns a copy of all cached entries, for checkpoint persistence.
func (c *ResponseCache) Snapshot() map[string]map[string]any {
	snapshot := make(map[string]map[string]any)
	if c.maxCapped {
		for _, key := range c.lruCache.Keys() {
			if response, ok := c.lruCache.Peek(key); ok {
				snapshot[key] = response
			}
		}
		return snapshot
	}
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	for k, v := range c.entries {
		snapshot[k] = v
	}
	return snapshot
}

// LoadFrom seeds the cache from a checkpoint's persisted response map.
func (c *ResponseCache) LoadFrom(entries map[string]map[string]any) {
	for k, v := range entries {
		c.Put(k, v)
	}
}
