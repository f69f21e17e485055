package tuffnells

import (
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Cache is the pluggable expiring store behind sessions, resolved postcodes,
// consignments and labels. A zero ttl means the entry never expires.
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, ttl time.Duration) error
	Delete(key string)
}

// Cache key prefixes, one per cached object class.
const (
	cacheKeySession  = "CJ"
	cacheKeyURN      = "URN"
	cacheKeyLabel    = "LABEL"
	cacheKeyPostcode = "PC"
)

// cacheKey normalizes a cache key: prefix applied, lower-cased, whitespace
// stripped. Postcodes and URNs arrive from callers in mixed case and with
// stray spaces, and the same entity must always map to the same key.
func cacheKey(prefix, class, key string) string {
	k := strings.TrimSpace(prefix + class + key)
	return strings.ReplaceAll(strings.ToLower(k), " ", "")
}

// MemoryCache is the default in-process Cache backed by go-cache.
type MemoryCache struct {
	store *gocache.Cache
}

// NewMemoryCache creates an in-process cache that sweeps expired entries
// every ten minutes.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		store: gocache.New(gocache.NoExpiration, 10*time.Minute),
	}
}

// Get returns the value stored for key.
func (m *MemoryCache) Get(key string) ([]byte, bool) {
	v, ok := m.store.Get(key)
	if !ok {
		return nil, false
	}
	b, ok := v.([]byte)
	return b, ok
}

// Set stores a value with the given ttl; zero means no expiry.
func (m *MemoryCache) Set(key string, value []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = gocache.NoExpiration
	}
	m.store.Set(key, value, ttl)
	return nil
}

// Delete evicts the key.
func (m *MemoryCache) Delete(key string) {
	m.store.Delete(key)
}

var _ Cache = (*MemoryCache)(nil)
