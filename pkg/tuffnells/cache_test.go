package tuffnells

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheKey(t *testing.T) {
	assert.Equal(t, "tuffnells-urn091234", cacheKey("TUFFNELLS-", cacheKeyURN, "091 234"))

	// Same entity, different caller formatting, same key.
	assert.Equal(t,
		cacheKey("TUFFNELLS-", cacheKeyPostcode, "LS1 4AB"),
		cacheKey("TUFFNELLS-", cacheKeyPostcode, "ls14ab"),
	)
}

func TestMemoryCache(t *testing.T) {
	cache := NewMemoryCache()

	_, ok := cache.Get("missing")
	assert.False(t, ok)

	require.NoError(t, cache.Set("a", []byte("value"), time.Minute))
	got, ok := cache.Get("a")
	require.True(t, ok)
	assert.Equal(t, []byte("value"), got)

	cache.Delete("a")
	_, ok = cache.Get("a")
	assert.False(t, ok)
}

func TestMemoryCache_Expiry(t *testing.T) {
	cache := NewMemoryCache()

	require.NoError(t, cache.Set("ttl", []byte("x"), time.Millisecond))
	time.Sleep(5 * time.Millisecond)
	_, ok := cache.Get("ttl")
	assert.False(t, ok)

	// Zero ttl means the entry never expires.
	require.NoError(t, cache.Set("forever", []byte("y"), 0))
	_, ok = cache.Get("forever")
	assert.True(t, ok)
}
