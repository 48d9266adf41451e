package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCacheKeyStable(t *testing.T) {
	a := CacheKey("analyze", map[string]any{"path": "main.go", "mode": "strict"})
	b := CacheKey("analyze", map[string]any{"mode": "strict", "path": "main.go"})
	require.Equal(t, a, b)
}

func TestCacheKeyDistinguishes(t *testing.T) {
	base := map[string]any{"path": "main.go"}
	require.NotEqual(t, CacheKey("analyze", base), CacheKey("build", base))
	require.NotEqual(t,
		CacheKey("analyze", map[string]any{"path": "main.go"}),
		CacheKey("analyze", map[string]any{"path": "other.go"}))
}

func TestResponseCacheUnbounded(t *testing.T) {
	cache := NewResponseCache(0)

	_, ok := cache.Get("missing")
	require.False(t, ok)

	cache.Put("k1", map[string]any{"v": 1})
	got, ok := cache.Get("k1")
	require.True(t, ok)
	require.Equal(t, map[string]any{"v": 1}, got)
	require.Equal(t, 1, cache.Len())
}

func TestResponseCacheLRUEviction(t *testing.T) {
	cache := NewResponseCache(2)
	cache.Put("a", map[string]any{"v": 1})
	cache.Put("b", map[string]any{"v": 2})
	cache.Put("c", map[string]any{"v": 3})

	require.Equal(t, 2, cache.Len())
	_, ok := cache.Get("a")
	require.False(t, ok, "oldest entry should have been evicted")
	_, ok = cache.Get("c")
	require.True(t, ok)
}

func TestResponseCacheSnapshotAndLoad(t *testing.T) {
	cache := NewResponseCache(0)
	cache.Put("k1", map[string]any{"v": 1})
	cache.Put("k2", map[string]any{"v": 2})

	restored := NewResponseCache(0)
	restored.LoadFrom(cache.Snapshot())
	require.Equal(t, 2, restored.Len())

	got, ok := restored.Get("k2")
	require.True(t, ok)
	require.Equal(t, map[string]any{"v": 2}, got)
}
