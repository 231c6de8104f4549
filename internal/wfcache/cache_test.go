package wfcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_GetMiss(t *testing.T) {
	c := New(10)
	_, ok := c.Get("missing")
	assert.False(t, ok)
	assert.EqualValues(t, 1, c.Stats().Misses)
}

func TestCache_PutThenGet(t *testing.T) {
	c := New(10)
	c.Put("a", "value-a")
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "value-a", v)
	assert.EqualValues(t, 1, c.Stats().Hits)
}

func TestCache_EvictsLeastRecentlyAccessed(t *testing.T) {
	c := New(2)
	c.Put("a", 1)
	c.Put("b", 2)
	// touch "a" so "b" becomes the least-recently-accessed entry
	_, _ = c.Get("a")

	c.Put("c", 3)

	_, ok := c.Get("b")
	assert.False(t, ok, "b should have been evicted")
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestCache_CapacityZeroIsUnbounded(t *testing.T) {
	c := New(0)
	for i := 0; i < 100; i++ {
		c.Put(string(rune('a'+i%26))+string(rune(i)), i)
	}
	assert.Equal(t, 100, c.Stats().Size)
}

func TestDigest_IsStableForEquivalentConfig(t *testing.T) {
	d1, err := Digest("anthropic", "rag", map[string]any{"max_documents": 10, "enable_memory": true})
	require.NoError(t, err)
	d2, err := Digest("anthropic", "rag", map[string]any{"enable_memory": true, "max_documents": 10})
	require.NoError(t, err)
	assert.Equal(t, d1, d2, "key order must not affect the digest")
}

func TestDigest_DiffersForDifferentConfig(t *testing.T) {
	d1, err := Digest("anthropic", "rag", map[string]any{"max_documents": 10})
	require.NoError(t, err)
	d2, err := Digest("anthropic", "rag", map[string]any{"max_documents": 11})
	require.NoError(t, err)
	assert.NotEqual(t, d1, d2)
}
