package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddingCacheRoundTrip(t *testing.T) {
	c := NewEmbeddingCache(8)
	vec := []float32{0.1, 0.2, 0.3}

	_, ok := c.Get("what is the green light")
	assert.False(t, ok)

	c.Put("what is the green light", vec)
	got, ok := c.Get("what is the green light")
	require.True(t, ok)
	assert.Equal(t, vec, got)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.Entries)
}

func TestEmbeddingCacheKeysExactText(t *testing.T) {
	c := NewEmbeddingCache(8)
	c.Put("What is the Green Light?", []float32{1})

	// Case and punctuation variants are distinct inputs
	_, ok := c.Get("what is the green light")
	assert.False(t, ok)

	got, ok := c.Get("What is the Green Light?")
	require.True(t, ok)
	assert.Equal(t, []float32{1}, got)
}
