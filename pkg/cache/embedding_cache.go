package cache

import (
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/bookmesh/bookmesh/pkg/textutil"
)

// embeddingCacheTTL bounds how long a query embedding is reused
const embeddingCacheTTL = time.Hour

// embeddingCacheSize bounds the number of cached query embeddings
const embeddingCacheSize = 2048

// EmbeddingCache memoizes query embeddings so repeated questions skip
// the provider round-trip. Keys are content hashes of the exact input
// text, so texts differing only in case or punctuation embed
// separately.
type EmbeddingCache struct {
	lru    *expirable.LRU[string, []float32]
	hits   int64
	misses int64
}

// NewEmbeddingCache creates an embedding cache; size <= 0 uses the
// default.
func NewEmbeddingCache(size int) *EmbeddingCache {
	if size <= 0 {
		size = embeddingCacheSize
	}
	return &EmbeddingCache{
		lru: expirable.NewLRU[string, []float32](size, nil, embeddingCacheTTL),
	}
}

func embeddingKey(text string) string {
	return textutil.Hash(text)
}

// Get returns the cached vector for the text, if present
func (c *EmbeddingCache) Get(text string) ([]float32, bool) {
	vec, ok := c.lru.Get(embeddingKey(text))
	if ok {
		atomic.AddInt64(&c.hits, 1)
	} else {
		atomic.AddInt64(&c.misses, 1)
	}
	return vec, ok
}

// Put stores the vector for the text
func (c *EmbeddingCache) Put(text string, vector []float32) {
	c.lru.Add(embeddingKey(text), vector)
}

// Stats returns the cache counters
func (c *EmbeddingCache) Stats() LayerStats {
	return LayerStats{
		Hits:    atomic.LoadInt64(&c.hits),
		Misses:  atomic.LoadInt64(&c.misses),
		Entries: c.lru.Len(),
	}
}
