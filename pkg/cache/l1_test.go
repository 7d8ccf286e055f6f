package cache

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entryOf(key string, size int) *Entry {
	return &Entry{
		Key:       key,
		Value:     make([]byte, size),
		TTL:       time.Hour,
		CreatedAt: time.Now(),
	}
}

func TestL1EvictsLRUOnByteBudget(t *testing.T) {
	// Each entry is ~1k+overhead; budget fits two
	c := NewL1Cache(L1Config{MaxBytes: 2800, Policy: EvictLRU})
	c.Set(entryOf("a", 1000))
	c.Set(entryOf("b", 1000))

	// Touch "a" so "b" becomes the LRU victim
	require.NotNil(t, c.Get("a"))

	c.Set(entryOf("c", 1000))
	assert.NotNil(t, c.Peek("a"))
	assert.Nil(t, c.Peek("b"))
	assert.NotNil(t, c.Peek("c"))
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestL1EvictsLFU(t *testing.T) {
	c := NewL1Cache(L1Config{MaxBytes: 2800, Policy: EvictLFU})
	c.Set(entryOf("a", 1000))
	c.Set(entryOf("b", 1000))

	c.Get("a")
	c.Get("a")
	c.Get("b")

	c.Set(entryOf("c", 1000))
	assert.NotNil(t, c.Peek("a"))
	assert.Nil(t, c.Peek("b"), "least frequently used entry is evicted")
}

func TestL1RejectsOversizedEntry(t *testing.T) {
	c := NewL1Cache(L1Config{MaxBytes: 500})
	c.Set(entryOf("huge", 10000))
	assert.Nil(t, c.Peek("huge"))
}

func TestL1DisabledAdmitsNothing(t *testing.T) {
	c := NewL1Cache(L1Config{MaxBytes: 0})
	assert.False(t, c.Enabled())
	c.Set(entryOf("a", 10))
	assert.Nil(t, c.Peek("a"))
}

func TestL1GetCountsAccess(t *testing.T) {
	c := NewL1Cache(DefaultL1Config())
	c.Set(entryOf("a", 10))
	c.Get("a")
	c.Get("a")
	entry := c.Peek("a")
	require.NotNil(t, entry)
	assert.Equal(t, int64(2), entry.AccessCount)
	assert.False(t, entry.LastAccessedAt.IsZero())

	stats := c.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	c.Get("missing")
	assert.Equal(t, int64(1), c.Stats().Misses)
}

func TestL1DeleteMatching(t *testing.T) {
	c := NewL1Cache(DefaultL1Config())
	c.Set(entryOf("v1|public|response|book:b1|h1|normal", 10))
	c.Set(entryOf("v1|public|response|book:b2|h2|normal", 10))

	removed := c.DeleteMatching(regexp.MustCompile(`book:b1`))
	assert.Len(t, removed, 1)
	assert.Nil(t, c.Peek("v1|public|response|book:b1|h1|normal"))
	assert.NotNil(t, c.Peek("v1|public|response|book:b2|h2|normal"))
}

func TestL1PurgeExpired(t *testing.T) {
	c := NewL1Cache(DefaultL1Config())
	old := entryOf("old", 10)
	old.TTL = time.Minute
	old.CreatedAt = time.Now().Add(-10 * time.Minute)
	c.Set(old)
	c.Set(entryOf("fresh", 10))

	purged := c.PurgeExpired(time.Minute)
	assert.Equal(t, 1, purged)
	assert.Nil(t, c.Peek("old"))
	assert.NotNil(t, c.Peek("fresh"))
}

func TestL1PurgeBelowQuality(t *testing.T) {
	c := NewL1Cache(DefaultL1Config())
	bad := entryOf("bad", 10)
	bad.QualityScore = 0.5
	good := entryOf("good", 10)
	good.QualityScore = 0.9
	unscored := entryOf("unscored", 10)
	c.Set(bad)
	c.Set(good)
	c.Set(unscored)

	purged := c.PurgeBelowQuality(0.7)
	assert.Equal(t, 1, purged)
	assert.Nil(t, c.Peek("bad"))
	assert.NotNil(t, c.Peek("good"))
	assert.NotNil(t, c.Peek("unscored"), "entries without a score are kept")
}
