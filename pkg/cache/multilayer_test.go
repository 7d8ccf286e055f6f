package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/bookmesh/bookmesh/pkg/errors"
	"github.com/bookmesh/bookmesh/pkg/observability"
)

func newCacheUnderTest(t *testing.T) (*MultiLayerCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l2 := NewRedisL2FromClient(client, DefaultRedisConfig(), observability.NewNoopLogger())
	c := New(DefaultConfig(), l2, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
	return c, mr
}

func publicKeys(c *MultiLayerCache, message string) KeyResult {
	return c.Keys().Generate(KeyRequest{Message: message, BookID: "b1", Public: true})
}

func TestSetGetRoundTrip(t *testing.T) {
	c, _ := newCacheUnderTest(t)
	ctx := context.Background()
	keys := publicKeys(c, "an unusual question")

	require.NoError(t, c.Set(ctx, keys, []byte("answer"), SetOptions{CanStale: true}))

	result, err := c.Get(ctx, keys, AccessContext{})
	require.NoError(t, err)
	require.NotNil(t, result.Entry)
	assert.Equal(t, LayerL1, result.Layer)
	assert.True(t, result.Fresh)
	assert.Equal(t, []byte("answer"), result.Entry.Value)
}

func TestGetMiss(t *testing.T) {
	c, _ := newCacheUnderTest(t)
	result, err := c.Get(context.Background(), publicKeys(c, "never stored"), AccessContext{})
	require.NoError(t, err)
	assert.Nil(t, result.Entry)
}

func TestHotKeyStoredInL2AndPromoted(t *testing.T) {
	c, _ := newCacheUnderTest(t)
	ctx := context.Background()

	// Hot-path message: stored in both layers
	keys := publicKeys(c, "define hubris")
	require.True(t, keys.Metadata.HotPath)
	require.NoError(t, c.Set(ctx, keys, []byte("answer"), SetOptions{}))

	// Drop L1; the lookup falls through to L2 and promotes back
	c.l1.Clear()
	result, err := c.Get(ctx, keys, AccessContext{})
	require.NoError(t, err)
	require.NotNil(t, result.Entry)
	assert.Equal(t, LayerL2, result.Layer)

	assert.NotNil(t, c.l1.Peek(keys.PrimaryKey), "hot L2 hits promote to L1")
}

func TestColdKeyStaysOutOfL2(t *testing.T) {
	c, _ := newCacheUnderTest(t)
	ctx := context.Background()
	keys := publicKeys(c, "an unusual question")
	require.False(t, keys.Metadata.HotPath)
	require.NoError(t, c.Set(ctx, keys, []byte("answer"), SetOptions{}))

	c.l1.Clear()
	result, err := c.Get(ctx, keys, AccessContext{})
	require.NoError(t, err)
	assert.Nil(t, result.Entry)
}

func TestStaleServedWithinGrace(t *testing.T) {
	c, _ := newCacheUnderTest(t)
	ctx := context.Background()
	keys := publicKeys(c, "an unusual question")
	require.NoError(t, c.Set(ctx, keys, []byte("answer"), SetOptions{CanStale: true}))

	// Response TTL is 15m and grace 5m; 16m is expired but in grace
	base := time.Now()
	c.now = func() time.Time { return base.Add(16 * time.Minute) }

	denied, err := c.Get(ctx, keys, AccessContext{})
	require.NoError(t, err)
	assert.Nil(t, denied.Entry, "expired entry without allowStale is a miss")

	// Re-store; the miss path dropped the entry
	c.now = time.Now
	require.NoError(t, c.Set(ctx, keys, []byte("answer"), SetOptions{CanStale: true}))
	c.now = func() time.Time { return base.Add(16 * time.Minute) }

	served, err := c.Get(ctx, keys, AccessContext{AllowStale: true})
	require.NoError(t, err)
	require.NotNil(t, served.Entry)
	assert.True(t, served.Stale)
	assert.False(t, served.Fresh)
}

func TestStaleBeyondGraceIsMiss(t *testing.T) {
	c, _ := newCacheUnderTest(t)
	ctx := context.Background()
	keys := publicKeys(c, "an unusual question")
	require.NoError(t, c.Set(ctx, keys, []byte("answer"), SetOptions{CanStale: true}))

	base := time.Now()
	c.now = func() time.Time { return base.Add(time.Hour) }

	result, err := c.Get(ctx, keys, AccessContext{AllowStale: true})
	require.NoError(t, err)
	assert.Nil(t, result.Entry)
}

func TestPrivateEntryGated(t *testing.T) {
	c, _ := newCacheUnderTest(t)
	ctx := context.Background()
	keys := c.Keys().Generate(KeyRequest{Message: "question", BookID: "b1", UserID: "alice"})
	require.NoError(t, c.Set(ctx, keys, []byte("answer"), SetOptions{UserID: "alice"}))

	_, err := c.Get(ctx, keys, AccessContext{UserID: "bob"})
	assert.True(t, apperrors.Is(err, apperrors.ClassForbidden))

	ok, err := c.Get(ctx, keys, AccessContext{UserID: "alice"})
	require.NoError(t, err)
	assert.NotNil(t, ok.Entry)
}

func TestSemanticFallback(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SemanticThreshold = 0.5
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	l2 := NewRedisL2FromClient(client, DefaultRedisConfig(), observability.NewNoopLogger())
	c := New(cfg, l2, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
	ctx := context.Background()

	stored := c.Keys().Generate(KeyRequest{
		Message: "an unusual question", Selection: "first passage", BookID: "b1", Public: true,
	})
	require.NoError(t, c.Set(ctx, stored, []byte("answer"), SetOptions{}))

	// Same message, different selection: different primary key, same
	// semantic key
	probe := c.Keys().Generate(KeyRequest{
		Message: "an unusual question", Selection: "second passage", BookID: "b1", Public: true,
	})
	require.NotEqual(t, stored.PrimaryKey, probe.PrimaryKey)
	require.Equal(t, stored.SemanticKey, probe.SemanticKey)

	miss, err := c.Get(ctx, probe, AccessContext{})
	require.NoError(t, err)
	assert.Nil(t, miss.Entry, "exact lookup misses")

	hit, err := c.Get(ctx, probe, AccessContext{Semantic: true})
	require.NoError(t, err)
	require.NotNil(t, hit.Entry)
	assert.Equal(t, LayerSemantic, hit.Layer)
	assert.GreaterOrEqual(t, hit.SemanticSimilarity, 0.5)
}

func TestHigherVersionWins(t *testing.T) {
	c, _ := newCacheUnderTest(t)
	ctx := context.Background()
	keys := publicKeys(c, "an unusual question")

	require.NoError(t, c.Set(ctx, keys, []byte("newer"), SetOptions{Version: 2}))
	require.NoError(t, c.Set(ctx, keys, []byte("older"), SetOptions{Version: 1}))

	result, err := c.Get(ctx, keys, AccessContext{})
	require.NoError(t, err)
	require.NotNil(t, result.Entry)
	assert.Equal(t, []byte("newer"), result.Entry.Value)
}

func TestInvalidateByDependencyCascades(t *testing.T) {
	c, _ := newCacheUnderTest(t)
	ctx := context.Background()
	keys := publicKeys(c, "an unusual question")
	require.NoError(t, c.Set(ctx, keys, []byte("answer"), SetOptions{
		Dependencies: []string{"book:b1"},
	}))

	require.NoError(t, c.InvalidateByDependency(ctx, "book:b1", InvalidateOptions{Reason: "reupload"}))

	result, err := c.Get(ctx, keys, AccessContext{})
	require.NoError(t, err)
	assert.Nil(t, result.Entry)
}

func TestInvalidateByPattern(t *testing.T) {
	c, _ := newCacheUnderTest(t)
	ctx := context.Background()
	k1 := publicKeys(c, "an unusual question")
	k2 := c.Keys().Generate(KeyRequest{Message: "an unusual question", BookID: "b2", Public: true})
	require.NoError(t, c.Set(ctx, k1, []byte("a1"), SetOptions{}))
	require.NoError(t, c.Set(ctx, k2, []byte("a2"), SetOptions{}))

	require.NoError(t, c.InvalidateByPattern(ctx, "*book:b1*", InvalidateOptions{}))

	r1, _ := c.Get(ctx, k1, AccessContext{})
	r2, _ := c.Get(ctx, k2, AccessContext{})
	assert.Nil(t, r1.Entry)
	assert.NotNil(t, r2.Entry)
}

func TestPreWarm(t *testing.T) {
	c, _ := newCacheUnderTest(t)
	ctx := context.Background()

	require.NoError(t, c.PreWarm(ctx, []WarmEntry{
		{Key: "warm1", Value: []byte("v1"), Priority: PriorityLow},
		{Key: "warm2", Value: []byte("v2"), Priority: PriorityCritical},
	}))

	entry := c.l1.Peek("warm1")
	require.NotNil(t, entry)
	assert.Equal(t, maxTTL, entry.TTL)
	assert.NotNil(t, c.l1.Peek("warm2"))
}

func TestGetBatch(t *testing.T) {
	c, _ := newCacheUnderTest(t)
	ctx := context.Background()
	k1 := publicKeys(c, "first question asked")
	k2 := publicKeys(c, "second question asked")
	missing := publicKeys(c, "third question asked")
	require.NoError(t, c.Set(ctx, k1, []byte("a1"), SetOptions{}))
	require.NoError(t, c.Set(ctx, k2, []byte("a2"), SetOptions{}))

	results, err := c.GetBatch(ctx, []KeyResult{k1, k2, missing}, AccessContext{})
	require.NoError(t, err)
	assert.Len(t, results, 2)
	assert.Contains(t, results, k1.PrimaryKey)
	assert.NotContains(t, results, missing.PrimaryKey)
}

func TestPurgeLowQuality(t *testing.T) {
	c, _ := newCacheUnderTest(t)
	ctx := context.Background()
	bad := publicKeys(c, "low quality answer")
	good := publicKeys(c, "high quality answer")
	require.NoError(t, c.Set(ctx, bad, []byte("a"), SetOptions{QualityScore: 0.4}))
	require.NoError(t, c.Set(ctx, good, []byte("b"), SetOptions{QualityScore: 0.9}))

	assert.Equal(t, 1, c.PurgeLowQuality(0.7))

	r, _ := c.Get(ctx, bad, AccessContext{})
	assert.Nil(t, r.Entry)
}

func TestStatsAndHitRate(t *testing.T) {
	c, _ := newCacheUnderTest(t)
	ctx := context.Background()
	keys := publicKeys(c, "an unusual question")
	require.NoError(t, c.Set(ctx, keys, []byte("answer"), SetOptions{}))

	_, _ = c.Get(ctx, keys, AccessContext{})
	_, _ = c.Get(ctx, publicKeys(c, "missing question"), AccessContext{})

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.L1.Hits)
	assert.InDelta(t, 0.5, stats.HitRate, 1e-9)
	assert.Equal(t, 1, stats.L1.Entries)
}

func TestHousekeepDrainsBatchedQueue(t *testing.T) {
	c, _ := newCacheUnderTest(t)
	ctx := context.Background()
	keys := publicKeys(c, "an unusual question")
	require.NoError(t, c.Set(ctx, keys, []byte("answer"), SetOptions{}))

	require.NoError(t, c.Invalidate(ctx, []string{keys.PrimaryKey},
		InvalidateOptions{Strategy: InvalidateBatched}))
	assert.Equal(t, 1, c.invalidator.Pending())

	c.invalidator.mu.Lock()
	c.invalidator.lastQueue = time.Now().Add(-2 * batchDebounce)
	c.invalidator.mu.Unlock()
	c.Housekeep(ctx)
	assert.Zero(t, c.invalidator.Pending())

	r, _ := c.Get(ctx, keys, AccessContext{})
	assert.Nil(t, r.Entry)
}
