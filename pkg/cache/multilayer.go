package cache

import (
	"context"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bookmesh/bookmesh/pkg/observability"
)

// Config holds the multi-layer cache settings
type Config struct {
	L1     L1Config
	Policy PolicyConfig
	// SemanticThreshold accepts semantic candidates at this Jaccard
	// similarity; zero uses the default 0.8.
	SemanticThreshold float64
	// SemanticEnabled turns the similarity fallback on
	SemanticEnabled bool
}

// DefaultConfig returns the default multi-layer settings
func DefaultConfig() Config {
	return Config{
		L1:              DefaultL1Config(),
		Policy:          DefaultPolicyConfig(),
		SemanticEnabled: true,
	}
}

// MultiLayerCache is the response cache façade: L1 then L2 then the
// semantic index, with policy-driven TTLs, RLS gating, and dependency
// invalidation.
type MultiLayerCache struct {
	config      Config
	l1          *L1Cache
	l2          L2
	semantic    *SemanticIndex
	policy      *Policy
	invalidator *Invalidator
	keys        *KeyGenerator
	logger      observability.Logger
	metrics     observability.MetricsClient

	lookups int64
	hitsAll int64

	now func() time.Time
}

// New creates the multi-layer cache. l2 may be nil for a process-local
// deployment.
func New(config Config, l2 L2, logger observability.Logger, metrics observability.MetricsClient) *MultiLayerCache {
	if logger == nil {
		logger = observability.NewLogger("cache")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	l1 := NewL1Cache(config.L1)
	return &MultiLayerCache{
		config:      config,
		l1:          l1,
		l2:          l2,
		semantic:    NewSemanticIndex(config.SemanticThreshold),
		policy:      NewPolicy(config.Policy),
		invalidator: NewInvalidator(l1, l2, logger.WithPrefix("invalidation")),
		keys:        NewKeyGenerator(),
		logger:      logger,
		metrics:     metrics,
		now:         time.Now,
	}
}

// Keys exposes the key generator
func (c *MultiLayerCache) Keys() *KeyGenerator { return c.keys }

// Policy exposes the policy engine
func (c *MultiLayerCache) Policy() *Policy { return c.policy }

// Observe adds an invalidation event observer
func (c *MultiLayerCache) Observe(fn EventObserver) { c.invalidator.Observe(fn) }

// Get looks up the key through L1, L2, then the semantic index. Stale
// entries within the grace window are served flagged when the caller
// allows it. A gating failure on a direct hit is returned as an error.
func (c *MultiLayerCache) Get(ctx context.Context, keys KeyResult, access AccessContext) (GetResult, error) {
	atomic.AddInt64(&c.lookups, 1)
	start := c.now()

	result, err := c.getExact(ctx, keys.PrimaryKey, access)
	if err != nil {
		return GetResult{}, err
	}
	if result.Entry == nil && access.Semantic && c.config.SemanticEnabled {
		result = c.getSemantic(ctx, keys, access)
	}

	if result.Entry != nil {
		atomic.AddInt64(&c.hitsAll, 1)
		c.keys.RecordAccess(keys)
	}
	c.metrics.RecordCacheOperation("get", result.Entry != nil, c.now().Sub(start).Seconds())
	return result, nil
}

// getExact resolves the primary key through L1 and L2
func (c *MultiLayerCache) getExact(ctx context.Context, key string, access AccessContext) (GetResult, error) {
	now := c.now()

	if entry := c.l1.Get(key); entry != nil {
		usable, result, err := c.admit(entry, access, LayerL1, now)
		if err != nil {
			return GetResult{}, err
		}
		if usable {
			return result, nil
		}
		c.l1.Delete(key)
	}

	if c.l2 == nil {
		return GetResult{}, nil
	}
	entry, err := c.l2.Get(ctx, key)
	if err != nil {
		// A degraded L2 reads as a miss
		c.logger.Warn("L2 lookup failed", map[string]interface{}{
			"error": err.Error(),
		})
		return GetResult{}, nil
	}
	if entry == nil {
		return GetResult{}, nil
	}
	usable, result, gateErr := c.admit(entry, access, LayerL2, now)
	if gateErr != nil {
		return GetResult{}, gateErr
	}
	if !usable {
		return GetResult{}, nil
	}
	if isHotKey(key) {
		c.l1.Set(entry)
	}
	return result, nil
}

// admit applies gating and freshness rules to a found entry
func (c *MultiLayerCache) admit(entry *Entry, access AccessContext, layer Layer, now time.Time) (bool, GetResult, error) {
	if err := c.policy.Gate(entry, access); err != nil {
		return false, GetResult{}, err
	}
	if !entry.Expired(now) {
		return true, GetResult{
			Entry: entry,
			Layer: layer,
			Fresh: !entry.Stale(now),
			Stale: entry.Stale(now),
		}, nil
	}
	if access.AllowStale && entry.CanStale && entry.WithinGrace(now, c.policy.GracePeriod()) {
		if access.RefreshHint {
			c.invalidator.emit(Event{Type: EventRefreshDue, Key: entry.Key})
		}
		c.invalidator.emit(Event{Type: EventStaleServed, Key: entry.Key})
		return true, GetResult{Entry: entry, Layer: layer, Stale: true}, nil
	}
	return false, GetResult{}, nil
}

// getSemantic tries candidates that share the semantic key
func (c *MultiLayerCache) getSemantic(ctx context.Context, keys KeyResult, access AccessContext) GetResult {
	candidate, score := c.semantic.Lookup(keys.SemanticKey, keys.PrimaryKey)
	if candidate == "" {
		return GetResult{}
	}
	result, err := c.getExact(ctx, candidate, access)
	if err != nil || result.Entry == nil {
		// Gating failures on shared candidates are silent misses
		return GetResult{}
	}
	result.Layer = LayerSemantic
	result.SemanticSimilarity = score
	return result
}

// GetBatch resolves several keys in one call; missing keys are absent
// from the result map.
func (c *MultiLayerCache) GetBatch(ctx context.Context, keySets []KeyResult, access AccessContext) (map[string]GetResult, error) {
	out := make(map[string]GetResult, len(keySets))
	for _, keys := range keySets {
		result, err := c.Get(ctx, keys, access)
		if err != nil {
			return out, err
		}
		if result.Entry != nil {
			out[keys.PrimaryKey] = result
		}
	}
	return out, nil
}

// Set stores the value under the generated keys. L1 always admits (if
// enabled); L2 admits hot-path keys, or everything when L1 is off.
// A concurrent higher-version write is never overwritten.
func (c *MultiLayerCache) Set(ctx context.Context, keys KeyResult, value []byte, opts SetOptions) error {
	contentType := opts.ContentType
	if contentType == "" {
		contentType = keys.Metadata.TTLHint
	}
	if contentType == "" {
		contentType = ContentTypeResponse
	}
	security := opts.Security
	if security == "" {
		security = keys.Metadata.Security
	}
	priority := opts.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	hot := opts.HotPath || keys.Metadata.HotPath

	ttl, staleAfter, refreshAfter := c.policy.Lifecycle(contentType, opts.AccessCount, hot)

	entry := &Entry{
		Key:          keys.PrimaryKey,
		Value:        value,
		ContentType:  contentType,
		Security:     security,
		UserID:       opts.UserID,
		Priority:     priority,
		Version:      opts.Version,
		QualityScore: opts.QualityScore,
		CreatedAt:    c.now(),
		TTL:          ttl,
		StaleAfter:   staleAfter,
		RefreshAfter: refreshAfter,
		CanStale:     opts.CanStale,
		Dependencies: opts.Dependencies,
	}

	if existing := c.l1.Peek(entry.Key); existing != nil && existing.Version > entry.Version {
		return nil
	}

	if c.l1.Enabled() {
		c.l1.Set(entry)
	}
	if c.l2 != nil && (hot || !c.l1.Enabled()) {
		if err := c.l2.Set(ctx, entry); err != nil {
			c.logger.Warn("L2 store failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}

	c.invalidator.Register(entry.Key, opts.Dependencies)
	semanticKey := opts.SemanticKey
	if semanticKey == "" {
		semanticKey = keys.SemanticKey
	}
	c.semantic.Register(semanticKey, entry.Key)
	c.metrics.RecordCacheOperation("set", true, 0)
	return nil
}

// Invalidate removes keys by strategy, cascading through dependents
// when requested.
func (c *MultiLayerCache) Invalidate(ctx context.Context, keys []string, opts InvalidateOptions) error {
	for _, key := range keys {
		c.semantic.Remove(key)
	}
	return c.invalidator.Invalidate(ctx, keys, opts)
}

// InvalidateByDependency removes every key registered against the
// dependency identifier, such as book:<id> after a re-upload.
func (c *MultiLayerCache) InvalidateByDependency(ctx context.Context, dep string, opts InvalidateOptions) error {
	opts.Cascade = true
	return c.Invalidate(ctx, []string{dep}, opts)
}

// InvalidateByPattern removes keys matching a glob pattern from both
// layers.
func (c *MultiLayerCache) InvalidateByPattern(ctx context.Context, pattern string, opts InvalidateOptions) error {
	re, err := globToRegexp(pattern)
	if err != nil {
		return err
	}
	removed := c.l1.DeleteMatching(re)
	for _, key := range removed {
		c.semantic.Remove(key)
		c.invalidator.emit(Event{Type: EventInvalidated, Key: key, Reason: "pattern:" + pattern})
	}
	if c.l2 != nil {
		if _, err := c.l2.DeletePattern(ctx, pattern); err != nil {
			return err
		}
	}
	return nil
}

// PreWarm inserts entries in priority order with the maximum TTL and
// marks their keys hot.
func (c *MultiLayerCache) PreWarm(ctx context.Context, entries []WarmEntry) error {
	ordered := append([]WarmEntry(nil), entries...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return priorityRank(ordered[i].Priority) < priorityRank(ordered[j].Priority)
	})

	for _, warm := range ordered {
		contentType := warm.ContentType
		if contentType == "" {
			contentType = ContentTypeResponse
		}
		entry := &Entry{
			Key:          warm.Key,
			Value:        warm.Value,
			ContentType:  contentType,
			Security:     SecurityPublic,
			Priority:     warm.Priority,
			CreatedAt:    c.now(),
			TTL:          maxTTL,
			StaleAfter:   time.Duration(float64(maxTTL) * 0.8),
			RefreshAfter: time.Duration(float64(maxTTL) * 0.9),
			CanStale:     true,
		}
		c.l1.Set(entry)
		if c.l2 != nil {
			if err := c.l2.Set(ctx, entry); err != nil {
				return err
			}
		}
		c.semantic.Register(warm.SemanticKey, warm.Key)
		c.invalidator.emit(Event{Type: EventPreWarmed, Key: warm.Key})
	}
	return nil
}

// Clear drops everything, or only keys matching the pattern
func (c *MultiLayerCache) Clear(ctx context.Context, pattern string) error {
	if pattern != "" {
		return c.InvalidateByPattern(ctx, pattern, InvalidateOptions{Reason: "clear"})
	}
	c.l1.Clear()
	c.semantic.Clear()
	if c.l2 != nil {
		if _, err := c.l2.DeletePattern(ctx, "*"); err != nil {
			return err
		}
	}
	return nil
}

// PurgeLowQuality removes entries whose recorded quality is below the
// threshold; wired to the quality-rollback hook.
func (c *MultiLayerCache) PurgeLowQuality(threshold float64) int {
	purged := c.l1.PurgeBelowQuality(threshold)
	if purged > 0 {
		c.invalidator.emit(Event{Type: EventPurged, Reason: "low_quality"})
	}
	return purged
}

// Housekeep drains due batched invalidations and purges expired L1
// entries; called every minute.
func (c *MultiLayerCache) Housekeep(ctx context.Context) {
	if err := c.invalidator.DrainIfDue(ctx); err != nil {
		c.logger.Warn("Invalidation drain failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	purged := c.l1.PurgeExpired(c.policy.GracePeriod())
	if purged > 0 {
		c.metrics.IncrementCounter("cache.expired_purged", float64(purged))
	}
}

// RecomputeHotness scores every L1 entry by recency and frequency and
// promotes hot ones to L2; called every 5 minutes.
func (c *MultiLayerCache) RecomputeHotness(ctx context.Context) {
	if c.l2 == nil {
		return
	}
	now := c.now()
	promoted := 0
	for _, key := range c.l1.Keys() {
		entry := c.l1.Peek(key)
		if entry == nil {
			continue
		}
		score := 0.6*recencyScore(entry.LastAccessedAt, now) + 0.4*frequencyScore(entry.AccessCount)
		if score < 0.5 {
			continue
		}
		if err := c.l2.Set(ctx, entry); err != nil {
			c.logger.Warn("Hot promotion failed", map[string]interface{}{
				"error": err.Error(),
			})
			return
		}
		promoted++
	}
	if promoted > 0 {
		c.metrics.IncrementCounter("cache.hot_promotions", float64(promoted))
	}
}

// HitRate returns the overall lookup hit rate in [0, 1]
func (c *MultiLayerCache) HitRate() float64 {
	lookups := atomic.LoadInt64(&c.lookups)
	if lookups == 0 {
		return 0
	}
	return float64(atomic.LoadInt64(&c.hitsAll)) / float64(lookups)
}

// Stats aggregates per-layer counters
func (c *MultiLayerCache) Stats() Stats {
	stats := Stats{
		L1:       c.l1.Stats(),
		Semantic: c.semantic.Stats(),
		HitRate:  c.HitRate(),
	}
	if c.l2 != nil {
		stats.L2 = c.l2.Stats()
	}
	return stats
}

func priorityRank(p Priority) int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// recencyScore decays from 1 toward 0 over roughly an hour
func recencyScore(lastAccess, now time.Time) float64 {
	if lastAccess.IsZero() {
		return 0
	}
	minutes := now.Sub(lastAccess).Minutes()
	if minutes < 0 {
		minutes = 0
	}
	return math.Exp(-minutes / 30)
}

// frequencyScore saturates at ten accesses
func frequencyScore(accessCount int64) float64 {
	f := float64(accessCount) / 10
	if f > 1 {
		f = 1
	}
	return f
}

// isHotKey recognizes the hot tag inside a primary key
func isHotKey(key string) bool {
	return strings.Contains(key, "|hot|")
}

// globToRegexp converts a glob pattern to an anchored regexp
func globToRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}
