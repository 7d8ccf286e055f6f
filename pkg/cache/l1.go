package cache

import (
	"container/list"
	"regexp"
	"sync"
	"time"
)

// EvictionPolicy selects the L1 eviction order
type EvictionPolicy string

const (
	EvictLRU EvictionPolicy = "lru"
	EvictLFU EvictionPolicy = "lfu"
)

// L1Config holds the in-process cache settings
type L1Config struct {
	// MaxBytes is the admission budget; zero disables the layer
	MaxBytes int
	Policy   EvictionPolicy
}

// DefaultL1Config returns the default L1 settings
func DefaultL1Config() L1Config {
	return L1Config{MaxBytes: 64 << 20, Policy: EvictLRU}
}

type l1Item struct {
	entry   *Entry
	element *list.Element
}

// L1Cache is the in-process layer: a byte-budgeted map with LRU or LFU
// eviction. All operations are safe for concurrent use.
type L1Cache struct {
	mu      sync.Mutex
	config  L1Config
	items   map[string]*l1Item
	order   *list.List // front = most recently used
	bytes   int
	hits    int64
	misses  int64
	evicted int64

	now func() time.Time
}

// NewL1Cache creates the in-process cache layer
func NewL1Cache(config L1Config) *L1Cache {
	if config.MaxBytes < 0 {
		config.MaxBytes = 0
	}
	if config.Policy == "" {
		config.Policy = EvictLRU
	}
	return &L1Cache{
		config: config,
		items:  make(map[string]*l1Item),
		order:  list.New(),
		now:    time.Now,
	}
}

// Enabled reports whether the layer admits entries
func (c *L1Cache) Enabled() bool { return c.config.MaxBytes > 0 }

// Get returns the entry and records the access. Expired entries are
// returned as-is; staleness handling belongs to the caller.
func (c *L1Cache) Get(key string) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	item, ok := c.items[key]
	if !ok {
		c.misses++
		return nil
	}
	c.hits++
	item.entry.AccessCount++
	item.entry.LastAccessedAt = c.now()
	c.order.MoveToFront(item.element)
	return item.entry
}

// Peek returns the entry without recording an access
func (c *L1Cache) Peek(key string) *Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	if item, ok := c.items[key]; ok {
		return item.entry
	}
	return nil
}

// Set admits the entry, evicting by policy until it fits. Entries
// larger than the whole budget are rejected silently.
func (c *L1Cache) Set(entry *Entry) {
	if !c.Enabled() {
		return
	}
	size := entry.estimatedBytes()
	if size > c.config.MaxBytes {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.items[entry.Key]; ok {
		c.bytes -= existing.entry.estimatedBytes()
		c.order.Remove(existing.element)
		delete(c.items, entry.Key)
	}

	for c.bytes+size > c.config.MaxBytes && len(c.items) > 0 {
		c.evictOneLocked()
	}

	item := &l1Item{entry: entry}
	item.element = c.order.PushFront(entry.Key)
	c.items[entry.Key] = item
	c.bytes += size
}

// Delete removes the key if present
func (c *L1Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deleteLocked(key)
}

func (c *L1Cache) deleteLocked(key string) bool {
	item, ok := c.items[key]
	if !ok {
		return false
	}
	c.bytes -= item.entry.estimatedBytes()
	c.order.Remove(item.element)
	delete(c.items, key)
	return true
}

// DeleteMatching removes every key the pattern matches and returns the
// removed keys.
func (c *L1Cache) DeleteMatching(pattern *regexp.Regexp) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var removed []string
	for key := range c.items {
		if pattern.MatchString(key) {
			removed = append(removed, key)
		}
	}
	for _, key := range removed {
		c.deleteLocked(key)
	}
	return removed
}

// PurgeExpired removes entries past TTL plus the grace window
func (c *L1Cache) PurgeExpired(grace time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	var expired []string
	for key, item := range c.items {
		if item.entry.Age(now) > item.entry.TTL+grace {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		c.deleteLocked(key)
	}
	return len(expired)
}

// PurgeBelowQuality removes entries whose quality score is set and
// below the threshold.
func (c *L1Cache) PurgeBelowQuality(threshold float64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var purged []string
	for key, item := range c.items {
		q := item.entry.QualityScore
		if q > 0 && q < threshold {
			purged = append(purged, key)
		}
	}
	for _, key := range purged {
		c.deleteLocked(key)
	}
	return len(purged)
}

// Keys returns a snapshot of all stored keys
func (c *L1Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.items))
	for key := range c.items {
		keys = append(keys, key)
	}
	return keys
}

// Clear drops every entry
func (c *L1Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*l1Item)
	c.order.Init()
	c.bytes = 0
}

// Stats returns the layer counters
func (c *L1Cache) Stats() LayerStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return LayerStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evicted,
		Entries:   len(c.items),
		Bytes:     c.bytes,
	}
}

// evictOneLocked removes one entry by the configured policy
func (c *L1Cache) evictOneLocked() {
	var victim string
	switch c.config.Policy {
	case EvictLFU:
		first := true
		var minCount int64
		for key, item := range c.items {
			if first || item.entry.AccessCount < minCount {
				victim = key
				minCount = item.entry.AccessCount
				first = false
			}
		}
	default:
		back := c.order.Back()
		if back == nil {
			return
		}
		victim = back.Value.(string)
	}
	if c.deleteLocked(victim) {
		c.evicted++
	}
}
