package cache

import (
	"context"
	"sync"
	"time"

	"github.com/bookmesh/bookmesh/pkg/observability"
)

// InvalidationStrategy selects how invalidations are processed
type InvalidationStrategy string

const (
	// InvalidateImmediate processes synchronously
	InvalidateImmediate InvalidationStrategy = "immediate"
	// InvalidateLazy leaves expiration to the TTL
	InvalidateLazy InvalidationStrategy = "lazy"
	// InvalidateBatched enqueues and drains by size or debounce timer
	InvalidateBatched InvalidationStrategy = "batched"
)

// EventType names a cache lifecycle event
type EventType string

const (
	EventInvalidated EventType = "invalidated"
	EventCascaded    EventType = "cascaded"
	EventStaleServed EventType = "stale_served"
	EventRefreshDue  EventType = "refresh_due"
	EventPreWarmed   EventType = "pre_warmed"
	EventPurged      EventType = "purged"
)

// Event is emitted for cache observability; observers must not block
type Event struct {
	Type      EventType `json:"type"`
	Key       string    `json:"key"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventObserver receives cache events
type EventObserver func(Event)

// batchLimit drains the pending queue when it reaches this size
const batchLimit = 50

// batchDebounce drains the pending queue after this quiet period
const batchDebounce = time.Second

// dependencyGraph tracks key -> dep edges and the reverse adjacency
type dependencyGraph struct {
	mu      sync.Mutex
	deps    map[string][]string        // key -> deps
	reverse map[string]map[string]bool // dep -> keys
}

func newDependencyGraph() *dependencyGraph {
	return &dependencyGraph{
		deps:    make(map[string][]string),
		reverse: make(map[string]map[string]bool),
	}
}

// register replaces the key's dependency edges
func (g *dependencyGraph) register(key string, deps []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, old := range g.deps[key] {
		if keys := g.reverse[old]; keys != nil {
			delete(keys, key)
			if len(keys) == 0 {
				delete(g.reverse, old)
			}
		}
	}
	if len(deps) == 0 {
		delete(g.deps, key)
		return
	}
	g.deps[key] = append([]string(nil), deps...)
	for _, dep := range deps {
		if g.reverse[dep] == nil {
			g.reverse[dep] = make(map[string]bool)
		}
		g.reverse[dep][key] = true
	}
}

// dependents returns the keys that depend on the given identifier
func (g *dependencyGraph) dependents(dep string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	keys := g.reverse[dep]
	out := make([]string, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	return out
}

// remove drops the key's edges entirely
func (g *dependencyGraph) remove(key string) {
	g.register(key, nil)
}

// Invalidator applies invalidations across layers with optional
// dependency cascade. Batched invalidations are queued and drained by
// size or debounce.
type Invalidator struct {
	l1     *L1Cache
	l2     L2
	graph  *dependencyGraph
	logger observability.Logger

	mu        sync.Mutex
	pending   []string
	lastQueue time.Time
	observers []EventObserver
}

// NewInvalidator creates an invalidator over the given layers
func NewInvalidator(l1 *L1Cache, l2 L2, logger observability.Logger) *Invalidator {
	if logger == nil {
		logger = observability.NewLogger("cache.invalidation")
	}
	return &Invalidator{l1: l1, l2: l2, graph: newDependencyGraph(), logger: logger}
}

// Register records the key's dependency identifiers
func (inv *Invalidator) Register(key string, deps []string) {
	inv.graph.register(key, deps)
}

// Observe adds an event observer
func (inv *Invalidator) Observe(fn EventObserver) {
	inv.mu.Lock()
	inv.observers = append(inv.observers, fn)
	inv.mu.Unlock()
}

func (inv *Invalidator) emit(event Event) {
	event.Timestamp = time.Now().UTC()
	inv.mu.Lock()
	observers := append([]EventObserver(nil), inv.observers...)
	inv.mu.Unlock()
	for _, fn := range observers {
		fn(event)
	}
}

// Invalidate removes the keys by the selected strategy. With cascade,
// each key's dependents are invalidated transitively; a visited set
// guards against dependency cycles.
func (inv *Invalidator) Invalidate(ctx context.Context, keys []string, opts InvalidateOptions) error {
	targets := keys
	if opts.Cascade {
		targets = inv.expand(keys)
	}

	switch opts.Strategy {
	case InvalidateLazy:
		// Entries expire by TTL; only the edges are dropped so future
		// cascades skip them.
		for _, key := range targets {
			inv.graph.remove(key)
			inv.emit(Event{Type: EventInvalidated, Key: key, Reason: "lazy:" + opts.Reason})
		}
		return nil
	case InvalidateBatched:
		inv.mu.Lock()
		inv.pending = append(inv.pending, targets...)
		inv.lastQueue = time.Now()
		drain := len(inv.pending) >= batchLimit
		inv.mu.Unlock()
		if drain {
			return inv.Drain(ctx)
		}
		return nil
	default:
		return inv.apply(ctx, targets, opts.Reason)
	}
}

// expand resolves the transitive closure of keys plus dependents
func (inv *Invalidator) expand(keys []string) []string {
	visited := make(map[string]bool)
	queue := append([]string(nil), keys...)
	var out []string
	for len(queue) > 0 {
		key := queue[0]
		queue = queue[1:]
		if visited[key] {
			continue
		}
		visited[key] = true
		out = append(out, key)
		for _, dependent := range inv.graph.dependents(key) {
			if !visited[dependent] {
				queue = append(queue, dependent)
				inv.emit(Event{Type: EventCascaded, Key: dependent, Reason: "dep:" + key})
			}
		}
	}
	return out
}

// apply removes keys from both layers and drops their edges
func (inv *Invalidator) apply(ctx context.Context, keys []string, reason string) error {
	if len(keys) == 0 {
		return nil
	}
	var firstErr error
	for _, key := range keys {
		inv.l1.Delete(key)
		inv.graph.remove(key)
		inv.emit(Event{Type: EventInvalidated, Key: key, Reason: reason})
	}
	if inv.l2 != nil {
		if err := inv.l2.Delete(ctx, keys...); err != nil {
			firstErr = err
			inv.logger.Warn("L2 invalidation failed", map[string]interface{}{
				"keys":  len(keys),
				"error": err.Error(),
			})
		}
	}
	return firstErr
}

// Drain processes the batched queue immediately
func (inv *Invalidator) Drain(ctx context.Context) error {
	inv.mu.Lock()
	pending := inv.pending
	inv.pending = nil
	inv.mu.Unlock()
	return inv.apply(ctx, pending, "batched")
}

// DrainIfDue drains when the debounce period has elapsed since the
// last enqueue; called by the housekeeping loop.
func (inv *Invalidator) DrainIfDue(ctx context.Context) error {
	inv.mu.Lock()
	due := len(inv.pending) > 0 && time.Since(inv.lastQueue) >= batchDebounce
	inv.mu.Unlock()
	if !due {
		return nil
	}
	return inv.Drain(ctx)
}

// Pending returns the batched queue depth
func (inv *Invalidator) Pending() int {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return len(inv.pending)
}
