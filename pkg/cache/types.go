// Package cache implements the multi-layer response cache: an
// in-process L1 with a byte budget, a Redis-backed L2, and an optional
// semantic layer that matches near-identical requests. A policy engine
// derives TTLs, gates access by security level, and drives dependency
// cascade invalidation.
package cache

import (
	"time"
)

// ContentType classifies a cached value for TTL derivation
type ContentType string

const (
	ContentTypeResponse  ContentType = "response"
	ContentTypeEmbedding ContentType = "embedding"
	ContentTypeChunk     ContentType = "chunk"
	ContentTypeSummary   ContentType = "summary"
	ContentTypeAnalysis  ContentType = "analysis"
)

// SecurityLevel controls who may read an entry
type SecurityLevel string

const (
	SecurityPublic    SecurityLevel = "public"
	SecurityPrivate   SecurityLevel = "private"
	SecurityEncrypted SecurityLevel = "encrypted"
)

// Priority orders entries for pre-warming and eviction pressure
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Entry is one cached artifact with its lifecycle metadata. A private
// entry always carries the owning user id.
type Entry struct {
	Key          string        `json:"key"`
	Value        []byte        `json:"value"`
	ContentType  ContentType   `json:"content_type"`
	Security     SecurityLevel `json:"security"`
	UserID       string        `json:"user_id,omitempty"`
	Priority     Priority      `json:"priority"`
	Version      int           `json:"version"`
	QualityScore float64       `json:"quality_score,omitempty"`

	CreatedAt    time.Time     `json:"created_at"`
	TTL          time.Duration `json:"ttl"`
	StaleAfter   time.Duration `json:"stale_after"`
	RefreshAfter time.Duration `json:"refresh_after"`
	CanStale     bool          `json:"can_stale"`

	AccessCount    int64     `json:"access_count"`
	LastAccessedAt time.Time `json:"last_accessed_at"`

	Dependencies []string `json:"dependencies,omitempty"`
}

// Age returns the entry's age relative to now
func (e *Entry) Age(now time.Time) time.Duration { return now.Sub(e.CreatedAt) }

// Expired reports whether the entry is past its TTL
func (e *Entry) Expired(now time.Time) bool { return e.Age(now) > e.TTL }

// Stale reports whether the entry is past staleAfter but within TTL
func (e *Entry) Stale(now time.Time) bool {
	age := e.Age(now)
	return age > e.StaleAfter && age <= e.TTL
}

// WithinGrace reports whether an expired entry is still inside the
// stale-serving grace window.
func (e *Entry) WithinGrace(now time.Time, grace time.Duration) bool {
	age := e.Age(now)
	return age > e.TTL && age <= e.TTL+grace
}

// estimatedBytes approximates the entry's memory footprint for the L1
// byte budget.
func (e *Entry) estimatedBytes() int {
	return len(e.Key) + len(e.Value) + 256
}

// AccessContext carries the caller identity and options for one lookup
type AccessContext struct {
	UserID     string
	AllowStale bool
	// Semantic enables the similarity fallback after exact misses
	Semantic bool
	// RefreshHint asks for a background refresh event when a stale
	// entry is served.
	RefreshHint bool
}

// Layer names where a lookup was satisfied
type Layer string

const (
	LayerL1       Layer = "l1"
	LayerL2       Layer = "l2"
	LayerSemantic Layer = "semantic"
	LayerNone     Layer = ""
)

// GetResult is the outcome of a cache lookup
type GetResult struct {
	Entry *Entry
	Layer Layer
	Fresh bool
	Stale bool
	// SemanticSimilarity is set for semantic-layer hits
	SemanticSimilarity float64
}

// SetOptions controls how an entry is stored
type SetOptions struct {
	ContentType  ContentType
	Security     SecurityLevel
	UserID       string
	Priority     Priority
	Dependencies []string
	CanStale     bool
	QualityScore float64
	// HotPath forces L2 storage and the hot TTL multiplier
	HotPath bool
	// SemanticKey registers the entry for similarity matching
	SemanticKey string
	// AccessCount seeds the adaptive TTL for re-stored entries
	AccessCount int64
	Version     int
}

// InvalidateOptions selects the invalidation strategy
type InvalidateOptions struct {
	Strategy InvalidationStrategy
	Cascade  bool
	Reason   string
}

// LayerStats are the counters of one cache layer
type LayerStats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
	Entries   int   `json:"entries"`
	Bytes     int   `json:"bytes,omitempty"`
}

// Stats aggregates per-layer counters and the overall hit rate
type Stats struct {
	L1       LayerStats `json:"l1"`
	L2       LayerStats `json:"l2"`
	Semantic LayerStats `json:"semantic"`
	HitRate  float64    `json:"hit_rate"`
}

// WarmEntry is one pre-warm item; higher priority inserts first
type WarmEntry struct {
	Key         string
	Value       []byte
	ContentType ContentType
	Priority    Priority
	SemanticKey string
}
