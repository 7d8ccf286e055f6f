package cache

import (
	"sync"

	"github.com/bookmesh/bookmesh/pkg/textutil"
)

// semanticSimilarityThreshold accepts a candidate whose primary-key
// overlap with the probe meets this Jaccard level.
const defaultSemanticThreshold = 0.8

// SemanticIndex maps semantic keys to the primary keys that share
// them, allowing near-identical requests to reuse an exact entry.
type SemanticIndex struct {
	mu         sync.RWMutex
	candidates map[string][]string // semantic key -> primary keys
	threshold  float64
	hits       int64
	misses     int64
}

// NewSemanticIndex creates a semantic index; threshold <= 0 uses the
// default.
func NewSemanticIndex(threshold float64) *SemanticIndex {
	if threshold <= 0 {
		threshold = defaultSemanticThreshold
	}
	return &SemanticIndex{
		candidates: make(map[string][]string),
		threshold:  threshold,
	}
}

// Register associates a primary key with its semantic key
func (s *SemanticIndex) Register(semanticKey, primaryKey string) {
	if semanticKey == "" || primaryKey == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.candidates[semanticKey] {
		if existing == primaryKey {
			return
		}
	}
	s.candidates[semanticKey] = append(s.candidates[semanticKey], primaryKey)
}

// Lookup returns the first registered primary key whose Jaccard
// similarity to the probe key meets the threshold, with the score.
func (s *SemanticIndex) Lookup(semanticKey, probeKey string) (string, float64) {
	s.mu.RLock()
	candidates := append([]string(nil), s.candidates[semanticKey]...)
	s.mu.RUnlock()

	probeSet := textutil.TokenSet(probeKey)
	for _, candidate := range candidates {
		score := textutil.JaccardSets(probeSet, textutil.TokenSet(candidate))
		if score >= s.threshold {
			s.mu.Lock()
			s.hits++
			s.mu.Unlock()
			return candidate, score
		}
	}
	s.mu.Lock()
	s.misses++
	s.mu.Unlock()
	return "", 0
}

// Remove drops a primary key from every semantic bucket it appears in
func (s *SemanticIndex) Remove(primaryKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for semanticKey, keys := range s.candidates {
		filtered := keys[:0]
		for _, k := range keys {
			if k != primaryKey {
				filtered = append(filtered, k)
			}
		}
		if len(filtered) == 0 {
			delete(s.candidates, semanticKey)
		} else {
			s.candidates[semanticKey] = filtered
		}
	}
}

// Clear drops every association
func (s *SemanticIndex) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates = make(map[string][]string)
}

// Stats returns the layer counters
func (s *SemanticIndex) Stats() LayerStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := 0
	for _, keys := range s.candidates {
		entries += len(keys)
	}
	return LayerStats{Hits: s.hits, Misses: s.misses, Entries: entries}
}
