// Package vector provides the in-memory vector index, concept
// clustering, and the cross-user sharing store used for semantic
// response caching.
package vector

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	apperrors "github.com/bookmesh/bookmesh/pkg/errors"
	"github.com/bookmesh/bookmesh/pkg/models"
)

// CosineSimilarity computes cosine similarity over two vectors of the
// same dimension. A dimension mismatch is a consistency violation, not
// a zero score.
func CosineSimilarity(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, apperrors.Consistency(
			fmt.Sprintf("dimension mismatch: %d vs %d", len(a), len(b)))
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}
	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}

// Match is one similarity-scan result.
type Match struct {
	Embedding  *models.Embedding
	Similarity float64
	// IsAnonymous marks cross-user matches served from a concept cluster
	IsAnonymous bool
	// IsPredictive marks matches from the interest-centroid scorer
	IsPredictive bool
}

// SearchFilter restricts an index scan.
type SearchFilter struct {
	BookID     string
	UserID     string
	ChapterIdx *int
	// PublicOnly restricts the scan to embeddings without an owner
	PublicOnly bool
}

// Index is an in-memory map from embedding id to vector plus metadata,
// supporting filtered cosine-similarity scans. Linearizable within a
// process; callers across processes share nothing.
type Index struct {
	mu        sync.RWMutex
	dim       int
	entries   map[string]*models.Embedding
	byBook    map[string]map[string]struct{}
	byUser    map[string]map[string]struct{}
	byConcept map[string]map[string]struct{}
}

// NewIndex creates an index for vectors of the given dimension
func NewIndex(dim int) *Index {
	if dim <= 0 {
		dim = models.DefaultEmbeddingDim
	}
	return &Index{
		dim:       dim,
		entries:   make(map[string]*models.Embedding),
		byBook:    make(map[string]map[string]struct{}),
		byUser:    make(map[string]map[string]struct{}),
		byConcept: make(map[string]map[string]struct{}),
	}
}

// Dimension returns the index's vector dimension
func (ix *Index) Dimension() int { return ix.dim }

// Add inserts an embedding, enforcing the shared dimension invariant.
func (ix *Index) Add(e *models.Embedding) error {
	if len(e.Vector) != ix.dim {
		return apperrors.Consistency(
			fmt.Sprintf("dimension mismatch: index %d, embedding %d", ix.dim, len(e.Vector)))
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.entries[e.ID] = e
	addToSet(ix.byBook, e.BookID, e.ID)
	if e.UserID != "" {
		addToSet(ix.byUser, e.UserID, e.ID)
	}
	if e.ConceptFingerprint != "" {
		addToSet(ix.byConcept, e.ConceptFingerprint, e.ID)
	}
	return nil
}

// Get returns an embedding by id
func (ix *Index) Get(id string) (*models.Embedding, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	e, ok := ix.entries[id]
	return e, ok
}

// Remove deletes an embedding and its index entries
func (ix *Index) Remove(id string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	e, ok := ix.entries[id]
	if !ok {
		return
	}
	delete(ix.entries, id)
	removeFromSet(ix.byBook, e.BookID, id)
	removeFromSet(ix.byUser, e.UserID, id)
	removeFromSet(ix.byConcept, e.ConceptFingerprint, id)
}

// Len returns the number of stored embeddings
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.entries)
}

// Search scans for embeddings with cosine similarity >= threshold under
// the filter, sorted by similarity descending, capped at limit.
func (ix *Index) Search(query []float32, filter SearchFilter, threshold float64, limit int) ([]Match, error) {
	if len(query) != ix.dim {
		return nil, apperrors.Consistency(
			fmt.Sprintf("dimension mismatch: index %d, query %d", ix.dim, len(query)))
	}

	ix.mu.RLock()
	candidates := ix.candidateIDs(filter)
	matches := make([]Match, 0, len(candidates))
	for _, id := range candidates {
		e := ix.entries[id]
		if e == nil {
			continue
		}
		if filter.PublicOnly && e.UserID != "" {
			continue
		}
		if filter.UserID != "" && e.UserID != filter.UserID {
			continue
		}
		if filter.ChapterIdx != nil && e.ChapterIdx != *filter.ChapterIdx {
			continue
		}
		sim, err := CosineSimilarity(query, e.Vector)
		if err != nil {
			ix.mu.RUnlock()
			return nil, err
		}
		if sim >= threshold {
			matches = append(matches, Match{Embedding: e, Similarity: sim})
		}
	}
	ix.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// Touch records an access to an embedding
func (ix *Index) Touch(id string, now time.Time) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if e, ok := ix.entries[id]; ok {
		e.AccessCount++
		e.LastAccessedAt = now
	}
}

// EvictStale removes embeddings with zero access whose last access (or
// creation) is older than cutoff. Returns the number evicted.
func (ix *Index) EvictStale(cutoff time.Time) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	evicted := 0
	for id, e := range ix.entries {
		last := e.LastAccessedAt
		if last.IsZero() {
			last = e.CreatedAt
		}
		if e.AccessCount == 0 && last.Before(cutoff) {
			delete(ix.entries, id)
			removeFromSet(ix.byBook, e.BookID, id)
			removeFromSet(ix.byUser, e.UserID, id)
			removeFromSet(ix.byConcept, e.ConceptFingerprint, id)
			evicted++
		}
	}
	return evicted
}

// ByUser returns the ids of a user's embeddings
func (ix *Index) ByUser(userID string) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return setToSlice(ix.byUser[userID])
}

// ByConcept returns the ids of embeddings under one fingerprint
func (ix *Index) ByConcept(fingerprint string) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return setToSlice(ix.byConcept[fingerprint])
}

// candidateIDs narrows the scan by book when possible; callers hold the
// read lock.
func (ix *Index) candidateIDs(filter SearchFilter) []string {
	if filter.BookID != "" {
		return setToSlice(ix.byBook[filter.BookID])
	}
	ids := make([]string, 0, len(ix.entries))
	for id := range ix.entries {
		ids = append(ids, id)
	}
	return ids
}

func addToSet(m map[string]map[string]struct{}, key, id string) {
	if key == "" {
		return
	}
	set, ok := m[key]
	if !ok {
		set = make(map[string]struct{})
		m[key] = set
	}
	set[id] = struct{}{}
}

func removeFromSet(m map[string]map[string]struct{}, key, id string) {
	if key == "" {
		return
	}
	if set, ok := m[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(m, key)
		}
	}
}

func setToSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
