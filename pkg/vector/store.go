package vector

import (
	"context"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/bookmesh/bookmesh/pkg/errors"
	"github.com/bookmesh/bookmesh/pkg/models"
	"github.com/bookmesh/bookmesh/pkg/observability"
	"github.com/bookmesh/bookmesh/pkg/textutil"
)

// PII patterns screened before any content is stored. A match refuses
// the store outright.
var piiPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),                      // SSN
	regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`),                     // credit card
	regexp.MustCompile(`\b[\w.+-]+@[\w-]+\.[\w.-]+\b`),               // email
	regexp.MustCompile(`\b\+?\d{1,3}[ -]?\(?\d{3}\)?[ -]?\d{3}[ -]?\d{4}\b`), // phone
}

var personalPronouns = map[string]bool{
	"i": true, "my": true, "me": true, "you": true, "your": true, "yours": true,
}

// ContainsPII reports whether the text matches any screened pattern
func ContainsPII(text string) bool {
	for _, p := range piiPatterns {
		if p.MatchString(text) {
			return true
		}
	}
	return false
}

// StoreMetadata describes the embedding being stored.
type StoreMetadata struct {
	BookID     string
	UserID     string
	BookPublic bool
	ChapterIdx int
	Start      int
	End        int
}

// FindOptions controls a similarity search.
type FindOptions struct {
	BookID          string
	Threshold       float64
	Limit           int
	IncludeShared   bool
	IncludePredicts bool
}

// Store is the storage and search complement to the RAG retriever,
// adding PII screening, anonymous cross-user sharing through concept
// clusters, and predictive matching from access history.
type Store struct {
	index     *Index
	clusterer *Clusterer
	logger    observability.Logger
	metrics   observability.MetricsClient

	// crossUserSharing gates the anonymized cluster scan globally
	crossUserSharing bool
}

// StoreConfig configures the vector store
type StoreConfig struct {
	Dimension        int
	CrossUserSharing bool
}

// NewStore creates a vector store
func NewStore(config StoreConfig, logger observability.Logger, metrics observability.MetricsClient) *Store {
	if logger == nil {
		logger = observability.NewLogger("vector.store")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Store{
		index:            NewIndex(config.Dimension),
		clusterer:        NewClusterer(),
		logger:           logger,
		metrics:          metrics,
		crossUserSharing: config.CrossUserSharing,
	}
}

// Index exposes the underlying vector index
func (s *Store) Index() *Index { return s.index }

// Clusterer exposes the concept clusterer
func (s *Store) Clusterer() *Clusterer { return s.clusterer }

// CanShareAnonymously applies the sharing predicate: the book must be
// public, content must be at least 10 words, and it must contain no
// first- or second-person pronouns as whole words.
func (s *Store) CanShareAnonymously(content string, meta StoreMetadata) bool {
	if !meta.BookPublic {
		return false
	}
	words := strings.Fields(strings.ToLower(content))
	if len(words) < 10 {
		return false
	}
	for _, w := range words {
		w = strings.Trim(w, ".,;:!?'\"()")
		if personalPronouns[w] {
			return false
		}
	}
	return true
}

// StoreEmbedding screens content for PII, computes the concept
// fingerprint, stores the embedding, and folds shareable content into
// its concept cluster.
func (s *Store) StoreEmbedding(ctx context.Context, content string, vec []float32, meta StoreMetadata) (*models.Embedding, error) {
	if ContainsPII(content) {
		s.metrics.IncrementCounter("vector_store.pii_rejected", 1)
		return nil, apperrors.New("SENSITIVE_CONTENT", "content contains sensitive material", apperrors.ClassConsistency)
	}

	fingerprint := textutil.Fingerprint(content)
	shareable := s.CanShareAnonymously(content, meta)

	e := &models.Embedding{
		ID:                 uuid.NewString(),
		BookID:             meta.BookID,
		ConceptFingerprint: fingerprint,
		Vector:             vec,
		Content:            content,
		ChapterIdx:         meta.ChapterIdx,
		Start:              meta.Start,
		End:                meta.End,
		CreatedAt:          time.Now(),
	}
	if !shareable {
		e.UserID = meta.UserID
	}

	if err := s.index.Add(e); err != nil {
		return nil, err
	}
	if shareable {
		s.clusterer.Observe(fingerprint, vec, content)
	}

	s.logger.Debug("Stored embedding", map[string]interface{}{
		"book_id":   meta.BookID,
		"shareable": shareable,
	})
	return e, nil
}

// FindSimilar scans the requester's own embeddings first, then (when
// enabled and requested) the concept-cluster centroids at a threshold
// relaxed by 10%. Cross-user hits return a single representative
// anonymous embedding with the owner stripped and content replaced by
// the cluster's anonymized representative.
func (s *Store) FindSimilar(ctx context.Context, userID string, query []float32, opts FindOptions) ([]Match, error) {
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = 0.75
	}

	own, err := s.index.Search(query, SearchFilter{
		BookID: opts.BookID,
		UserID: userID,
	}, threshold, opts.Limit)
	if err != nil {
		return nil, err
	}
	for i := range own {
		s.index.Touch(own[i].Embedding.ID, time.Now())
	}

	matches := own
	if s.crossUserSharing && opts.IncludeShared {
		shared, err := s.findShared(query, threshold*0.9)
		if err != nil {
			return nil, err
		}
		matches = append(matches, shared...)
	}

	if opts.IncludePredicts {
		predictive, err := s.PredictiveMatches(userID, query)
		if err != nil {
			return nil, err
		}
		matches = append(matches, predictive...)
	}

	return matches, nil
}

// findShared scans cluster centroids and returns one anonymized
// representative embedding per matching cluster.
func (s *Store) findShared(query []float32, threshold float64) ([]Match, error) {
	clusterMatches, err := s.clusterer.ScanCentroids(query, threshold)
	if err != nil {
		return nil, err
	}

	var out []Match
	for _, cm := range clusterMatches {
		for _, id := range s.index.ByConcept(cm.Cluster.Fingerprint) {
			e, ok := s.index.Get(id)
			if !ok || !e.Shareable() {
				continue
			}
			anon := *e
			anon.UserID = ""
			anon.Content = cm.Cluster.RepresentativeText
			out = append(out, Match{
				Embedding:   &anon,
				Similarity:  cm.Similarity,
				IsAnonymous: true,
			})
			break
		}
	}
	s.metrics.IncrementCounterWithLabels("vector_store.shared_matches", float64(len(out)), nil)
	return out, nil
}

// PredictiveMatches scores a user's embeddings against their weighted
// interest centroid. Requires at least 5 embeddings with nonzero access
// counts; results at score >= 0.7 are flagged predictive.
func (s *Store) PredictiveMatches(userID string, query []float32) ([]Match, error) {
	ids := s.index.ByUser(userID)

	accessed := make([]*models.Embedding, 0, len(ids))
	for _, id := range ids {
		if e, ok := s.index.Get(id); ok && e.AccessCount > 0 {
			accessed = append(accessed, e)
		}
	}
	if len(accessed) < 5 {
		return nil, nil
	}

	centroid := interestCentroid(accessed)
	now := time.Now()

	var out []Match
	for _, id := range ids {
		e, ok := s.index.Get(id)
		if !ok {
			continue
		}
		centroidSim, err := CosineSimilarity(e.Vector, centroid)
		if err != nil {
			return nil, err
		}
		querySim, err := CosineSimilarity(e.Vector, query)
		if err != nil {
			return nil, err
		}
		score := 0.4*centroidSim +
			0.2*timeDecay(e.LastAccessedAt, now) +
			0.2*math.Min(1, float64(e.AccessCount)/10) +
			0.2*querySim
		if score >= 0.7 {
			out = append(out, Match{Embedding: e, Similarity: score, IsPredictive: true})
		}
	}
	return out, nil
}

// Maintain evicts embeddings with zero access older than maxAge and
// prunes clusters with fewer than 3 members untouched for maxAge.
func (s *Store) Maintain(maxAge time.Duration) (evicted, pruned int) {
	cutoff := time.Now().Add(-maxAge)
	evicted = s.index.EvictStale(cutoff)
	pruned = s.clusterer.PruneSmall(3, cutoff)
	if evicted > 0 || pruned > 0 {
		s.logger.Info("Vector store maintenance", map[string]interface{}{
			"evicted_embeddings": evicted,
			"pruned_clusters":    pruned,
		})
	}
	return evicted, pruned
}

// interestCentroid computes the access-weighted mean of vectors
func interestCentroid(embeddings []*models.Embedding) []float32 {
	dim := len(embeddings[0].Vector)
	centroid := make([]float32, dim)
	var totalWeight float64
	for _, e := range embeddings {
		w := float64(e.AccessCount)
		totalWeight += w
		for i, v := range e.Vector {
			centroid[i] += float32(w) * v
		}
	}
	if totalWeight > 0 {
		for i := range centroid {
			centroid[i] /= float32(totalWeight)
		}
	}
	return centroid
}

// timeDecay maps last-access recency to [0, 1] with a 7-day half-life
func timeDecay(lastAccess, now time.Time) float64 {
	if lastAccess.IsZero() {
		return 0
	}
	age := now.Sub(lastAccess)
	if age <= 0 {
		return 1
	}
	halfLife := 7 * 24 * time.Hour
	return math.Pow(0.5, float64(age)/float64(halfLife))
}
