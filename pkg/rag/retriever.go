package rag

import (
	"context"
	"sort"
	"strings"

	"github.com/bookmesh/bookmesh/pkg/observability"
	"github.com/bookmesh/bookmesh/pkg/textutil"
	"github.com/bookmesh/bookmesh/pkg/vector"
)

// Embedder is the slice of the embedding provider the retriever needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config holds retriever parameters
type Config struct {
	// TopKInitial is the pre-rerank candidate count
	TopKInitial int
	// SimilarityThreshold is the minimum cosine to consider
	SimilarityThreshold float64
	// RelevanceFloor drops weak chunks after merging
	RelevanceFloor float64
	// DedupOverlap collapses near-duplicate chunks at this Jaccard
	DedupOverlap float64
}

// DefaultConfig returns the default retriever parameters
func DefaultConfig() Config {
	return Config{
		TopKInitial:         8,
		SimilarityThreshold: 0.75,
		RelevanceFloor:      0.7,
		DedupOverlap:        0.85,
	}
}

// expansionTable maps trigger words to synonyms appended to the query.
// At most two synonyms are added per trigger.
var expansionTable = map[string][]string{
	"summary":   {"summarize", "overview"},
	"summarize": {"overview", "main points"},
	"theme":     {"motif", "central idea"},
	"meaning":   {"significance", "interpretation"},
	"character": {"protagonist", "figure"},
	"plot":      {"storyline", "events"},
}

// Retriever performs vector search over a book's chunks with optional
// query expansion and semantic deduplication.
type Retriever struct {
	index   *vector.Index
	embed   Embedder
	config  Config
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewRetriever creates a retriever over the given index
func NewRetriever(index *vector.Index, embed Embedder, config Config, logger observability.Logger, metrics observability.MetricsClient) *Retriever {
	if config.TopKInitial <= 0 {
		config.TopKInitial = 8
	}
	if config.SimilarityThreshold <= 0 {
		config.SimilarityThreshold = 0.75
	}
	if config.RelevanceFloor <= 0 {
		config.RelevanceFloor = 0.7
	}
	if config.DedupOverlap <= 0 {
		config.DedupOverlap = 0.85
	}
	if logger == nil {
		logger = observability.NewLogger("rag.retriever")
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Retriever{index: index, embed: embed, config: config, logger: logger, metrics: metrics}
}

// ExpandQuery appends up to two synonyms per trigger word present in
// the query. Returns the original query unchanged when nothing matches.
func ExpandQuery(query string) string {
	lower := strings.ToLower(query)
	var additions []string
	for trigger, synonyms := range expansionTable {
		if !strings.Contains(lower, trigger) {
			continue
		}
		for _, syn := range synonyms {
			if !strings.Contains(lower, syn) {
				additions = append(additions, syn)
			}
			if len(additions) >= 2 {
				break
			}
		}
		if len(additions) >= 2 {
			break
		}
	}
	if len(additions) == 0 {
		return query
	}
	sort.Strings(additions)
	return query + " " + strings.Join(additions, " ")
}

// Retrieve returns candidate chunks for the query: vector search scoped
// to the book (optionally one chapter), merged with an expanded-query
// search when expansion changes the text, deduplicated, and filtered by
// the relevance floor. Results are sorted by similarity descending.
func (r *Retriever) Retrieve(ctx context.Context, query string, queryVec []float32, bookID string, chapterIdx *int) ([]Chunk, error) {
	ctx, span := observability.StartSpan(ctx, "rag.retrieve")
	defer span.End()

	filter := vector.SearchFilter{BookID: bookID, ChapterIdx: chapterIdx}

	primary, err := r.search(queryVec, filter)
	if err != nil {
		return nil, err
	}

	merged := primary
	expanded := ExpandQuery(query)
	if expanded != query {
		expandedVec, err := r.embed.Embed(ctx, expanded)
		if err != nil {
			// Expansion is best-effort; the primary result set stands.
			r.logger.Warn("Query expansion embedding failed", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			secondary, err := r.search(expandedVec, filter)
			if err != nil {
				return nil, err
			}
			merged = mergeByPosition(primary, secondary)
		}
	}

	deduped := Deduplicate(merged, r.config.DedupOverlap)

	filtered := deduped[:0]
	for _, c := range deduped {
		if c.Similarity >= r.config.RelevanceFloor {
			filtered = append(filtered, c)
		}
	}

	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].Similarity > filtered[j].Similarity
	})

	span.SetAttribute("candidates", len(filtered))
	r.metrics.RecordHistogram("rag.retrieve.candidates", float64(len(filtered)), nil)
	return filtered, nil
}

func (r *Retriever) search(queryVec []float32, filter vector.SearchFilter) ([]Chunk, error) {
	matches, err := r.index.Search(queryVec, filter, r.config.SimilarityThreshold, r.config.TopKInitial)
	if err != nil {
		return nil, err
	}
	chunks := make([]Chunk, 0, len(matches))
	for _, m := range matches {
		chunks = append(chunks, Chunk{
			Ref: m.Embedding.Ref(),

			Text:       m.Embedding.Content,
			Similarity: m.Similarity,
		})
	}
	return chunks, nil
}

// mergeByPosition merges two result sets by (chapterIdx, start, end),
// keeping the higher similarity for duplicates.
func mergeByPosition(a, b []Chunk) []Chunk {
	byKey := make(map[key]Chunk, len(a)+len(b))
	for _, c := range append(append([]Chunk{}, a...), b...) {
		k := chunkKey(c)
		if existing, ok := byKey[k]; !ok || c.Similarity > existing.Similarity {
			byKey[k] = c
		}
	}
	out := make([]Chunk, 0, len(byKey))
	for _, c := range byKey {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	return out
}

// Deduplicate collapses pairs of chunks whose word-level Jaccard
// overlap meets the threshold, keeping the higher-similarity one.
func Deduplicate(chunks []Chunk, overlap float64) []Chunk {
	if len(chunks) <= 1 {
		return chunks
	}

	// Process in similarity order so survivors are the strongest
	sorted := append([]Chunk(nil), chunks...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Similarity > sorted[j].Similarity })

	kept := make([]Chunk, 0, len(sorted))
	keptSets := make([]map[string]bool, 0, len(sorted))
	for _, c := range sorted {
		set := textutil.TokenSet(c.Text)
		dup := false
		for _, ks := range keptSets {
			if textutil.JaccardSets(set, ks) >= overlap {
				dup = true
				break
			}
		}
		if !dup {
			kept = append(kept, c)
			keptSets = append(keptSets, set)
		}
	}
	return kept
}
