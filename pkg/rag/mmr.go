package rag

import (
	"sort"

	"github.com/bookmesh/bookmesh/pkg/textutil"
)

// MMRConfig holds reranker parameters
type MMRConfig struct {
	// Lambda balances relevance against diversity (0-1)
	Lambda float64
	// TopKFinal is the post-rerank selection size
	TopKFinal int
}

// DefaultMMRConfig returns the default reranker parameters
func DefaultMMRConfig() MMRConfig {
	return MMRConfig{Lambda: 0.7, TopKFinal: 3}
}

// Rerank selects a diverse, relevant subset via Maximal Marginal
// Relevance. Relevance is the chunk's query similarity; diversity is
// the minimum (1 - Jaccard) distance to already-selected chunks. Each
// selected chunk is stamped with relevance, diversity, and the share of
// query tokens it covers, and the final selection is re-sorted by
// (chapterIdx, start) for presentation order.
func Rerank(query string, candidates []Chunk, config MMRConfig) []Chunk {
	lambda := config.Lambda
	if lambda < 0 || lambda > 1 {
		lambda = 0.7
	}
	topK := config.TopKFinal
	if topK <= 0 {
		topK = 3
	}

	if len(candidates) == 0 {
		return nil
	}

	queryTokens := textutil.Tokens(query)
	pool := append([]Chunk(nil), candidates...)
	tokenSets := make([]map[string]bool, len(pool))
	for i, c := range pool {
		tokenSets[i] = textutil.TokenSet(c.Text)
	}

	// Seed with the highest-similarity chunk
	seedIdx := 0
	for i := 1; i < len(pool); i++ {
		if pool[i].Similarity > pool[seedIdx].Similarity {
			seedIdx = i
		}
	}

	selected := make([]Chunk, 0, topK)
	selectedSets := make([]map[string]bool, 0, topK)
	picked := make([]bool, len(pool))

	take := func(i int, diversity float64) {
		c := pool[i]
		c.Relevance = c.Similarity
		c.Diversity = diversity
		c.ContextImportance = contextImportance(queryTokens, tokenSets[i])
		selected = append(selected, c)
		selectedSets = append(selectedSets, tokenSets[i])
		picked[i] = true
	}
	take(seedIdx, 1.0)

	for len(selected) < topK {
		bestIdx := -1
		bestScore := -1.0
		bestDiversity := 0.0

		for i := range pool {
			if picked[i] {
				continue
			}
			diversity := 1.0
			for _, ss := range selectedSets {
				d := 1.0 - textutil.JaccardSets(tokenSets[i], ss)
				if d < diversity {
					diversity = d
				}
			}
			score := lambda*pool[i].Similarity + (1-lambda)*diversity
			if score > bestScore {
				bestScore = score
				bestIdx = i
				bestDiversity = diversity
			}
		}

		if bestIdx < 0 {
			break
		}
		take(bestIdx, bestDiversity)
	}

	sort.Slice(selected, func(i, j int) bool {
		if selected[i].Ref.ChapterIdx != selected[j].Ref.ChapterIdx {
			return selected[i].Ref.ChapterIdx < selected[j].Ref.ChapterIdx
		}
		return selected[i].Ref.Start < selected[j].Ref.Start
	})
	return selected
}

// contextImportance is the fraction of query tokens present in the chunk
func contextImportance(queryTokens []string, chunkSet map[string]bool) float64 {
	if len(queryTokens) == 0 {
		return 0
	}
	hits := 0
	for _, q := range queryTokens {
		if chunkSet[q] {
			hits++
		}
	}
	return float64(hits) / float64(len(queryTokens))
}
