package budget

import (
	"sort"

	"github.com/bookmesh/bookmesh/pkg/rag"
	"github.com/bookmesh/bookmesh/pkg/textutil"
)

// ReductionResult reports what the coordinated reduction did
type ReductionResult struct {
	Chunks       []rag.Chunk `json:"chunks"`
	Applied      []string    `json:"applied"`
	TokensBefore int         `json:"tokens_before"`
	TokensAfter  int         `json:"tokens_after"`
}

// minPartialChars is the smallest admissible tail of a truncated chunk
const minPartialChars = 100

// mmrCandidateFloor is the candidate count above which MMR reranking
// runs inside the reduction.
const mmrCandidateFloor = 5

// Reduce runs the coordinated reduction over ranked candidate chunks:
// a strategy-dependent similarity cutoff, semantic deduplication, MMR
// when the candidate set is large, and greedy truncation into the
// context token allowance. Chunks are admitted by descending composite
// score; the last chunk may be admitted partially when a meaningful
// remainder fits.
func (m *Manager) Reduce(query string, chunks []rag.Chunk, b Budget) ReductionResult {
	result := ReductionResult{TokensBefore: totalTokens(chunks)}

	profile := strategyProfiles[b.Strategy]
	working := chunks

	if profile.similarityCutoff > 0 {
		filtered := make([]rag.Chunk, 0, len(working))
		for _, c := range working {
			if c.Similarity >= profile.similarityCutoff {
				filtered = append(filtered, c)
			}
		}
		working = filtered
		result.Applied = append(result.Applied, thresholdLabel(profile.similarityCutoff))
	}

	deduped := rag.Deduplicate(working, 0.85)
	if len(deduped) < len(working) {
		result.Applied = append(result.Applied, "semantic_dedup")
	}
	working = deduped

	if len(working) > mmrCandidateFloor {
		working = rag.Rerank(query, working, rag.DefaultMMRConfig())
		result.Applied = append(result.Applied, "mmr_rerank")
	}

	truncated, cut := truncateToBudget(working, b.ContextTokens)
	if cut {
		result.Applied = append(result.Applied, "smart_truncation")
	}
	working = truncated

	result.Chunks = working
	result.TokensAfter = totalTokens(working)
	m.metrics.RecordHistogram("budget.reduction.tokens_saved",
		float64(result.TokensBefore-result.TokensAfter), nil)
	return result
}

func thresholdLabel(cutoff float64) string {
	if cutoff >= 0.8 {
		return "threshold_filter(0.8)"
	}
	return "threshold_filter(0.75)"
}

// compositeScore ranks chunks for truncation. Unscored factors count
// as neutral so pre-rerank chunks still order by similarity.
func compositeScore(c rag.Chunk) float64 {
	score := c.Similarity
	if c.Relevance > 0 {
		score *= c.Relevance
	}
	if c.ContextImportance > 0 {
		score *= c.ContextImportance
	}
	return score
}

// truncateToBudget greedily admits chunks by composite score until the
// token allowance is exhausted. The first chunk that does not fit is
// admitted partially if at least minPartialChars of it survive;
// everything after is dropped.
func truncateToBudget(chunks []rag.Chunk, contextTokens int) ([]rag.Chunk, bool) {
	if len(chunks) == 0 {
		return chunks, false
	}

	ordered := append([]rag.Chunk(nil), chunks...)
	sort.Slice(ordered, func(i, j int) bool {
		return compositeScore(ordered[i]) > compositeScore(ordered[j])
	})

	admitted := make([]rag.Chunk, 0, len(ordered))
	remaining := contextTokens
	cut := false
	for _, c := range ordered {
		need := textutil.EstimateTokens(c.Text)
		if need <= remaining {
			admitted = append(admitted, c)
			remaining -= need
			continue
		}
		cut = true
		keepChars := remaining * 4
		if keepChars >= minPartialChars {
			runes := []rune(c.Text)
			if keepChars < len(runes) {
				partial := c
				partial.Text = string(runes[:keepChars])
				partial.Ref.End = partial.Ref.Start + keepChars
				admitted = append(admitted, partial)
			} else {
				admitted = append(admitted, c)
			}
		}
		break
	}

	// Restore presentation order
	sort.Slice(admitted, func(i, j int) bool {
		if admitted[i].Ref.ChapterIdx != admitted[j].Ref.ChapterIdx {
			return admitted[i].Ref.ChapterIdx < admitted[j].Ref.ChapterIdx
		}
		return admitted[i].Ref.Start < admitted[j].Ref.Start
	})
	return admitted, cut
}

func totalTokens(chunks []rag.Chunk) int {
	total := 0
	for _, c := range chunks {
		total += textutil.EstimateTokens(c.Text)
	}
	return total
}
