package rag

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bookmesh/bookmesh/pkg/models"
	"github.com/bookmesh/bookmesh/pkg/observability"
	"github.com/bookmesh/bookmesh/pkg/vector"
)

type fakeEmbedder struct {
	vec   []float32
	calls int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	return f.vec, nil
}

func addChunk(t *testing.T, ix *vector.Index, id, bookID string, chapterIdx, start, end int, text string, vec []float32) {
	t.Helper()
	require.NoError(t, ix.Add(&models.Embedding{
		ID: id, BookID: bookID, ChapterIdx: chapterIdx,
		Start: start, End: end, Content: text, Vector: vec,
	}))
}

func newRetriever(ix *vector.Index, embed Embedder) *Retriever {
	cfg := DefaultConfig()
	cfg.SimilarityThreshold = 0.1
	cfg.RelevanceFloor = 0.1
	return NewRetriever(ix, embed, cfg, observability.NewNoopLogger(), observability.NewNoopMetricsClient())
}

func TestExpandQuery(t *testing.T) {
	expanded := ExpandQuery("give me a summary of chapter one")
	assert.NotEqual(t, "give me a summary of chapter one", expanded)
	assert.Contains(t, expanded, "overview")

	// No trigger: unchanged
	assert.Equal(t, "who wrote this", ExpandQuery("who wrote this"))
}

func TestRetrieveScopedToBook(t *testing.T) {
	ix := vector.NewIndex(3)
	addChunk(t, ix, "a", "b1", 0, 0, 10, "alpha text content", []float32{1, 0, 0})
	addChunk(t, ix, "b", "b2", 0, 0, 10, "other book content", []float32{1, 0, 0})

	r := newRetriever(ix, &fakeEmbedder{vec: []float32{1, 0, 0}})
	chunks, err := r.Retrieve(context.Background(), "plain question", []float32{1, 0, 0}, "b1", nil)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "b1", chunks[0].Ref.BookID)
}

func TestRetrieveMergesExpandedResults(t *testing.T) {
	ix := vector.NewIndex(3)
	addChunk(t, ix, "a", "b1", 0, 0, 10, "the overview of main ideas", []float32{1, 0, 0})
	addChunk(t, ix, "b", "b1", 1, 0, 10, "completely different themes", []float32{0, 1, 0})

	// The expanded-query embedding points at the second chunk
	embed := &fakeEmbedder{vec: []float32{0, 1, 0}}
	r := newRetriever(ix, embed)

	chunks, err := r.Retrieve(context.Background(), "summary please", []float32{1, 0, 0}, "b1", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, embed.calls, "expansion embeds exactly once")
	assert.Len(t, chunks, 2, "merged sets keep both positions")
}

func TestRetrieveDropsBelowFloor(t *testing.T) {
	ix := vector.NewIndex(3)
	addChunk(t, ix, "a", "b1", 0, 0, 10, "strong match", []float32{1, 0, 0})
	addChunk(t, ix, "b", "b1", 1, 0, 10, "weak match", []float32{0.3, 0.95, 0})

	cfg := DefaultConfig()
	cfg.SimilarityThreshold = 0.1
	cfg.RelevanceFloor = 0.9
	r := NewRetriever(ix, &fakeEmbedder{vec: []float32{1, 0, 0}}, cfg,
		observability.NewNoopLogger(), observability.NewNoopMetricsClient())

	chunks, err := r.Retrieve(context.Background(), "plain question", []float32{1, 0, 0}, "b1", nil)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "strong match", chunks[0].Text)
}

func TestDeduplicateCollapsesNearDuplicates(t *testing.T) {
	chunks := []Chunk{
		{Text: "the whale hunts the open sea at night", Similarity: 0.9},
		{Text: "the whale hunts the open sea at night", Similarity: 0.8},
		{Text: "an entirely different passage about harbors", Similarity: 0.7},
	}
	out := Deduplicate(chunks, 0.85)
	require.Len(t, out, 2)
	assert.InDelta(t, 0.9, out[0].Similarity, 1e-9, "higher-similarity duplicate survives")
}

func TestDeduplicateKeepsDistinct(t *testing.T) {
	chunks := []Chunk{
		{Text: "whales and the sea", Similarity: 0.9},
		{Text: "mountains and the sky", Similarity: 0.8},
	}
	assert.Len(t, Deduplicate(chunks, 0.85), 2)
}

func TestRerankSeedsWithHighestSimilarity(t *testing.T) {
	candidates := []Chunk{
		{Ref: models.ChunkRef{ChapterIdx: 2, Start: 0, End: 10}, Text: "later chapter text", Similarity: 0.95},
		{Ref: models.ChunkRef{ChapterIdx: 0, Start: 0, End: 10}, Text: "early chapter text", Similarity: 0.80},
		{Ref: models.ChunkRef{ChapterIdx: 1, Start: 0, End: 10}, Text: "middle chapter text", Similarity: 0.70},
	}
	selected := Rerank("chapter text", candidates, DefaultMMRConfig())
	require.Len(t, selected, 3)

	// Presentation order is by (chapter, start), not similarity
	assert.Equal(t, 0, selected[0].Ref.ChapterIdx)
	assert.Equal(t, 1, selected[1].Ref.ChapterIdx)
	assert.Equal(t, 2, selected[2].Ref.ChapterIdx)

	for _, c := range selected {
		assert.Equal(t, c.Similarity, c.Relevance)
		assert.GreaterOrEqual(t, c.Diversity, 0.0)
		assert.LessOrEqual(t, c.Diversity, 1.0)
	}
}

func TestRerankPrefersDiverse(t *testing.T) {
	candidates := []Chunk{
		{Ref: models.ChunkRef{ChapterIdx: 0, Start: 0, End: 10}, Text: "the captain stood on the deck of the ship", Similarity: 0.95},
		{Ref: models.ChunkRef{ChapterIdx: 0, Start: 5, End: 15}, Text: "the captain stood on the deck of the ship", Similarity: 0.94},
		{Ref: models.ChunkRef{ChapterIdx: 1, Start: 0, End: 10}, Text: "storms gathered far beyond the horizon line", Similarity: 0.60},
	}
	cfg := MMRConfig{Lambda: 0.3, TopKFinal: 2}
	selected := Rerank("captain ship", candidates, cfg)
	require.Len(t, selected, 2)

	texts := []string{selected[0].Text, selected[1].Text}
	assert.Contains(t, texts, "storms gathered far beyond the horizon line",
		"low lambda favors the diverse chunk over the near-duplicate")
}

func TestRerankContextImportance(t *testing.T) {
	candidates := []Chunk{
		{Ref: models.ChunkRef{ChapterIdx: 0}, Text: "ambition and power corrupt slowly", Similarity: 0.9},
	}
	selected := Rerank("what does ambition mean", candidates, DefaultMMRConfig())
	require.Len(t, selected, 1)
	// Query tokens after stop-word removal: {ambition, mean}; chunk covers 1 of 2
	assert.InDelta(t, 0.5, selected[0].ContextImportance, 1e-9)
}

func TestRerankEmpty(t *testing.T) {
	assert.Nil(t, Rerank("anything", nil, DefaultMMRConfig()))
}
