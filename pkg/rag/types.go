// Package rag implements retrieval-augmented context building: vector
// search with query expansion, semantic deduplication, and
// diversity-aware reranking into a bounded candidate set.
package rag

import "github.com/bookmesh/bookmesh/pkg/models"

// Chunk is a retrieved passage with its scores. Relevance, Diversity,
// and ContextImportance are stamped by the reranker.
type Chunk struct {
	Ref        models.ChunkRef `json:"ref"`
	Text       string          `json:"text"`
	Similarity float64         `json:"similarity"`

	Relevance         float64 `json:"relevance"`
	Diversity         float64 `json:"diversity"`
	ContextImportance float64 `json:"context_importance"`
}

// key identifies a chunk for merging across result sets
type key struct {
	chapterIdx int
	start      int
	end        int
}

func chunkKey(c Chunk) key {
	return key{chapterIdx: c.Ref.ChapterIdx, start: c.Ref.Start, end: c.Ref.End}
}
