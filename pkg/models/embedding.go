package models

import "time"

// DefaultEmbeddingDim is the vector dimension used across the index.
// All embeddings in one index share the same dimension.
const DefaultEmbeddingDim = 1536

// Embedding is a fixed-dimensional vector over a chunk of chapter text.
// An absent UserID marks the embedding shareable anonymously.
type Embedding struct {
	ID                 string    `json:"id" db:"id"`
	BookID             string    `json:"book_id" db:"book_id"`
	UserID             string    `json:"user_id,omitempty" db:"user_id"`
	ConceptFingerprint string    `json:"concept_fingerprint" db:"concept_fingerprint"`
	Vector             []float32 `json:"vector" db:"-"`
	Content            string    `json:"content" db:"content"`
	ChapterIdx         int       `json:"chapter_idx" db:"chapter_idx"`
	Start              int       `json:"start" db:"start_pos"`
	End                int       `json:"end" db:"end_pos"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
	AccessCount        int64     `json:"access_count" db:"access_count"`
	LastAccessedAt     time.Time `json:"last_accessed_at" db:"last_accessed_at"`
}

// Shareable reports whether the embedding may serve anonymous
// cross-user matches.
func (e *Embedding) Shareable() bool { return e.UserID == "" }

// Ref returns the chunk reference the embedding was computed over.
func (e *Embedding) Ref() ChunkRef {
	return ChunkRef{BookID: e.BookID, ChapterIdx: e.ChapterIdx, Start: e.Start, End: e.End}
}

// ConceptCluster maintains a running centroid per concept fingerprint.
// The centroid is the arithmetic mean of member vectors, kept by
// incremental update. RepresentativeText is anonymized and capped at
// 300 characters.
type ConceptCluster struct {
	Fingerprint        string    `json:"fingerprint"`
	Centroid           []float32 `json:"centroid"`
	MemberCount        int       `json:"member_count"`
	RepresentativeText string    `json:"representative_text"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// AddMember folds a new member vector into the running centroid.
func (c *ConceptCluster) AddMember(vector []float32, now time.Time) {
	if c.MemberCount == 0 || len(c.Centroid) != len(vector) {
		c.Centroid = append([]float32(nil), vector...)
		c.MemberCount = 1
		c.UpdatedAt = now
		return
	}
	n := float32(c.MemberCount)
	for i := range c.Centroid {
		c.Centroid[i] = (c.Centroid[i]*n + vector[i]) / (n + 1)
	}
	c.MemberCount++
	c.UpdatedAt = now
}
