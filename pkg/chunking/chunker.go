// Package chunking splits chapter text into overlapping windows
// suitable for embedding.
package chunking

import "github.com/bookmesh/bookmesh/pkg/models"

// Chunk is one window of chapter text with its absolute offsets.
type Chunk struct {
	Ref  models.ChunkRef
	Text string
}

// Config holds chunker parameters
type Config struct {
	// TargetSize is the nominal window length in characters
	TargetSize int
	// Overlap is the number of characters shared by adjacent windows
	Overlap int
}

// DefaultConfig returns the default chunker parameters
func DefaultConfig() Config {
	return Config{TargetSize: 600, Overlap: 150}
}

// Chunker splits text into overlapping fixed-size windows.
type Chunker struct {
	config Config
}

// New creates a chunker, falling back to defaults for invalid parameters
func New(config Config) *Chunker {
	if config.TargetSize <= 0 {
		config.TargetSize = 600
	}
	if config.Overlap < 0 || config.Overlap >= config.TargetSize {
		config.Overlap = config.TargetSize / 4
	}
	return &Chunker{config: config}
}

// Split slides a window of TargetSize with stride TargetSize-Overlap
// over the chapter text. A tail window shorter than min(TargetSize/3,
// 200) characters is merged into the previous window. Text shorter than
// TargetSize yields one window spanning the full text. Output is
// deterministic for a fixed text.
func (c *Chunker) Split(bookID string, chapterIdx int, text string) []Chunk {
	if text == "" {
		return nil
	}

	runes := []rune(text)
	target := c.config.TargetSize
	stride := target - c.config.Overlap
	minTail := target / 3
	if minTail > 200 {
		minTail = 200
	}

	if len(runes) <= target {
		return []Chunk{{
			Ref:  models.ChunkRef{BookID: bookID, ChapterIdx: chapterIdx, Start: 0, End: len(runes)},
			Text: text,
		}}
	}

	var chunks []Chunk
	for start := 0; start < len(runes); start += stride {
		end := start + target
		if end > len(runes) {
			end = len(runes)
		}

		if end-start < minTail && len(chunks) > 0 {
			// Merge short tail into the previous window
			prev := &chunks[len(chunks)-1]
			prev.Ref.End = end
			prev.Text = string(runes[prev.Ref.Start:end])
			break
		}

		chunks = append(chunks, Chunk{
			Ref:  models.ChunkRef{BookID: bookID, ChapterIdx: chapterIdx, Start: start, End: end},
			Text: string(runes[start:end]),
		})

		if end == len(runes) {
			break
		}
	}

	return chunks
}

// SplitChapter splits a chapter using its own book and index fields.
func (c *Chunker) SplitChapter(ch *models.Chapter) []Chunk {
	return c.Split(ch.BookID, ch.Idx, ch.Text)
}
