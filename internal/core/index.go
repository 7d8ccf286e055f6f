package core

import (
	"context"

	"github.com/bookmesh/bookmesh/pkg/cache"
	"github.com/bookmesh/bookmesh/pkg/models"
	"github.com/bookmesh/bookmesh/pkg/observability"
	"github.com/bookmesh/bookmesh/pkg/vector"
)

// IndexResult summarizes one book indexing run
type IndexResult struct {
	Chapters int `json:"chapters"`
	Chunks   int `json:"chunks"`
	Stored   int `json:"stored"`
	Skipped  int `json:"skipped"`
}

// IndexBook chunks every chapter of the book, embeds each chunk, and
// stores the embeddings in the vector index. PII-screened chunks are
// skipped, not fatal. Cached answers for the book are invalidated at
// the end so stale context never survives a re-index.
func (c *Core) IndexBook(ctx context.Context, book *models.Book) (*IndexResult, error) {
	ctx, span := observability.StartSpan(ctx, "core.index_book")
	defer span.End()
	span.SetAttribute("book_id", book.ID)

	stop := c.metrics.StartTimer("core.index.duration", nil)
	defer stop()

	chapters, err := c.chapters.GetChapters(ctx, book.ID)
	if err != nil {
		return nil, err
	}

	result := &IndexResult{Chapters: len(chapters)}
	for _, chapter := range chapters {
		chunks := c.chunker.Split(book.ID, chapter.Idx, chapter.Text)
		result.Chunks += len(chunks)

		for _, chunk := range chunks {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			vec, err := c.embedQuery(ctx, chunk.Text)
			if err != nil {
				return nil, err
			}
			embedding, err := c.vectors.StoreEmbedding(ctx, chunk.Text, vec, vector.StoreMetadata{
				BookID:     book.ID,
				UserID:     book.OwnerID,
				BookPublic: book.Public,
				ChapterIdx: chunk.Ref.ChapterIdx,
				Start:      chunk.Ref.Start,
				End:        chunk.Ref.End,
			})
			if err != nil {
				// Screened content is skipped; the rest of the book still indexes.
				result.Skipped++
				continue
			}
			result.Stored++
			if c.embedLog != nil {
				if err := c.embedLog.SaveEmbedding(ctx, embedding); err != nil {
					c.logger.Warn("Embedding persistence failed", map[string]interface{}{
						"book_id": book.ID,
						"error":   err.Error(),
					})
				}
			}
		}
	}

	if err := c.cache.InvalidateByDependency(ctx, "book:"+book.ID, cache.InvalidateOptions{
		Cascade: true,
		Reason:  "book reindexed",
	}); err != nil {
		c.logger.Warn("Invalidation after indexing failed", map[string]interface{}{
			"book_id": book.ID,
			"error":   err.Error(),
		})
	}

	c.logger.Info("Book indexed", map[string]interface{}{
		"book_id":  book.ID,
		"chapters": result.Chapters,
		"chunks":   result.Chunks,
		"stored":   result.Stored,
		"skipped":  result.Skipped,
	})
	c.metrics.RecordCounter("core.index.chunks", float64(result.Chunks), nil)
	return result, nil
}

// restoreBook reloads a book's persisted embeddings into the vector
// index after a cold start. Each book is attempted at most once per
// process; returns how many entries were added.
func (c *Core) restoreBook(ctx context.Context, bookID string) int {
	if c.embedLog == nil {
		return 0
	}

	c.restoreMu.Lock()
	if _, done := c.restored[bookID]; done {
		c.restoreMu.Unlock()
		return 0
	}
	c.restored[bookID] = struct{}{}
	c.restoreMu.Unlock()

	rows, err := c.embedLog.ListEmbeddings(ctx, bookID)
	if err != nil {
		c.logger.Warn("Embedding restore failed", map[string]interface{}{
			"book_id": bookID,
			"error":   err.Error(),
		})
		return 0
	}

	added := 0
	for _, embedding := range rows {
		if err := c.vectors.Index().Add(embedding); err != nil {
			continue
		}
		added++
	}
	if added > 0 {
		c.logger.Info("Vector index restored from persistence", map[string]interface{}{
			"book_id": bookID,
			"entries": added,
		})
		c.metrics.RecordCounter("core.index.restored", float64(added), nil)
	}
	return added
}
