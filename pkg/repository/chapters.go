package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/bookmesh/bookmesh/pkg/errors"
	"github.com/bookmesh/bookmesh/pkg/models"
	"github.com/bookmesh/bookmesh/pkg/observability"
)

// ChapterRepository handles database operations for chapters. It
// implements providers.ChapterStore.
type ChapterRepository struct {
	db     *sqlx.DB
	logger observability.Logger
}

// CreateChapter inserts a chapter; (book_id, idx) is unique
func (r *ChapterRepository) CreateChapter(ctx context.Context, chapter *models.Chapter) error {
	query := `
		INSERT INTO chapters (id, book_id, idx, title, text, word_count)
		VALUES (:id, :book_id, :idx, :title, :text, :word_count)`

	if _, err := r.db.NamedExecContext(ctx, query, chapter); err != nil {
		return apperrors.Dependency(err, "failed to create chapter")
	}
	return nil
}

// GetChapters returns all chapters of a book ordered by index
func (r *ChapterRepository) GetChapters(ctx context.Context, bookID string) ([]models.Chapter, error) {
	query := `
		SELECT id, book_id, idx, title, text, word_count
		FROM chapters WHERE book_id = $1
		ORDER BY idx ASC`

	var chapters []models.Chapter
	if err := r.db.SelectContext(ctx, &chapters, query, bookID); err != nil {
		return nil, apperrors.Dependency(err, "failed to get chapters")
	}
	return chapters, nil
}

// GetChapter returns a single chapter by index
func (r *ChapterRepository) GetChapter(ctx context.Context, bookID string, idx int) (*models.Chapter, error) {
	query := `
		SELECT id, book_id, idx, title, text, word_count
		FROM chapters WHERE book_id = $1 AND idx = $2`

	var chapter models.Chapter
	if err := r.db.GetContext(ctx, &chapter, query, bookID, idx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("chapter not found")
		}
		return nil, apperrors.Dependency(err, "failed to get chapter")
	}
	return &chapter, nil
}
