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

// BookRepository handles database operations for books
type BookRepository struct {
	db     *sqlx.DB
	logger observability.Logger
}

// CreateBook inserts a book row
func (r *BookRepository) CreateBook(ctx context.Context, book *models.Book) error {
	query := `
		INSERT INTO books (id, owner_id, title, author, chapter_count, public_flag, created_at)
		VALUES (:id, :owner_id, :title, :author, :chapter_count, :public_flag, :created_at)`

	if _, err := r.db.NamedExecContext(ctx, query, book); err != nil {
		return apperrors.Dependency(err, "failed to create book")
	}
	r.logger.Info("Book created", map[string]interface{}{
		"book_id":  book.ID,
		"owner_id": book.OwnerID,
	})
	return nil
}

// GetBook returns the book by id regardless of ownership; callers
// apply ReadableBy.
func (r *BookRepository) GetBook(ctx context.Context, id string) (*models.Book, error) {
	query := `
		SELECT id, owner_id, title, author, chapter_count, public_flag, created_at
		FROM books WHERE id = $1`

	var book models.Book
	if err := r.db.GetContext(ctx, &book, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("book not found")
		}
		return nil, apperrors.Dependency(err, "failed to get book")
	}
	return &book, nil
}

// ListBooks returns the books owned by the user, newest first
func (r *BookRepository) ListBooks(ctx context.Context, ownerID string) ([]models.Book, error) {
	query := `
		SELECT id, owner_id, title, author, chapter_count, public_flag, created_at
		FROM books WHERE owner_id = $1
		ORDER BY created_at DESC`

	var books []models.Book
	if err := r.db.SelectContext(ctx, &books, query, ownerID); err != nil {
		return nil, apperrors.Dependency(err, "failed to list books")
	}
	return books, nil
}

// UpdateChapterCount refreshes the denormalized chapter count
func (r *BookRepository) UpdateChapterCount(ctx context.Context, bookID string, count int) error {
	query := `UPDATE books SET chapter_count = $2 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, bookID, count); err != nil {
		return apperrors.Dependency(err, "failed to update chapter count")
	}
	return nil
}

// DeleteBook removes the book and its chapter rows via schema cascade
func (r *BookRepository) DeleteBook(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM books WHERE id = $1`, id)
	if err != nil {
		return apperrors.Dependency(err, "failed to delete book")
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return apperrors.NotFound("book not found")
	}
	r.logger.Info("Book deleted", map[string]interface{}{"book_id": id})
	return nil
}
