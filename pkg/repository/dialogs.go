package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/bookmesh/bookmesh/pkg/errors"
	"github.com/bookmesh/bookmesh/pkg/models"
	"github.com/bookmesh/bookmesh/pkg/observability"
)

// DialogRepository persists chat transcripts. The core appends a turn
// pair after each successful answer.
type DialogRepository struct {
	db     *sqlx.DB
	logger observability.Logger
}

// CreateDialog inserts a dialog row
func (r *DialogRepository) CreateDialog(ctx context.Context, dialog *models.Dialog) error {
	query := `
		INSERT INTO dialogs (id, user_id, book_id, created_at)
		VALUES (:id, :user_id, :book_id, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, dialog); err != nil {
		return apperrors.Dependency(err, "failed to create dialog")
	}
	return nil
}

// AppendMessages writes dialog turns in order
func (r *DialogRepository) AppendMessages(ctx context.Context, messages []models.Message) error {
	if len(messages) == 0 {
		return nil
	}
	query := `
		INSERT INTO messages (id, dialog_id, role, content, created_at)
		VALUES (:id, :dialog_id, :role, :content, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, messages); err != nil {
		return apperrors.Dependency(err, "failed to append messages")
	}
	return nil
}

// GetMessages returns the dialog transcript in order
func (r *DialogRepository) GetMessages(ctx context.Context, dialogID string) ([]models.Message, error) {
	query := `
		SELECT id, dialog_id, role, content, created_at
		FROM messages WHERE dialog_id = $1
		ORDER BY created_at ASC`
	var messages []models.Message
	if err := r.db.SelectContext(ctx, &messages, query, dialogID); err != nil {
		return nil, apperrors.Dependency(err, "failed to get messages")
	}
	return messages, nil
}
