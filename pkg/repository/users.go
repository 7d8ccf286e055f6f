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

// UserRepository handles database operations for users
type UserRepository struct {
	db     *sqlx.DB
	logger observability.Logger
}

// CreateUser inserts a user row; emails are unique
func (r *UserRepository) CreateUser(ctx context.Context, user *models.User) error {
	query := `
		INSERT INTO users (id, email, created_at)
		VALUES (:id, :email, :created_at)`

	if _, err := r.db.NamedExecContext(ctx, query, user); err != nil {
		return apperrors.Dependency(err, "failed to create user")
	}
	r.logger.Info("User created", map[string]interface{}{"user_id": user.ID})
	return nil
}

// GetUser returns the user by id
func (r *UserRepository) GetUser(ctx context.Context, id string) (*models.User, error) {
	query := `SELECT id, email, created_at FROM users WHERE id = $1`

	var user models.User
	if err := r.db.GetContext(ctx, &user, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("user not found")
		}
		return nil, apperrors.Dependency(err, "failed to get user")
	}
	return &user, nil
}

// GetUserByEmail returns the user by unique email
func (r *UserRepository) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	query := `SELECT id, email, created_at FROM users WHERE email = $1`

	var user models.User
	if err := r.db.GetContext(ctx, &user, query, email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.NotFound("user not found")
		}
		return nil, apperrors.Dependency(err, "failed to get user by email")
	}
	return &user, nil
}

// DeleteUser removes the user; ownership-scoped rows cascade in the
// schema.
func (r *UserRepository) DeleteUser(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return apperrors.Dependency(err, "failed to delete user")
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return apperrors.NotFound("user not found")
	}
	r.logger.Info("User deleted", map[string]interface{}{"user_id": id})
	return nil
}
