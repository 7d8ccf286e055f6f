package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/bookmesh/bookmesh/pkg/auth"
	apperrors "github.com/bookmesh/bookmesh/pkg/errors"
)

// WindowRepository persists sliding-window rate-limit rows. It
// implements auth.WindowStore; the limiter fails closed on any error
// returned here.
type WindowRepository struct {
	db *sqlx.DB
}

// PurgeBefore removes rows for the key older than the cutoff
func (r *WindowRepository) PurgeBefore(ctx context.Context, key string, cutoff time.Time) error {
	query := `DELETE FROM rate_limit_entries WHERE window_key = $1 AND ts < $2`
	if _, err := r.db.ExecContext(ctx, query, key, cutoff); err != nil {
		return apperrors.Dependency(err, "failed to purge rate limit rows")
	}
	return nil
}

// Count returns the remaining rows for the key
func (r *WindowRepository) Count(ctx context.Context, key string) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM rate_limit_entries WHERE window_key = $1`
	if err := r.db.GetContext(ctx, &count, query, key); err != nil {
		return 0, apperrors.Dependency(err, "failed to count rate limit rows")
	}
	return count, nil
}

// Insert records a new request row
func (r *WindowRepository) Insert(ctx context.Context, row auth.WindowRow) error {
	query := `
		INSERT INTO rate_limit_entries (id, window_key, ts, ip, user_agent, endpoint)
		VALUES (:id, :window_key, :ts, :ip, :user_agent, :endpoint)`
	if _, err := r.db.NamedExecContext(ctx, query, row); err != nil {
		return apperrors.Dependency(err, "failed to insert rate limit row")
	}
	return nil
}
