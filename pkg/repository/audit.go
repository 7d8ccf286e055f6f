package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/bookmesh/bookmesh/pkg/auth"
	apperrors "github.com/bookmesh/bookmesh/pkg/errors"
)

// AuditRepository persists flushed audit events. Implements
// auth.AuditStore; the table is append-only.
type AuditRepository struct {
	db *sqlx.DB
}

// InsertAuditEvents writes a flushed batch in one statement
func (r *AuditRepository) InsertAuditEvents(ctx context.Context, events []auth.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}
	query := `
		INSERT INTO audit_events (id, event_type, user_id, ip, user_agent, endpoint, request_id, success, detail, ts)
		VALUES (:id, :event_type, :user_id, :ip, :user_agent, :endpoint, :request_id, :success, :detail, :ts)`
	if _, err := r.db.NamedExecContext(ctx, query, events); err != nil {
		return apperrors.Dependency(err, "failed to insert audit events")
	}
	return nil
}
