package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/bookmesh/bookmesh/pkg/errors"
	"github.com/bookmesh/bookmesh/pkg/models"
	"github.com/bookmesh/bookmesh/pkg/observability"
)

// EmbeddingRepository persists chapter embeddings. Vectors are stored
// as JSON arrays; similarity search happens in the in-memory index, the
// table exists so the index can be rebuilt on startup.
type EmbeddingRepository struct {
	db     *sqlx.DB
	logger observability.Logger
}

// embeddingRow is the storage shape of models.Embedding
type embeddingRow struct {
	ID                 string    `db:"id"`
	BookID             string    `db:"book_id"`
	UserID             string    `db:"user_id"`
	ConceptFingerprint string    `db:"concept_fingerprint"`
	Vector             []byte    `db:"vector"`
	Content            string    `db:"content"`
	ChapterIdx         int       `db:"chapter_idx"`
	Start              int       `db:"start_pos"`
	End                int       `db:"end_pos"`
	CreatedAt          time.Time `db:"created_at"`
	AccessCount        int64     `db:"access_count"`
	LastAccessedAt     time.Time `db:"last_accessed_at"`
}

func toRow(e *models.Embedding) (*embeddingRow, error) {
	vector, err := json.Marshal(e.Vector)
	if err != nil {
		return nil, err
	}
	return &embeddingRow{
		ID:                 e.ID,
		BookID:             e.BookID,
		UserID:             e.UserID,
		ConceptFingerprint: e.ConceptFingerprint,
		Vector:             vector,
		Content:            e.Content,
		ChapterIdx:         e.ChapterIdx,
		Start:              e.Start,
		End:                e.End,
		CreatedAt:          e.CreatedAt,
		AccessCount:        e.AccessCount,
		LastAccessedAt:     e.LastAccessedAt,
	}, nil
}

func (row *embeddingRow) toModel() (*models.Embedding, error) {
	var vector []float32
	if err := json.Unmarshal(row.Vector, &vector); err != nil {
		return nil, err
	}
	return &models.Embedding{
		ID:                 row.ID,
		BookID:             row.BookID,
		UserID:             row.UserID,
		ConceptFingerprint: row.ConceptFingerprint,
		Vector:             vector,
		Content:            row.Content,
		ChapterIdx:         row.ChapterIdx,
		Start:              row.Start,
		End:                row.End,
		CreatedAt:          row.CreatedAt,
		AccessCount:        row.AccessCount,
		LastAccessedAt:     row.LastAccessedAt,
	}, nil
}

// SaveEmbedding upserts an embedding row by id
func (r *EmbeddingRepository) SaveEmbedding(ctx context.Context, embedding *models.Embedding) error {
	row, err := toRow(embedding)
	if err != nil {
		return apperrors.Internal(err)
	}

	query := `
		INSERT INTO chapter_embeddings (
			id, book_id, user_id, concept_fingerprint, vector, content,
			chapter_idx, start_pos, end_pos, created_at, access_count, last_accessed_at
		) VALUES (
			:id, :book_id, :user_id, :concept_fingerprint, :vector, :content,
			:chapter_idx, :start_pos, :end_pos, :created_at, :access_count, :last_accessed_at
		)
		ON CONFLICT (id) DO UPDATE SET
			vector = EXCLUDED.vector,
			content = EXCLUDED.content,
			access_count = EXCLUDED.access_count,
			last_accessed_at = EXCLUDED.last_accessed_at`

	if _, err := r.db.NamedExecContext(ctx, query, row); err != nil {
		return apperrors.Dependency(err, "failed to save embedding")
	}
	return nil
}

// ListEmbeddings returns all embeddings of a book for index rebuilds
func (r *EmbeddingRepository) ListEmbeddings(ctx context.Context, bookID string) ([]*models.Embedding, error) {
	query := `
		SELECT id, book_id, user_id, concept_fingerprint, vector, content,
		       chapter_idx, start_pos, end_pos, created_at, access_count, last_accessed_at
		FROM chapter_embeddings WHERE book_id = $1`

	var rows []embeddingRow
	if err := r.db.SelectContext(ctx, &rows, query, bookID); err != nil {
		return nil, apperrors.Dependency(err, "failed to list embeddings")
	}

	out := make([]*models.Embedding, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toModel()
		if err != nil {
			r.logger.Warn("Skipping embedding with undecodable vector", map[string]interface{}{
				"embedding_id": rows[i].ID,
			})
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// TouchAccess bumps the access counter and timestamp
func (r *EmbeddingRepository) TouchAccess(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE chapter_embeddings
		SET access_count = access_count + 1, last_accessed_at = $2
		WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, at); err != nil {
		return apperrors.Dependency(err, "failed to touch embedding")
	}
	return nil
}

// DeleteStale removes embeddings never accessed since the cutoff with
// zero access count, the vector-store maintenance rule.
func (r *EmbeddingRepository) DeleteStale(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		DELETE FROM chapter_embeddings
		WHERE access_count = 0 AND last_accessed_at < $1`
	result, err := r.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, apperrors.Dependency(err, "failed to delete stale embeddings")
	}
	n, _ := result.RowsAffected()
	return n, nil
}
