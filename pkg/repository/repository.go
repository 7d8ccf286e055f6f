// Package repository is the sqlx persistence adapter: users, books,
// chapters, chapter embeddings, rate-limit window rows, audit events,
// and dialog transcripts. The core depends on interfaces defined next
// to their consumers; this package implements them over Postgres.
package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/bookmesh/bookmesh/pkg/observability"
)

// Config holds database connection settings
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns the default pool settings
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// Store bundles the table-scoped repositories over one connection pool
type Store struct {
	db     *sqlx.DB
	logger observability.Logger

	Users      *UserRepository
	Books      *BookRepository
	Chapters   *ChapterRepository
	Embeddings *EmbeddingRepository
	Windows    *WindowRepository
	Audit      *AuditRepository
	Dialogs    *DialogRepository
}

// Connect opens the pool and constructs the repositories
func Connect(config Config, logger observability.Logger) (*Store, error) {
	db, err := sqlx.Connect("postgres", config.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if config.MaxOpenConns > 0 {
		db.SetMaxOpenConns(config.MaxOpenConns)
	}
	if config.MaxIdleConns > 0 {
		db.SetMaxIdleConns(config.MaxIdleConns)
	}
	if config.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(config.ConnMaxLifetime)
	}
	return NewStore(db, logger), nil
}

// NewStore builds a store over an existing pool, used by tests
func NewStore(db *sqlx.DB, logger observability.Logger) *Store {
	if logger == nil {
		logger = observability.NewLogger("repository")
	}
	return &Store{
		db:         db,
		logger:     logger,
		Users:      &UserRepository{db: db, logger: logger},
		Books:      &BookRepository{db: db, logger: logger},
		Chapters:   &ChapterRepository{db: db, logger: logger},
		Embeddings: &EmbeddingRepository{db: db, logger: logger},
		Windows:    &WindowRepository{db: db},
		Audit:      &AuditRepository{db: db},
		Dialogs:    &DialogRepository{db: db, logger: logger},
	}
}

// Ping verifies database connectivity for health checks
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the connection pool
func (s *Store) Close() error {
	return s.db.Close()
}
