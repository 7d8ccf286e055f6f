// Command migrate applies the embedded schema migrations through
// golang-migrate, which tracks the applied version and dirty state in
// the schema_migrations table.
package main

import (
	"context"
	"embed"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

//go:embed sql/*.sql
var migrationFS embed.FS

var (
	dsn     = flag.String("dsn", os.Getenv("DATABASE_DSN"), "Database connection string")
	version = flag.Bool("version", false, "Show the current migration version and exit")
	steps   = flag.Int("steps", 0, "Apply only this many migrations; negative rolls back")
	timeout = flag.Duration("timeout", time.Minute, "Migration timeout")
)

func main() {
	flag.Parse()
	if *dsn == "" {
		fmt.Println("Error: -dsn or DATABASE_DSN is required")
		flag.Usage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sqlx.ConnectContext(ctx, "postgres", *dsn)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer func() { _ = db.Close() }()

	migrator, err := newMigrator(db)
	if err != nil {
		log.Fatalf("Failed to create migrator: %v", err)
	}
	defer migrator.Close()

	if *version {
		v, dirty, err := migrator.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			fmt.Println("No migrations applied")
			return
		}
		if err != nil {
			log.Fatalf("Failed to read migration version: %v", err)
		}
		if dirty {
			log.Fatalf("Database is dirty at version %d", v)
		}
		fmt.Printf("Current version: %d\n", v)
		return
	}

	// migrate.Migrate has no context support; run it aside so the
	// timeout still applies.
	done := make(chan error, 1)
	go func() {
		var err error
		if *steps != 0 {
			err = migrator.Steps(*steps)
		} else {
			err = migrator.Up()
		}
		if errors.Is(err, migrate.ErrNoChange) {
			log.Println("No migrations to run")
			err = nil
		}
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		log.Println("Migrations applied")
	case <-ctx.Done():
		log.Fatalf("Migration timeout after %s", *timeout)
	}
}

// newMigrator wires the embedded sql/ directory and the open
// connection into a migrate instance.
func newMigrator(db *sqlx.DB) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationFS, "sql")
	if err != nil {
		return nil, fmt.Errorf("failed to load embedded migrations: %w", err)
	}
	driver, err := postgres.WithInstance(db.DB, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}
	return migrate.NewWithInstance("iofs", source, "postgres", driver)
}
