// Package primary implements store.Store on PostgreSQL using pgx. All
// multi-row invariants (job+tasks creation, worker assignment) run in a
// single transaction; single-row CAS transitions use conditional UPDATEs.
package primary

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"taxflow/internal/store"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	db *pgxpool.Pool
}

// NewStore creates a new PostgreSQL store and verifies connectivity.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("database DSN cannot be empty")
	}
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database DSN: %w", err)
	}

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := dbpool.Ping(ctx); err != nil {
		dbpool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	s := &Store{db: dbpool}
	if err := s.ensureSchema(ctx); err != nil {
		dbpool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return s, nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection pool.
func (s *Store) Close() {
	s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, schema)
	return err
}
