// Package store persists policy and learned approval patterns in PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Store provides access to the PostgreSQL database.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store backed by the given database connection pool.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS guardclaw_policy (
		id         SMALLINT    PRIMARY KEY DEFAULT 1 CHECK (id = 1),
		config     JSONB       NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS approval_patterns (
		key              TEXT             PRIMARY KEY,
		approve_count    INTEGER          NOT NULL DEFAULT 0,
		deny_count       INTEGER          NOT NULL DEFAULT 0,
		confidence       DOUBLE PRECISION NOT NULL DEFAULT 0,
		suggested_action TEXT             NOT NULL DEFAULT 'ask',
		last_seen        TIMESTAMPTZ      NOT NULL DEFAULT now()
	)`,
}

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("EnsureSchema: %w", err)
		}
	}
	return nil
}
