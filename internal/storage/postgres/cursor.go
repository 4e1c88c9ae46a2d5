package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CursorStore persists pipeline cursors in Postgres, one row per pipeline
// name. Satisfies chain.CursorStore.
type CursorStore struct {
	pool *pgxpool.Pool
	name string
}

// NewCursorStore connects to Postgres and ensures the cursor table exists.
func NewCursorStore(ctx context.Context, dsn, name string) (*CursorStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	if name == "" {
		return nil, fmt.Errorf("cursor name is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	store := &CursorStore{pool: pool, name: name}
	if err := store.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *CursorStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *CursorStore) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS watch_cursor (
			name TEXT PRIMARY KEY,
			last_processed_block BIGINT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure cursor table: %w", err)
	}
	return nil
}

// Load returns the persisted last processed block for this pipeline.
func (s *CursorStore) Load(ctx context.Context) (uint64, bool, error) {
	var block int64
	row := s.pool.QueryRow(ctx, `SELECT last_processed_block FROM watch_cursor WHERE name=$1`, s.name)
	if err := row.Scan(&block); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return uint64(block), true, nil
}

// Save upserts the last processed block for this pipeline.
func (s *CursorStore) Save(ctx context.Context, block uint64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO watch_cursor (name, last_processed_block, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (name) DO UPDATE
		SET last_processed_block = EXCLUDED.last_processed_block, updated_at = now()
	`, s.name, int64(block))
	return err
}
