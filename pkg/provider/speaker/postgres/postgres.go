// Package postgres stores voiceprints in PostgreSQL with the pgvector
// extension and answers nearest-speaker queries through an HNSW cosine
// index.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/linkinwong/xiaozhi/pkg/provider/speaker"
)

var _ speaker.Store = (*Store)(nil)

// Store is a [speaker.Store] backed by a pgx connection pool. All operations
// are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// ddl returns the schema with the embedding dimension substituted. The
// dimension is baked into the column type when the table is first created.
func ddl(dimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS voiceprints (
    name        TEXT         PRIMARY KEY,
    embedding   vector(%d)   NOT NULL,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_voiceprints_embedding
    ON voiceprints USING hnsw (embedding vector_cosine_ops);
`, dimensions)
}

// NewStore connects to dsn, registers pgvector types on every connection
// and runs [Migrate].
//
// dimensions must match the embedder's output length. Changing it after the
// first migration requires dropping the table.
func NewStore(ctx context.Context, dsn string, dimensions int) (*Store, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("voiceprint store: dimensions must be positive, got %d", dimensions)
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("voiceprint store: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("voiceprint store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("voiceprint store: ping: %w", err)
	}
	if err := Migrate(ctx, pool, dimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("voiceprint store: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Migrate creates the voiceprints table and index if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool, dimensions int) error {
	if _, err := pool.Exec(ctx, ddl(dimensions)); err != nil {
		return fmt.Errorf("voiceprint migrate: %w", err)
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Upsert implements [speaker.Store].
func (s *Store) Upsert(ctx context.Context, v speaker.Voiceprint) error {
	const q = `
		INSERT INTO voiceprints (name, embedding, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE
		    SET embedding = EXCLUDED.embedding,
		        created_at = EXCLUDED.created_at`
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	if _, err := s.pool.Exec(ctx, q, v.Name, pgvector.NewVector(v.Embedding), v.CreatedAt); err != nil {
		return fmt.Errorf("voiceprint store: upsert %q: %w", v.Name, err)
	}
	return nil
}

// Delete implements [speaker.Store].
func (s *Store) Delete(ctx context.Context, name string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM voiceprints WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("voiceprint store: delete %q: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return speaker.ErrNotFound
	}
	return nil
}

// Nearest implements [speaker.Store]. Cosine distance from pgvector is
// converted back to similarity.
func (s *Store) Nearest(ctx context.Context, embedding []float32) (string, float64, error) {
	const q = `
		SELECT name, embedding <=> $1 AS distance
		FROM voiceprints
		ORDER BY embedding <=> $1
		LIMIT 1`
	var (
		name     string
		distance float64
	)
	err := s.pool.QueryRow(ctx, q, pgvector.NewVector(embedding)).Scan(&name, &distance)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", 0, speaker.ErrNoVoiceprints
	}
	if err != nil {
		return "", 0, fmt.Errorf("voiceprint store: nearest: %w", err)
	}
	return name, 1 - distance, nil
}

// List implements [speaker.Store].
func (s *Store) List(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT name FROM voiceprints ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("voiceprint store: list: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("voiceprint store: list: %w", err)
	}
	return names, nil
}
