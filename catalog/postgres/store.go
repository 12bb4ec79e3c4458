package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/krau/konavision/catalog"
	pgvector "github.com/pgvector/pgvector-go"
)

// Store keeps products in PostgreSQL with the pgvector extension.
type Store struct {
	pool *pgxpool.Pool
	dim  int
}

// New connects to dsn and verifies the connection.
func New(ctx context.Context, dsn string, dim int) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool, dim: dim}, nil
}

// Init creates the extension and table if they do not exist.
func (s *Store) Init(ctx context.Context) error {
	if s.dim <= 0 {
		return fmt.Errorf("invalid embedding dimension %d", s.dim)
	}
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS products (
			id         UUID PRIMARY KEY,
			name       TEXT NOT NULL,
			image_url  TEXT NOT NULL DEFAULT '',
			embedding  vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`, s.dim),
	}
	for _, q := range stmts {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("failed to init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Add(ctx context.Context, p *catalog.Product) error {
	if len(p.Embedding) == 0 {
		return catalog.ErrEmptyEmbedding
	}
	if len(p.Embedding) != s.dim {
		return fmt.Errorf("%w: store has %d, product has %d", catalog.ErrDimensionMismatch, s.dim, len(p.Embedding))
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO products (id, name, image_url, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	if _, err := s.pool.Exec(ctx, query, p.ID, p.Name, p.ImageURL, pgvector.NewVector(p.Embedding), p.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert product: %w", err)
	}
	return nil
}

func (s *Store) Search(ctx context.Context, vec []float32, limit int) ([]catalog.Match, error) {
	if len(vec) != s.dim {
		return nil, fmt.Errorf("%w: store has %d, query has %d", catalog.ErrDimensionMismatch, s.dim, len(vec))
	}
	query := `
		SELECT id, name, image_url, embedding, created_at, 1 - (embedding <=> $1) AS score
		FROM products
		ORDER BY embedding <=> $1, created_at
		LIMIT $2
	`
	rows, err := s.pool.Query(ctx, query, pgvector.NewVector(vec), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search products: %w", err)
	}
	defer rows.Close()

	matches := make([]catalog.Match, 0, limit)
	for rows.Next() {
		var (
			m     catalog.Match
			emb   pgvector.Vector
			score float64
		)
		if err := rows.Scan(&m.ID, &m.Name, &m.ImageURL, &emb, &m.CreatedAt, &score); err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		m.Embedding = emb.Slice()
		m.Score = float32(score)
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate products: %w", err)
	}
	return matches, nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM products`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count products: %w", err)
	}
	return n, nil
}

func (s *Store) Close() {
	s.pool.Close()
}
