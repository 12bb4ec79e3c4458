package catalog

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps products in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	products []Product
	dim      int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Add(_ context.Context, p *Product) error {
	if len(p.Embedding) == 0 {
		return ErrEmptyEmbedding
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dim != 0 && len(p.Embedding) != s.dim {
		return fmt.Errorf("%w: store has %d, product has %d", ErrDimensionMismatch, s.dim, len(p.Embedding))
	}
	s.dim = len(p.Embedding)
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	stored := *p
	stored.Embedding = slices.Clone(p.Embedding)
	s.products = append(s.products, stored)
	return nil
}

func (s *MemoryStore) Search(_ context.Context, vec []float32, limit int) ([]Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]Match, 0, len(s.products))
	for _, p := range s.products {
		score, err := Cosine(vec, p.Embedding)
		if err != nil {
			return nil, fmt.Errorf("%w: query has %d, store has %d", err, len(vec), len(p.Embedding))
		}
		matches = append(matches, Match{Product: p, Score: score})
	}
	slices.SortStableFunc(matches, func(a, b Match) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		default:
			return 0
		}
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (s *MemoryStore) Count(context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.products), nil
}
