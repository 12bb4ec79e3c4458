package catalog

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
)

var (
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrEmptyEmbedding    = errors.New("empty embedding")
)

type Product struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	ImageURL  string    `json:"imageUrl"`
	Embedding []float32 `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
}

type Match struct {
	Product
	Score float32 `json:"score"`
}

// Store persists products and ranks them by cosine similarity.
type Store interface {
	Add(ctx context.Context, p *Product) error
	Search(ctx context.Context, vec []float32, limit int) ([]Match, error)
	Count(ctx context.Context) (int, error)
}

// Cosine returns the cosine similarity of a and b, or 0 when either is zero.
func Cosine(a, b []float32) (float32, error) {
	if len(a) != len(b) {
		return 0, ErrDimensionMismatch
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0, nil
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb))), nil
}
