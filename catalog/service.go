package catalog

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/krau/konavision/embedding"
	"github.com/krau/konavision/imageio"
)

var ErrFetch = errors.New("failed to fetch image")

// Fetcher downloads image bytes from a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

type HTTPFetcher struct {
	Client   *http.Client
	MaxBytes int64
}

func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{
		Client:   &http.Client{Timeout: 30 * time.Second},
		MaxBytes: 32 << 20,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, fmt.Errorf("%w: unsupported url %q", ErrFetch, url)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned %s", ErrFetch, url, resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	if int64(len(data)) > f.MaxBytes {
		return nil, fmt.Errorf("%w: image larger than %d bytes", ErrFetch, f.MaxBytes)
	}
	return data, nil
}

// Service finds products that look like a query image.
type Service struct {
	store     Store
	extractor embedding.Extractor
	fetcher   Fetcher
	limit     int
}

func NewService(store Store, extractor embedding.Extractor, fetcher Fetcher, limit int) *Service {
	if fetcher == nil {
		fetcher = NewHTTPFetcher()
	}
	if limit <= 0 {
		limit = 12
	}
	return &Service{store: store, extractor: extractor, fetcher: fetcher, limit: limit}
}

// AddProduct embeds the product image and stores it. When img is nil the
// image is downloaded from imageURL.
func (s *Service) AddProduct(ctx context.Context, name, imageURL string, img image.Image) (*Product, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("product name is required")
	}
	if img == nil {
		var err error
		if img, err = s.fetchImage(ctx, imageURL); err != nil {
			return nil, err
		}
	}
	vec, err := s.extractor.Embed(ctx, img)
	if err != nil {
		return nil, err
	}
	p := &Product{Name: name, ImageURL: imageURL, Embedding: vec}
	if err := s.store.Add(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to store product: %w", err)
	}
	slog.Info("Product added", slog.String("id", p.ID.String()), slog.String("name", name))
	return p, nil
}

func (s *Service) SearchByImage(ctx context.Context, img image.Image) ([]Match, error) {
	vec, err := s.extractor.Embed(ctx, img)
	if err != nil {
		return nil, err
	}
	matches, err := s.store.Search(ctx, vec, s.limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search products: %w", err)
	}
	return matches, nil
}

// Count returns the number of stored products.
func (s *Service) Count(ctx context.Context) (int, error) {
	n, err := s.store.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count products: %w", err)
	}
	return n, nil
}

func (s *Service) SearchByURL(ctx context.Context, url string) ([]Match, error) {
	img, err := s.fetchImage(ctx, url)
	if err != nil {
		return nil, err
	}
	return s.SearchByImage(ctx, img)
}

func (s *Service) fetchImage(ctx context.Context, url string) (image.Image, error) {
	data, err := s.fetcher.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	return imageio.DecodeBytes(data)
}
