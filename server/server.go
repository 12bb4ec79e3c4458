package server

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/krau/konavision/catalog"
	"github.com/krau/konavision/clip"
	"github.com/krau/konavision/config"
	"github.com/krau/konavision/embedding"
)

// Classifier is the part of clip.Classifier the HTTP layer needs.
type Classifier interface {
	ClassifyImage(ctx context.Context, img image.Image, labels []string) ([]clip.Prediction, error)
	Labels() []string
}

type Server struct {
	cfg        config.ServerConfig
	embedder   embedding.Extractor
	classifier Classifier
	catalog    *catalog.Service
	device     string
	engine     *gin.Engine
}

type Option func(*Server)

func WithClassifier(c Classifier) Option {
	return func(s *Server) { s.classifier = c }
}

func WithCatalog(c *catalog.Service) Option {
	return func(s *Server) { s.catalog = c }
}

func WithDevice(device string) Option {
	return func(s *Server) { s.device = device }
}

// New wires the routes. embedder must be non-nil; classifier and catalog
// routes are registered only when those options are given.
func New(cfg config.ServerConfig, embedder embedding.Extractor, opts ...Option) *Server {
	s := &Server{cfg: cfg, embedder: embedder}
	for _, opt := range opts {
		opt(s)
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(), bodyLimit(cfg.BodyLimit), s.authenticate)
	r.GET("/health", s.HealthHandler)
	r.POST("/get-embedding", s.EmbeddingHandler)
	if s.classifier != nil {
		r.POST("/classify", s.ClassifyHandler)
	}
	if s.catalog != nil {
		api := r.Group("/api/products")
		api.POST("", s.AddProductHandler)
		api.POST("/upload", s.UploadSearchHandler)
		api.POST("/by-url", s.URLSearchHandler)
	}
	s.engine = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Listening on", slog.String("address", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
