package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/gin-gonic/gin"
	"github.com/krau/konavision/catalog"
	"github.com/krau/konavision/catalog/postgres"
	"github.com/krau/konavision/clip"
	"github.com/krau/konavision/config"
	"github.com/krau/konavision/embedding"
	"github.com/krau/konavision/imageio"
	"github.com/krau/konavision/logger"
	"github.com/krau/konavision/onnx"
	"github.com/krau/konavision/server"
	"github.com/urfave/cli/v3"
)

var errNoCatalog = errors.New("catalog.dsn is not configured")

// setup loads configuration, installs the logger and initializes ONNX Runtime.
func setup(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.String("config"), cmd.String("env"))
	if err != nil {
		return nil, err
	}
	logger.New(logger.Config{Level: logger.ParseLevel(cfg.Log.Level), Format: cfg.Log.Format})

	if err := onnx.Init(cfg.Onnx.Libonnx); err != nil {
		return nil, err
	}
	return cfg, nil
}

func imageArg(cmd *cli.Command) (string, error) {
	if cmd.Args().Len() != 1 {
		return "", fmt.Errorf("expected exactly one image path, got %d arguments", cmd.Args().Len())
	}
	return cmd.Args().First(), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func loadClassifier(cfg *config.Config, labels []string) (*clip.Classifier, *clip.Model, error) {
	model, err := clip.Load(cfg.Clip, cfg.Onnx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load CLIP model: %w", err)
	}
	if len(labels) == 0 {
		labels = cfg.Clip.Labels
	}
	classifier, err := clip.New(model, model, clip.Options{
		Labels:     labels,
		TopK:       cfg.Clip.TopK,
		LogitScale: cfg.Clip.LogitScale,
	})
	if err != nil {
		model.Close()
		return nil, nil, err
	}
	return classifier, model, nil
}

func openStore(ctx context.Context, cfg *config.Config, dim int) (catalog.Store, func(), error) {
	if cfg.Catalog.DSN == "" {
		return catalog.NewMemoryStore(), func() {}, nil
	}
	store, err := postgres.New(ctx, cfg.Catalog.DSN, dim)
	if err != nil {
		return nil, nil, err
	}
	if err := store.Init(ctx); err != nil {
		store.Close()
		return nil, nil, err
	}
	return store, store.Close, nil
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := setup(cmd)
	if err != nil {
		return err
	}
	defer onnx.Destroy()

	model, err := embedding.Load(cfg.Embedding, cfg.Onnx)
	if err != nil {
		return fmt.Errorf("failed to load embedding model: %w", err)
	}
	defer model.Close()

	opts := []server.Option{server.WithDevice(model.Device())}
	if cfg.Clip.Enabled {
		classifier, clipModel, err := loadClassifier(cfg, nil)
		if err != nil {
			return err
		}
		defer clipModel.Close()
		opts = append(opts, server.WithClassifier(classifier))
	}

	store, closeStore, err := openStore(ctx, cfg, model.Dim())
	if err != nil {
		return fmt.Errorf("failed to open catalog: %w", err)
	}
	defer closeStore()
	opts = append(opts, server.WithCatalog(catalog.NewService(store, model, nil, cfg.Catalog.Limit)))

	gin.SetMode(gin.ReleaseMode)
	return server.New(cfg.Server, model, opts...).Run(ctx, cfg.Addr())
}

func classifyAction(ctx context.Context, cmd *cli.Command) error {
	path, err := imageArg(cmd)
	if err != nil {
		return err
	}
	cfg, err := setup(cmd)
	if err != nil {
		return err
	}
	defer onnx.Destroy()

	classifier, model, err := loadClassifier(cfg, cmd.StringSlice("label"))
	if err != nil {
		return err
	}
	defer model.Close()

	preds, err := classifier.Classify(ctx, path)
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, preds)
}

func embedAction(ctx context.Context, cmd *cli.Command) error {
	path, err := imageArg(cmd)
	if err != nil {
		return err
	}
	cfg, err := setup(cmd)
	if err != nil {
		return err
	}
	defer onnx.Destroy()

	img, err := imageio.Open(path)
	if err != nil {
		return err
	}
	model, err := embedding.Load(cfg.Embedding, cfg.Onnx)
	if err != nil {
		return fmt.Errorf("failed to load embedding model: %w", err)
	}
	defer model.Close()

	vec, err := model.Embed(ctx, img)
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, server.EmbeddingResponse{Embedding: vec})
}

// catalogService loads the embedding model and opens the configured
// PostgreSQL catalog. The returned func releases both.
func catalogService(ctx context.Context, cmd *cli.Command) (*catalog.Service, func(), error) {
	cfg, err := setup(cmd)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Catalog.DSN == "" {
		onnx.Destroy()
		return nil, nil, errNoCatalog
	}
	model, err := embedding.Load(cfg.Embedding, cfg.Onnx)
	if err != nil {
		onnx.Destroy()
		return nil, nil, fmt.Errorf("failed to load embedding model: %w", err)
	}
	store, closeStore, err := openStore(ctx, cfg, model.Dim())
	if err != nil {
		model.Close()
		onnx.Destroy()
		return nil, nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	cleanup := func() {
		closeStore()
		model.Close()
		onnx.Destroy()
	}
	return catalog.NewService(store, model, nil, cfg.Catalog.Limit), cleanup, nil
}

func catalogAddAction(ctx context.Context, cmd *cli.Command) error {
	svc, cleanup, err := catalogService(ctx, cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	p, err := svc.AddProduct(ctx, cmd.String("name"), cmd.String("image-url"), nil)
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, p)
}

func catalogSearchAction(ctx context.Context, cmd *cli.Command) error {
	path, err := imageArg(cmd)
	if err != nil {
		return err
	}
	img, err := imageio.Open(path)
	if err != nil {
		return err
	}
	svc, cleanup, err := catalogService(ctx, cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	matches, err := svc.SearchByImage(ctx, img)
	if err != nil {
		return err
	}
	slog.Debug("catalog search", slog.Int("matches", len(matches)))
	return printJSON(os.Stdout, matches)
}
