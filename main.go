package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/krau/konavision/logger"
	"github.com/urfave/cli/v3"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// replaced by the configured logger once config is loaded
	logger.New(logger.DefaultConfig())

	if err := newApp().Run(ctx, os.Args); err != nil {
		slog.Error("konavision failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "konavision",
		Usage: "image embedding service and CLIP label classifier",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to config.toml",
				Value: "config.toml",
			},
			&cli.StringFlag{
				Name:  "env",
				Usage: "path to .env file",
				Value: ".env",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "load the models and serve the HTTP API",
				Action: serveAction,
			},
			{
				Name:      "classify",
				Usage:     "print the top matching labels for an image file",
				ArgsUsage: "<image>",
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:  "label",
						Usage: "candidate label (repeatable, overrides config)",
					},
				},
				Action: classifyAction,
			},
			{
				Name:      "embed",
				Usage:     "print the embedding of an image file",
				ArgsUsage: "<image>",
				Action:    embedAction,
			},
			{
				Name:  "catalog",
				Usage: "manage the product catalog (requires catalog.dsn)",
				Commands: []*cli.Command{
					{
						Name:  "add",
						Usage: "embed a product image and store it",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "name", Usage: "product name", Required: true},
							&cli.StringFlag{Name: "image-url", Usage: "product image URL", Required: true},
						},
						Action: catalogAddAction,
					},
					{
						Name:      "search",
						Usage:     "find products similar to an image file",
						ArgsUsage: "<image>",
						Action:    catalogSearchAction,
					},
				},
			},
		},
	}
}
