package main

import (
	"context"
	"fmt"
	"os"

	"astrostack/internal/cli"
	"astrostack/internal/config"
	"astrostack/internal/logging"
	"astrostack/internal/pipeline"
	"astrostack/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "astrostack:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logging.Setup(cfg)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		// config validate reports the details; jobs fail on the bad values
		log.Warn("configuration has invalid values", "error", err)
	}

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pipe := pipeline.New(ctx, cfg, log, store)
	defer pipe.Stop()

	return cli.NewRootCmd(cfg, log, store, pipe).ExecuteContext(ctx)
}
