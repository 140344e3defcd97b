package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"fitsqa/internal/cli"
	"fitsqa/internal/config"
	"fitsqa/internal/logging"
	"fitsqa/internal/pipeline"
	"fitsqa/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fitsqa:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, closer, err := logging.Setup(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	store, err := storage.Open(cfg.Storage.Driver, cfg.Paths.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipe, err := pipeline.New(ctx, cfg, logger, store)
	if err != nil {
		return err
	}
	defer pipe.Stop()

	cmd := cli.NewRootCmd(cfg, logger, store, pipe)
	cmd.SilenceErrors = true
	return cmd.ExecuteContext(ctx)
}
