// Command scanner sweeps a message spool on an interval, parses each
// message and commits the results to the ledger.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nvqanh/sochitieu/internal/store"
	"github.com/nvqanh/sochitieu/pkg/config"
	"github.com/nvqanh/sochitieu/pkg/ingest"
	"github.com/nvqanh/sochitieu/pkg/logging"
	"github.com/nvqanh/sochitieu/pkg/parser"
	"github.com/nvqanh/sochitieu/pkg/parser/freetext"
	"github.com/nvqanh/sochitieu/pkg/parser/hsbc"
)

func main() {
	logger := logging.Setup(logging.DefaultConfig())

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.ScanUser == "" {
		logger.Error("SOCHITIEU_SCAN_USER environment variable is required")
		os.Exit(1)
	}

	loc, err := cfg.Location()
	if err != nil {
		logger.Error("failed to resolve time zone", "error", err)
		os.Exit(1)
	}

	ledger, err := store.Open(cfg, loc, logger.With("component", "ledger"))
	if err != nil {
		logger.Error("failed to open ledger", "error", err)
		os.Exit(1)
	}
	defer ledger.Close()

	registry := parser.New(logger.With("component", "parser"))
	registry.Register(hsbc.New(loc))
	registry.Register(freetext.New(loc))

	source := ingest.NewFileSource(cfg.SpoolPath)
	scanner, err := ingest.New(source, registry, ledger, ingest.Config{
		UserID:   cfg.ScanUser,
		Interval: time.Duration(cfg.ScanIntervalSec) * time.Second,
	}, logger.With("component", "scanner"))
	if err != nil {
		logger.Error("failed to create scanner", "error", err)
		os.Exit(1)
	}

	// Setup context with cancellation on SIGINT/SIGTERM
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	logger.Info("starting scanner",
		"spool", cfg.SpoolPath,
		"user", cfg.ScanUser,
		"interval_sec", cfg.ScanIntervalSec,
	)
	if err := scanner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("scanner error", "error", err)
		os.Exit(1)
	}

	logger.Info("scanner stopped")
}
