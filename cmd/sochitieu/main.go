// Command sochitieu serves the expense ledger HTTP API.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nvqanh/sochitieu/internal/httpd"
	"github.com/nvqanh/sochitieu/internal/store"
	"github.com/nvqanh/sochitieu/pkg/config"
	"github.com/nvqanh/sochitieu/pkg/logging"
	"github.com/nvqanh/sochitieu/pkg/parser"
	"github.com/nvqanh/sochitieu/pkg/parser/freetext"
	"github.com/nvqanh/sochitieu/pkg/parser/hsbc"
)

func main() {
	// Setup logging
	logger := logging.Setup(logging.DefaultConfig())

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
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

	// Bank parsers first, free text last: registration order is match order.
	registry := parser.New(logger.With("component", "parser"))
	registry.Register(hsbc.New(loc))
	registry.Register(freetext.New(loc))

	srv := httpd.New(ledger, registry, cfg.APIKey, loc, logger.With("component", "http"))
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
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

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- httpServer.ListenAndServe()
	}()

	logger.Info("serving", "addr", cfg.HTTPAddr, "store", cfg.Store, "tz", cfg.TimeZone)

	select {
	case err := <-serveDone:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
	}

	logger.Info("sochitieu stopped")
}
