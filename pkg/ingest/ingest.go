// Package ingest pulls pending messages from a source, runs them through
// the parser registry and commits the results to the ledger. Sources are
// polled; delivery is at-least-once and the ledger's dedup key makes the
// effects idempotent.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nvqanh/sochitieu/internal/metrics"
	"github.com/nvqanh/sochitieu/pkg/api"
	"github.com/nvqanh/sochitieu/pkg/parser"
)

// Source supplies pending messages and records their consumption.
// Fetch may return the same message again until MarkProcessed succeeds.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]api.Message, error)
	MarkProcessed(ctx context.Context, ids []string) error
}

// Config holds the scanner settings.
type Config struct {
	// UserID owns the records produced by this scanner.
	UserID string
	// Interval between sweeps. Defaults to 5 minutes.
	Interval time.Duration
}

// Scanner polls a source on an interval and commits parsed records.
type Scanner struct {
	source   Source
	registry *parser.Registry
	store    api.Ledger
	userID   string
	interval time.Duration
	logger   *slog.Logger
}

// New creates a scanner.
func New(source Source, registry *parser.Registry, store api.Ledger, cfg Config, logger *slog.Logger) (*Scanner, error) {
	if cfg.UserID == "" {
		return nil, fmt.Errorf("ingest scanner: empty user id")
	}
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		source:   source,
		registry: registry,
		store:    store,
		userID:   cfg.UserID,
		interval: cfg.Interval,
		logger:   logger,
	}, nil
}

// Run sweeps once immediately, then on every tick until the context is
// canceled. A failed sweep is logged and retried on the next tick.
func (s *Scanner) Run(ctx context.Context) error {
	if err := s.Sweep(ctx); err != nil {
		s.logger.Error("sweep failed", "source", s.source.Name(), "error", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scanner stopping", "source", s.source.Name(), "reason", ctx.Err())
			return ctx.Err()
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				s.logger.Error("sweep failed", "source", s.source.Name(), "error", err)
			}
		}
	}
}

// Sweep fetches pending messages, parses and commits them, then marks the
// handled messages processed. Messages no parser recognizes are marked
// too: refetching them would never produce a different answer.
func (s *Scanner) Sweep(ctx context.Context) error {
	start := time.Now()
	defer func() {
		metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}()

	msgs, err := s.source.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("fetching from %s: %w", s.source.Name(), err)
	}
	if len(msgs) == 0 {
		return nil
	}

	var recs []api.ExpenseRecord
	var done []string
	for _, msg := range msgs {
		rec := s.registry.Parse(msg)
		if rec == nil {
			metrics.ParseTotal.WithLabelValues("none", "miss").Inc()
			s.logger.Debug("no parser matched", "source", s.source.Name(), "message", msg.MessageID)
			if msg.MessageID != "" {
				done = append(done, msg.MessageID)
			}
			continue
		}
		metrics.ParseTotal.WithLabelValues("registry", "hit").Inc()
		if rec.Source == "" || rec.Source == api.SourceTgText {
			rec.Source = api.SourceScanner
		}
		if rec.Raw == "" {
			rec.Raw = msg.Content()
		}
		recs = append(recs, *rec)
		if msg.MessageID != "" {
			done = append(done, msg.MessageID)
		}
	}

	if len(recs) > 0 {
		ids, err := s.store.AppendMany(ctx, s.userID, recs)
		if err != nil {
			return fmt.Errorf("committing %d records: %w", len(recs), err)
		}
		metrics.AppendTotal.WithLabelValues("written").Add(float64(len(ids)))
		metrics.AppendTotal.WithLabelValues("skipped").Add(float64(len(recs) - len(ids)))
		s.logger.Info("sweep committed",
			"source", s.source.Name(),
			"fetched", len(msgs),
			"written", len(ids),
			"skipped", len(recs)-len(ids),
		)
	}

	if len(done) > 0 {
		if err := s.source.MarkProcessed(ctx, done); err != nil {
			// The records are committed; dedup absorbs the refetch.
			s.logger.Warn("marking processed failed", "source", s.source.Name(), "error", err)
		}
	}
	return nil
}
