// Package parser provides the ordered registry of per-source-format parsers.
package parser

import (
	"log/slog"

	"github.com/nvqanh/sochitieu/pkg/api"
)

// Registry tries parsers in registration order and returns the first
// successful record. Registration order is a correctness contract:
// source-specific parsers must register before the generic fallback,
// whose Match always succeeds.
type Registry struct {
	parsers []api.Parser
	logger  *slog.Logger
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register appends a parser to the ordered list.
func (r *Registry) Register(p api.Parser) {
	r.parsers = append(r.parsers, p)
}

// Parse returns the first non-nil record, or nil when no parser matches.
// A parser that errors or panics is treated as a non-match so one
// misbehaving format cannot block the others or the fallback.
func (r *Registry) Parse(msg api.Message) *api.ExpenseRecord {
	for _, p := range r.parsers {
		if rec := r.tryOne(p, msg); rec != nil {
			return rec
		}
	}
	return nil
}

func (r *Registry) tryOne(p api.Parser, msg api.Message) (rec *api.ExpenseRecord) {
	defer func() {
		if v := recover(); v != nil {
			r.logger.Warn("parser panicked", "parser", p.Name(), "panic", v)
			rec = nil
		}
	}()

	if !p.Match(msg) {
		return nil
	}
	rec, err := p.Parse(msg)
	if err != nil {
		r.logger.Debug("parser failed", "parser", p.Name(), "error", err)
		return nil
	}
	return rec
}
