// Command parsecheck runs the parser chain over messages without touching
// the ledger. It reads JSON-lines spool files given as arguments, or one
// plain-text message from stdin, and prints each extracted record as JSON.
// Used to check parser output on collected samples.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/nvqanh/sochitieu/pkg/api"
	"github.com/nvqanh/sochitieu/pkg/config"
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
	loc, err := cfg.Location()
	if err != nil {
		logger.Error("failed to resolve time zone", "error", err)
		os.Exit(1)
	}

	registry := parser.New(logger)
	registry.Register(hsbc.New(loc))
	registry.Register(freetext.New(loc))

	msgs, err := collect(os.Args[1:])
	if err != nil {
		logger.Error("failed to read messages", "error", err)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	for _, msg := range msgs {
		rec := registry.Parse(msg)
		out := struct {
			MessageID string             `json:"message_id,omitempty"`
			Record    *api.ExpenseRecord `json:"record"`
		}{msg.MessageID, rec}
		if err := enc.Encode(out); err != nil {
			logger.Error("failed to encode record", "error", err)
			os.Exit(1)
		}
	}
}

// collect reads spool files, or a single stdin message when no paths are
// given.
func collect(paths []string) ([]api.Message, error) {
	if len(paths) == 0 {
		text, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}
		return []api.Message{{Text: string(text)}}, nil
	}

	var msgs []api.Message
	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", path, err)
		}
		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for sc.Scan() {
			line := sc.Bytes()
			if len(line) == 0 {
				continue
			}
			var msg api.Message
			if err := json.Unmarshal(line, &msg); err != nil {
				f.Close()
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
			msgs = append(msgs, msg)
		}
		if err := sc.Err(); err != nil {
			f.Close()
			return nil, fmt.Errorf("scanning %s: %w", path, err)
		}
		f.Close()
	}
	return msgs, nil
}
