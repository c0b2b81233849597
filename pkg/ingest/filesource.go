package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/nvqanh/sochitieu/pkg/api"
)

// FileSource reads messages from a JSON-lines spool file, one api.Message
// per line. A sidecar file remembers processed message ids so restarts do
// not replay the whole spool. It suits mail-forwarding setups that drop
// exported notices into a directory.
type FileSource struct {
	path  string
	state string
}

// NewFileSource creates a source over the spool at path. State is kept in
// path + ".state".
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path, state: path + ".state"}
}

func (f *FileSource) Name() string { return "file:" + f.path }

// Fetch returns the spool's unprocessed messages. A missing spool file is
// an empty fetch, not an error.
func (f *FileSource) Fetch(ctx context.Context) ([]api.Message, error) {
	file, err := os.Open(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening spool: %w", err)
	}
	defer file.Close()

	seen, err := f.processed()
	if err != nil {
		return nil, err
	}

	var out []api.Message
	sc := bufio.NewScanner(file)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for sc.Scan() {
		line++
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		raw := sc.Bytes()
		if len(raw) == 0 {
			continue
		}
		var msg api.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("spool line %d: %w", line, err)
		}
		if msg.MessageID == "" {
			msg.MessageID = fmt.Sprintf("%s#%d", f.path, line)
		}
		if _, ok := seen[msg.MessageID]; ok {
			continue
		}
		out = append(out, msg)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading spool: %w", err)
	}
	return out, nil
}

// MarkProcessed appends ids to the state file.
func (f *FileSource) MarkProcessed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	file, err := os.OpenFile(f.state, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening spool state: %w", err)
	}
	defer file.Close()

	for _, id := range ids {
		if _, err := fmt.Fprintln(file, id); err != nil {
			return fmt.Errorf("writing spool state: %w", err)
		}
	}
	return nil
}

func (f *FileSource) processed() (map[string]struct{}, error) {
	seen := make(map[string]struct{})
	file, err := os.Open(f.state)
	if os.IsNotExist(err) {
		return seen, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening spool state: %w", err)
	}
	defer file.Close()

	sc := bufio.NewScanner(file)
	for sc.Scan() {
		if id := sc.Text(); id != "" {
			seen[id] = struct{}{}
		}
	}
	return seen, sc.Err()
}
