// Package remote implements the ledger as a client of another sochitieu
// instance's HTTP API. It lets a lightweight process (the scanner, a CLI
// on a laptop) commit records through the household's central server.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/avast/retry-go"

	"github.com/nvqanh/sochitieu/pkg/api"
	"github.com/nvqanh/sochitieu/pkg/ledger"
)

// Config holds the remote ledger client configuration.
type Config struct {
	// BaseURL is the server root, e.g. "http://tracker.local:8080".
	BaseURL string
	// APIKey is sent as X-API-Key on every request.
	APIKey string
	// Timeout bounds a single HTTP attempt.
	Timeout time.Duration
	// Attempts is the number of tries for retryable failures.
	Attempts uint
}

// Store is an api.Ledger that talks to a sochitieu server.
type Store struct {
	base     string
	apiKey   string
	client   *http.Client
	attempts uint
	logger   *slog.Logger
}

// New creates the client. It does not contact the server.
func New(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("remote ledger: empty base URL")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("remote ledger: parsing base URL: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		base:     cfg.BaseURL,
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: cfg.Timeout},
		attempts: cfg.Attempts,
		logger:   logger,
	}, nil
}

// Close is a no-op; the client holds no connections of its own.
func (s *Store) Close() {}

// statusError carries an HTTP status through the retry predicate.
type statusError struct {
	code int
	msg  string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.code, e.msg)
}

func retryable(err error) bool {
	if se, ok := err.(*statusError); ok {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	// Transport errors (timeouts, refused connections) are worth a retry.
	var ue *url.Error
	return errors.As(err, &ue)
}

type envelope struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	ID    string          `json:"id,omitempty"`
	IDs   []string        `json:"ids,omitempty"`
	Item  json.RawMessage `json:"item,omitempty"`
	Items json.RawMessage `json:"items,omitempty"`

	Total   int  `json:"total,omitempty"`
	Page    int  `json:"page,omitempty"`
	Limit   int  `json:"limit,omitempty"`
	HasMore bool `json:"hasMore,omitempty"`

	Day   int64  `json:"day,omitempty"`
	Month int64  `json:"month,omitempty"`
	Year  int64  `json:"year,omitempty"`
	Today string `json:"today,omitempty"`
}

// do performs one API call with retries on 429/5xx and transport errors.
func (s *Store) do(ctx context.Context, method, path, userID string, query url.Values, body any) (*envelope, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request body: %w", err)
		}
	}

	u := s.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var env envelope
	err := retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(payload))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("X-User-ID", userID)
			if s.apiKey != "" {
				req.Header.Set("X-API-Key", s.apiKey)
			}

			resp, err := s.client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if err != nil {
				return fmt.Errorf("reading response: %w", err)
			}
			if resp.StatusCode == http.StatusNotFound {
				return ledger.ErrNotFound
			}
			if resp.StatusCode >= 400 {
				return &statusError{code: resp.StatusCode, msg: string(data)}
			}

			env = envelope{}
			if err := json.Unmarshal(data, &env); err != nil {
				return fmt.Errorf("decoding response: %w", err)
			}
			if !env.OK {
				return fmt.Errorf("server rejected request: %s", env.Error)
			}
			return nil
		},
		retry.RetryIf(func(err error) bool {
			if err == ledger.ErrNotFound {
				return false
			}
			if retryable(err) {
				s.logger.Warn("retrying remote ledger call", "method", method, "path", path, "error", err)
				return true
			}
			return false
		}),
		retry.Attempts(s.attempts),
		retry.Delay(500*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}
	return &env, nil
}

// Append posts one record. The server signals a dedup skip with an empty
// id, which is passed through.
func (s *Store) Append(ctx context.Context, userID string, rec api.ExpenseRecord) (string, error) {
	env, err := s.do(ctx, http.MethodPost, "/api/records", userID, nil, rec)
	if err != nil {
		return "", fmt.Errorf("appending record: %w", err)
	}
	return env.ID, nil
}

// AppendMany posts a batch of records.
func (s *Store) AppendMany(ctx context.Context, userID string, recs []api.ExpenseRecord) ([]string, error) {
	env, err := s.do(ctx, http.MethodPost, "/api/records/batch", userID,
		nil, map[string]any{"items": recs})
	if err != nil {
		return nil, fmt.Errorf("appending batch: %w", err)
	}
	return env.IDs, nil
}

// Update patches a record's fields.
func (s *Store) Update(ctx context.Context, userID, id string, fields api.UpdateFields) (api.Row, error) {
	env, err := s.do(ctx, http.MethodPatch, "/api/records/"+url.PathEscape(id), userID,
		nil, map[string]any{"fields": fields})
	if err != nil {
		return api.Row{}, fmt.Errorf("updating record %s: %w", id, err)
	}
	var row api.Row
	if err := json.Unmarshal(env.Item, &row); err != nil {
		return api.Row{}, fmt.Errorf("decoding updated record: %w", err)
	}
	return row, nil
}

// SoftDelete flags a record as deleted.
func (s *Store) SoftDelete(ctx context.Context, userID, id string) error {
	if _, err := s.do(ctx, http.MethodDelete, "/api/records/"+url.PathEscape(id), userID, nil, nil); err != nil {
		if err == ledger.ErrNotFound {
			return err
		}
		return fmt.Errorf("deleting record %s: %w", id, err)
	}
	return nil
}

// List fetches one page of active records.
func (s *Store) List(ctx context.Context, userID string, page, limit int) (api.Page, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	env, err := s.do(ctx, http.MethodGet, "/api/records", userID, q, nil)
	if err != nil {
		return api.Page{}, fmt.Errorf("listing records: %w", err)
	}

	out := api.Page{
		Total:   env.Total,
		Page:    env.Page,
		Limit:   env.Limit,
		HasMore: env.HasMore,
	}
	if len(env.Items) > 0 {
		if err := json.Unmarshal(env.Items, &out.Items); err != nil {
			return api.Page{}, fmt.Errorf("decoding records: %w", err)
		}
	}
	return out, nil
}

// Stats fetches the day/month/year expense totals.
func (s *Store) Stats(ctx context.Context, userID, today string) (api.Stats, error) {
	q := url.Values{}
	if today != "" {
		q.Set("today", today)
	}
	env, err := s.do(ctx, http.MethodGet, "/api/stats", userID, q, nil)
	if err != nil {
		return api.Stats{}, fmt.Errorf("reading stats: %w", err)
	}
	st := ledger.NewStats(env.Today)
	st.Day, st.Month, st.Year = env.Day, env.Month, env.Year
	return st, nil
}
