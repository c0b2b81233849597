package remote

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nvqanh/sochitieu/pkg/api"
	"github.com/nvqanh/sochitieu/pkg/ledger"
)

func newTestClient(t *testing.T, h http.Handler) *Store {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	s, err := New(Config{
		BaseURL: srv.URL,
		APIKey:  "secret",
		Timeout: 2 * time.Second,
	}, slog.Default())
	if err != nil {
		t.Fatalf("creating client: %v", err)
	}
	return s
}

func TestAppend_SendsHeadersAndBody(t *testing.T) {
	var gotUser, gotKey string
	var gotRec api.ExpenseRecord

	s := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/records" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		gotUser = r.Header.Get("X-User-ID")
		gotKey = r.Header.Get("X-API-Key")
		if err := json.NewDecoder(r.Body).Decode(&gotRec); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "id": "abc-123"})
	}))

	id, err := s.Append(context.Background(), "u1", api.ExpenseRecord{Amount: -3000, Merchant: "trà sữa"})
	if err != nil {
		t.Fatalf("Append error: %v", err)
	}
	if id != "abc-123" {
		t.Errorf("id = %q, want abc-123", id)
	}
	if gotUser != "u1" || gotKey != "secret" {
		t.Errorf("headers: user %q key %q", gotUser, gotKey)
	}
	if gotRec.Amount != -3000 || gotRec.Merchant != "trà sữa" {
		t.Errorf("body: %+v", gotRec)
	}
}

func TestAppend_DuplicateSkipPassesThrough(t *testing.T) {
	s := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "id": ""})
	}))

	id, err := s.Append(context.Background(), "u1", api.ExpenseRecord{Amount: -1, Merchant: "x"})
	if err != nil {
		t.Fatalf("Append error: %v", err)
	}
	if id != "" {
		t.Errorf("id = %q, want empty for a dedup skip", id)
	}
}

func TestRetry_On500ThenSuccess(t *testing.T) {
	var calls atomic.Int32
	s := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "transient", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "id": "after-retry"})
	}))

	id, err := s.Append(context.Background(), "u1", api.ExpenseRecord{Amount: -1, Merchant: "x"})
	if err != nil {
		t.Fatalf("Append error: %v", err)
	}
	if id != "after-retry" {
		t.Errorf("id = %q", id)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestNoRetry_OnClientError(t *testing.T) {
	var calls atomic.Int32
	s := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad record", http.StatusBadRequest)
	}))

	if _, err := s.Append(context.Background(), "u1", api.ExpenseRecord{}); err == nil {
		t.Fatal("expected error for 400 response")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1 (no retry on 4xx)", calls.Load())
	}
}

func TestSoftDelete_NotFound(t *testing.T) {
	s := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))

	err := s.SoftDelete(context.Background(), "u1", "missing-id")
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestList_DecodesPage(t *testing.T) {
	s := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") != "2" || r.URL.Query().Get("limit") != "10" {
			t.Errorf("query = %v", r.URL.Query())
		}
		json.NewEncoder(w).Encode(map[string]any{
			"ok": true,
			"items": []map[string]any{
				{"id": "r1", "user_id": "u1", "date": "2025-08-17", "time": "09:00:00", "amount": -3000, "merchant": "trà sữa"},
			},
			"total": 11, "page": 2, "limit": 10, "hasMore": false,
		})
	}))

	page, err := s.List(context.Background(), "u1", 2, 10)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if page.Total != 11 || page.Page != 2 || page.Limit != 10 || page.HasMore {
		t.Errorf("page meta: %+v", page)
	}
	if len(page.Items) != 1 || page.Items[0].Amount != -3000 {
		t.Errorf("items: %+v", page.Items)
	}
}

func TestStats_Decodes(t *testing.T) {
	s := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"ok": true, "day": 3000, "month": 8000, "year": 15000, "today": "2025-08-17",
		})
	}))

	st, err := s.Stats(context.Background(), "u1", "2025-08-17")
	if err != nil {
		t.Fatalf("Stats error: %v", err)
	}
	if st.Day != 3000 || st.Month != 8000 || st.Year != 15000 {
		t.Errorf("stats: %+v", st)
	}
}

func TestUpdate_DecodesItem(t *testing.T) {
	s := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch || r.URL.Path != "/api/records/r1" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"ok":   true,
			"item": map[string]any{"id": "r1", "user_id": "u1", "date": "2025-08-17", "amount": -3500, "category": "Food"},
		})
	}))

	amt := int64(-3500)
	row, err := s.Update(context.Background(), "u1", "r1", api.UpdateFields{Amount: &amt})
	if err != nil {
		t.Fatalf("Update error: %v", err)
	}
	if row.ID != "r1" || row.Amount != -3500 || row.Category != "Food" {
		t.Errorf("row: %+v", row)
	}
}
