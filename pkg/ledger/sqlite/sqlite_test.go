package sqlite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nvqanh/sochitieu/pkg/api"
	"github.com/nvqanh/sochitieu/pkg/ledger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{
		Path:     filepath.Join(t.TempDir(), "ledger.db"),
		TimeZone: time.UTC,
		LockWait: time.Second,
	}, slog.Default())
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func rec(date, tod string, amount int64, merchant string) api.ExpenseRecord {
	return api.ExpenseRecord{Amount: amount, Merchant: merchant, Date: date, Time: tod}
}

func TestAppend_AndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Append(ctx, "u1", rec("2025-08-17", "09:00:00", -3000, "trà sữa"))
	if err != nil {
		t.Fatalf("Append error: %v", err)
	}
	if id == "" {
		t.Fatal("Append returned empty id for a fresh record")
	}

	page, err := s.List(ctx, "u1", 1, 20)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if page.Total != 1 || len(page.Items) != 1 {
		t.Fatalf("List = %+v, want one row", page)
	}
	got := page.Items[0]
	if got.ID != id || got.Amount != -3000 || got.Merchant != "trà sữa" || got.Deleted {
		t.Errorf("row = %+v", got)
	}
}

func TestAppend_DuplicateSkipped(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := rec("2025-08-17", "09:00:00", -3000, "Trà Sữa")
	if _, err := s.Append(ctx, "u1", r); err != nil {
		t.Fatalf("first Append error: %v", err)
	}

	// Same key modulo merchant case and spacing.
	dup := rec("2025-08-17", "09:00:00", -3000, "trà  sữa")
	dup.Note = "different note"
	id, err := s.Append(ctx, "u1", dup)
	if err != nil {
		t.Fatalf("duplicate Append error: %v", err)
	}
	if id != "" {
		t.Errorf("duplicate Append returned id %q, want empty", id)
	}

	page, err := s.List(ctx, "u1", 1, 20)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if page.Total != 1 {
		t.Errorf("Total = %d, want 1", page.Total)
	}
}

func TestAppend_OtherUserNotADuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := rec("2025-08-17", "09:00:00", -3000, "grab")
	if _, err := s.Append(ctx, "u1", r); err != nil {
		t.Fatalf("Append error: %v", err)
	}
	id, err := s.Append(ctx, "u2", r)
	if err != nil {
		t.Fatalf("Append error: %v", err)
	}
	if id == "" {
		t.Error("same record for another user was treated as a duplicate")
	}
}

func TestAppendMany_InBatchDedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	recs := []api.ExpenseRecord{
		rec("2025-08-17", "09:00:00", -3000, "trà sữa"),
		rec("2025-08-17", "09:00:00", -3000, "TRÀ SỮA"), // in-batch duplicate
		rec("2025-08-17", "10:00:00", -50000, "grab"),
	}
	ids, err := s.AppendMany(ctx, "u1", recs)
	if err != nil {
		t.Fatalf("AppendMany error: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("got %d ids, want 2: %v", len(ids), ids)
	}

	page, err := s.List(ctx, "u1", 1, 20)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if page.Total != 2 {
		t.Errorf("Total = %d, want 2", page.Total)
	}
}

func TestAppendMany_LargeBatchChunks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n := ledger.ChunkSize + 50
	recs := make([]api.ExpenseRecord, n)
	for i := range recs {
		recs[i] = rec("2025-08-17", fmt.Sprintf("%02d:%02d:%02d", i/3600, (i/60)%60, i%60), -1000, fmt.Sprintf("shop %d", i))
	}
	ids, err := s.AppendMany(ctx, "u1", recs)
	if err != nil {
		t.Fatalf("AppendMany error: %v", err)
	}
	if len(ids) != n {
		t.Fatalf("got %d ids, want %d", len(ids), n)
	}
}

func TestSoftDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Append(ctx, "u1", rec("2025-08-17", "09:00:00", -3000, "trà sữa"))
	if err != nil {
		t.Fatalf("Append error: %v", err)
	}

	if err := s.SoftDelete(ctx, "u1", id); err != nil {
		t.Fatalf("SoftDelete error: %v", err)
	}

	page, err := s.List(ctx, "u1", 1, 20)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if page.Total != 0 {
		t.Errorf("deleted row still listed: %+v", page)
	}

	// Second delete finds no active row.
	if err := s.SoftDelete(ctx, "u1", id); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("second SoftDelete = %v, want ErrNotFound", err)
	}
	// Wrong user cannot delete.
	id2, _ := s.Append(ctx, "u1", rec("2025-08-18", "09:00:00", -1000, "x"))
	if err := s.SoftDelete(ctx, "u2", id2); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("cross-user SoftDelete = %v, want ErrNotFound", err)
	}
}

func TestSoftDelete_FreesDedupKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := rec("2025-08-17", "09:00:00", -3000, "trà sữa")
	id, err := s.Append(ctx, "u1", r)
	if err != nil {
		t.Fatalf("Append error: %v", err)
	}
	if err := s.SoftDelete(ctx, "u1", id); err != nil {
		t.Fatalf("SoftDelete error: %v", err)
	}

	// The key only guards active rows, so the record can be re-added.
	id2, err := s.Append(ctx, "u1", r)
	if err != nil {
		t.Fatalf("re-Append error: %v", err)
	}
	if id2 == "" {
		t.Error("re-Append after delete was treated as a duplicate")
	}
}

func TestUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Append(ctx, "u1", rec("2025-08-17", "09:00:00", -3000, "trà sữa"))
	if err != nil {
		t.Fatalf("Append error: %v", err)
	}

	cat := "Food"
	amt := int64(-3500)
	row, err := s.Update(ctx, "u1", id, api.UpdateFields{Category: &cat, Amount: &amt})
	if err != nil {
		t.Fatalf("Update error: %v", err)
	}
	if row.Category != "Food" || row.Amount != -3500 {
		t.Errorf("updated row = %+v", row)
	}
	if row.Merchant != "trà sữa" {
		t.Errorf("untouched field changed: %+v", row)
	}

	if _, err := s.Update(ctx, "u1", "no-such-id", api.UpdateFields{Category: &cat}); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("Update unknown id = %v, want ErrNotFound", err)
	}
	if _, err := s.Update(ctx, "u2", id, api.UpdateFields{Category: &cat}); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("cross-user Update = %v, want ErrNotFound", err)
	}
}

func TestUpdate_RestoresDeletedRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Append(ctx, "u1", rec("2025-08-17", "09:00:00", -3000, "trà sữa"))
	if err != nil {
		t.Fatalf("Append error: %v", err)
	}
	if err := s.SoftDelete(ctx, "u1", id); err != nil {
		t.Fatalf("SoftDelete error: %v", err)
	}

	restore := false
	row, err := s.Update(ctx, "u1", id, api.UpdateFields{Deleted: &restore})
	if err != nil {
		t.Fatalf("Update on deleted row error: %v", err)
	}
	if row.Deleted {
		t.Error("row still flagged deleted after restore")
	}

	page, err := s.List(ctx, "u1", 1, 20)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if page.Total != 1 {
		t.Errorf("restored row not listed: %+v", page)
	}
}

func TestList_OrderAndPaging(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	dates := []string{"2025-08-01", "2025-08-03", "2025-08-02"}
	for i, d := range dates {
		if _, err := s.Append(ctx, "u1", rec(d, "12:00:00", -1000, fmt.Sprintf("shop %d", i))); err != nil {
			t.Fatalf("Append error: %v", err)
		}
	}

	page, err := s.List(ctx, "u1", 1, 20)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	wantOrder := []string{"2025-08-03", "2025-08-02", "2025-08-01"}
	for i, d := range wantOrder {
		if page.Items[i].Date != d {
			t.Fatalf("position %d: got %s, want %s", i, page.Items[i].Date, d)
		}
	}

	// Limit below the floor clamps to 10; an out-of-range page is empty.
	page, err = s.List(ctx, "u1", 2, 3)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if page.Limit != 10 {
		t.Errorf("Limit = %d, want 10", page.Limit)
	}
	if len(page.Items) != 0 || page.HasMore {
		t.Errorf("page 2 = %+v, want empty and no more", page)
	}
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seed := []api.ExpenseRecord{
		rec("2025-08-17", "08:00:00", -3000, "a"),
		rec("2025-08-02", "08:00:00", -5000, "b"),
		rec("2025-01-15", "08:00:00", -7000, "c"),
		rec("2024-12-31", "08:00:00", -9000, "d"),
		rec("2025-08-17", "08:00:00", 100000, "salary"), // income not counted
	}
	if _, err := s.AppendMany(ctx, "u1", seed); err != nil {
		t.Fatalf("AppendMany error: %v", err)
	}

	st, err := s.Stats(ctx, "u1", "2025-08-17")
	if err != nil {
		t.Fatalf("Stats error: %v", err)
	}
	if st.Day != 3000 || st.Month != 8000 || st.Year != 15000 {
		t.Errorf("Stats = %+v, want day 3000, month 8000, year 15000", st)
	}
}

func TestRawRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	raw := "Thêm 3k trà sữa"
	r := rec("2025-08-17", "09:00:00", -3000, "trà sữa")
	r.Raw = raw
	id, err := s.Append(ctx, "u1", r)
	if err != nil {
		t.Fatalf("Append error: %v", err)
	}

	// Stored form is compressed, the read path decodes it transparently.
	var stored string
	if err := s.db.QueryRow(`SELECT raw FROM transactions WHERE id = ?`, id).Scan(&stored); err != nil {
		t.Fatalf("reading stored raw: %v", err)
	}
	if !strings.HasPrefix(stored, "gz:") {
		t.Errorf("stored raw not compressed: %q", stored)
	}

	page, err := s.List(ctx, "u1", 1, 10)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if page.Items[0].Raw != raw {
		t.Errorf("raw: got %q, want %q", page.Items[0].Raw, raw)
	}
}

func TestNormalizeDefaultsApplied(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Append(ctx, "u1", api.ExpenseRecord{Amount: -42000})
	if err != nil {
		t.Fatalf("Append error: %v", err)
	}
	if id == "" {
		t.Fatal("Append returned empty id")
	}

	page, err := s.List(ctx, "u1", 1, 10)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	got := page.Items[0]
	if got.Date == "" || got.Time == "" {
		t.Errorf("defaults not filled: %+v", got)
	}
	if got.Category != "Uncategorized" || got.Source != api.SourceManual || got.Merchant != "Manual" {
		t.Errorf("defaults: %+v", got)
	}
}

func TestAppend_RejectsEmptyRecord(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Append(context.Background(), "u1", api.ExpenseRecord{}); !errors.Is(err, ledger.ErrInvalid) {
		t.Errorf("Append(empty) = %v, want ErrInvalid", err)
	}
}
