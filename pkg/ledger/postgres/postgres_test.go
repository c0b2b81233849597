package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/nvqanh/sochitieu/pkg/api"
)

// TestNew_ConnectionFailure tests that the store returns an error when the
// database is unreachable.
func TestNew_ConnectionFailure(t *testing.T) {
	cfg := Config{
		Host:     "nonexistent-host",
		Port:     5432,
		Database: "sochitieu",
		User:     "sochitieu",
		Password: "password",
		SSLMode:  "disable",
	}

	_, err := New(cfg, slog.New(slog.NewTextHandler(os.Stdout, nil)))
	if err == nil {
		t.Error("expected error when connecting to nonexistent host, got nil")
	}
}

func TestLockID_Deterministic(t *testing.T) {
	if lockID("u1") != lockID("u1") {
		t.Error("lockID not deterministic for the same user")
	}
	if lockID("u1") == lockID("u2") {
		t.Error("lockID collides for different users")
	}
}

func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	if os.Getenv("TEST_POSTGRES_HOST") == "" {
		t.Skip("TEST_POSTGRES_HOST not set, skipping integration test")
	}
	loc, _ := time.LoadLocation("Asia/Ho_Chi_Minh")
	cfg := Config{
		Host:     os.Getenv("TEST_POSTGRES_HOST"),
		Database: os.Getenv("TEST_POSTGRES_DB"),
		User:     os.Getenv("TEST_POSTGRES_USER"),
		Password: os.Getenv("TEST_POSTGRES_PASSWORD"),
		TimeZone: loc,
	}
	s, err := New(cfg, slog.New(slog.NewTextHandler(os.Stdout, nil)))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

// TestAppend_Dedup exercises the dedup path against a real database.
func TestAppend_Dedup(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	user := fmt.Sprintf("it-%d", time.Now().UnixNano())

	rec := api.ExpenseRecord{
		Amount: -397250, Merchant: "BHX_5236",
		Date: "2024-06-05", Time: "10:00:00",
	}
	id, err := s.Append(ctx, user, rec)
	if err != nil {
		t.Fatalf("Append error: %v", err)
	}
	if id == "" {
		t.Fatal("Append returned empty id for a fresh record")
	}

	dup, err := s.Append(ctx, user, rec)
	if err != nil {
		t.Fatalf("duplicate Append error: %v", err)
	}
	if dup != "" {
		t.Errorf("duplicate Append returned id %q, want empty", dup)
	}

	page, err := s.List(ctx, user, 1, 10)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if page.Total != 1 {
		t.Errorf("Total = %d, want 1", page.Total)
	}
}

// TestStats_Buckets exercises the SQL aggregation against a real database.
func TestStats_Buckets(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	user := fmt.Sprintf("it-%d", time.Now().UnixNano())

	recs := []api.ExpenseRecord{
		{Amount: -3000, Merchant: "a", Date: "2025-08-17", Time: "08:00:00"},
		{Amount: -5000, Merchant: "b", Date: "2025-08-02", Time: "08:00:00"},
		{Amount: -7000, Merchant: "c", Date: "2025-01-15", Time: "08:00:00"},
		{Amount: -9000, Merchant: "d", Date: "2024-12-31", Time: "08:00:00"},
		{Amount: 100000, Merchant: "salary", Date: "2025-08-17", Time: "08:00:00"},
	}
	if _, err := s.AppendMany(ctx, user, recs); err != nil {
		t.Fatalf("AppendMany error: %v", err)
	}

	st, err := s.Stats(ctx, user, "2025-08-17")
	if err != nil {
		t.Fatalf("Stats error: %v", err)
	}
	if st.Day != 3000 || st.Month != 8000 || st.Year != 15000 {
		t.Errorf("Stats = %+v, want day 3000, month 8000, year 15000", st)
	}
}
