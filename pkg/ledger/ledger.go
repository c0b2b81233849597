// Package ledger holds the store-independent rules of the expense ledger:
// the dedup fingerprint, normalization defaults, page-size clamping and the
// listing order. Concrete stores (sqlite, postgres, remote) share these so
// every backend dedups and sorts identically.
package ledger

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nvqanh/sochitieu/pkg/api"
)

var (
	// ErrNotFound is returned when no row matches an id for the user.
	ErrNotFound = errors.New("record not found")
	// ErrInvalid is returned for records that cannot be stored.
	ErrInvalid = errors.New("invalid record")
)

// ChunkSize bounds the rows written per underlying batch operation.
const ChunkSize = 200

// DefaultTime stands in for a missing time-of-day in the dedup key.
const DefaultTime = "00:00:00"

// Categories is the fixed category vocabulary exposed to clients.
var Categories = []string{
	"Food", "Transport", "Shopping", "Bills",
	"Health", "Education", "Entertainment", "Uncategorized",
}

// Key builds the dedup fingerprint. Two records with equal keys are
// duplicates no matter what their category, note, source or raw say.
// Merchant is lower-cased and whitespace-collapsed so "Trà  Sữa" and
// "trà sữa" collide.
func Key(userID, date, timeOfDay string, amount int64, merchant string) string {
	if timeOfDay == "" {
		timeOfDay = DefaultTime
	}
	m := strings.ToLower(strings.Join(strings.Fields(merchant), " "))
	return strings.Join([]string{
		strings.TrimSpace(userID),
		date,
		timeOfDay,
		strconv.FormatInt(amount, 10),
		m,
	}, "|")
}

// RowKey is Key applied to a stored row.
func RowKey(r api.Row) string {
	return Key(r.UserID, r.Date, r.Time, r.Amount, r.Merchant)
}

// ClampLimit snaps a requested page size to the supported steps 10, 20, 50.
func ClampLimit(n int) int {
	switch {
	case n == 10 || n == 20 || n == 50:
		return n
	case n <= 10:
		return 10
	case n >= 50:
		return 50
	}
	return 20
}

// Truthy interprets the loose flag values accepted for deleted markers.
func Truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "x":
		return true
	}
	return false
}

// Normalize fills a record's defaults in place before storage: today's
// date, the current time-of-day, the Uncategorized category and the manual
// source. A record with neither amount nor merchant is rejected.
func Normalize(rec *api.ExpenseRecord, now time.Time) error {
	if rec.Amount == 0 && strings.TrimSpace(rec.Merchant) == "" {
		return fmt.Errorf("%w: empty amount and merchant", ErrInvalid)
	}
	if rec.Date == "" {
		rec.Date = now.Format("2006-01-02")
	}
	if rec.Time == "" {
		rec.Time = now.Format("15:04:05")
	}
	if rec.Category == "" {
		rec.Category = "Uncategorized"
	}
	if rec.Source == "" {
		rec.Source = api.SourceManual
	}
	if strings.TrimSpace(rec.Merchant) == "" {
		rec.Merchant = "Manual"
	}
	return nil
}

// Less orders rows newest-first: date desc, then time desc, then id desc.
func Less(a, b api.Row) bool {
	if a.Date != b.Date {
		return a.Date > b.Date
	}
	at, bt := a.Time, b.Time
	if at == "" {
		at = DefaultTime
	}
	if bt == "" {
		bt = DefaultTime
	}
	if at != bt {
		return at > bt
	}
	return a.ID > b.ID
}

// Chunks splits n items into ChunkSize-bounded [start, end) index pairs.
func Chunks(n int) [][2]int {
	var out [][2]int
	for i := 0; i < n; i += ChunkSize {
		end := i + ChunkSize
		if end > n {
			end = n
		}
		out = append(out, [2]int{i, end})
	}
	return out
}

// AddToStats accumulates an active row into st given today's anchors.
// Only expenses count; income rows are ignored.
func AddToStats(st *api.Stats, date string, amount int64) {
	if amount >= 0 || date == "" {
		return
	}
	v := -amount
	if date == st.Today {
		st.Day += v
	}
	if strings.HasPrefix(date, st.YM) {
		st.Month += v
	}
	if strings.HasPrefix(date, st.Y) {
		st.Year += v
	}
}

// NewStats anchors a Stats accumulator on today's ISO date.
func NewStats(today string) api.Stats {
	st := api.Stats{Today: today}
	if len(today) >= 7 {
		st.YM = today[:7]
	}
	if len(today) >= 4 {
		st.Y = today[:4]
	}
	return st
}
