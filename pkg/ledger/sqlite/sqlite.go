// Package sqlite implements the ledger on an embedded SQLite database.
// It is the default backend: a single file, no server, good enough for a
// one-household expense tracker.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nvqanh/sochitieu/pkg/api"
	"github.com/nvqanh/sochitieu/pkg/codec"
	"github.com/nvqanh/sochitieu/pkg/ledger"
)

const schema = `
CREATE TABLE IF NOT EXISTS transactions (
	id       TEXT PRIMARY KEY,
	user_id  TEXT NOT NULL,
	date     TEXT NOT NULL,
	time     TEXT NOT NULL DEFAULT '00:00:00',
	amount   INTEGER NOT NULL,
	merchant TEXT NOT NULL DEFAULT '',
	category TEXT NOT NULL DEFAULT 'Uncategorized',
	note     TEXT NOT NULL DEFAULT '',
	source   TEXT NOT NULL DEFAULT 'manual',
	raw      TEXT NOT NULL DEFAULT '',
	deleted  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_tx_user ON transactions(user_id, deleted);
CREATE INDEX IF NOT EXISTS idx_tx_user_date ON transactions(user_id, date);
`

// Config holds the SQLite ledger settings.
type Config struct {
	// Path is the database file, or ":memory:" for tests.
	Path string
	// TimeZone resolves "today" for normalization and stats.
	TimeZone *time.Location
	// LockWait bounds how long a writer waits for the store lock before
	// proceeding anyway.
	LockWait time.Duration
}

// Store is an api.Ledger backed by SQLite.
type Store struct {
	db     *sql.DB
	loc    *time.Location
	wait   time.Duration
	mu     sync.Mutex
	codec  codec.Codec
	logger *slog.Logger
}

// New opens (creating if needed) the database at cfg.Path and applies the
// schema.
func New(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite ledger: empty path")
	}
	if cfg.TimeZone == nil {
		cfg.TimeZone = time.Local
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	// The modernc driver serializes access per connection; a single
	// connection avoids SQLITE_BUSY between our own writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying sqlite schema: %w", err)
	}

	return &Store{
		db:     db,
		loc:    cfg.TimeZone,
		wait:   cfg.LockWait,
		codec:  codec.GzipB64{},
		logger: logger,
	}, nil
}

// Close releases the database handle.
func (s *Store) Close() {
	if err := s.db.Close(); err != nil {
		s.logger.Warn("closing sqlite database", "error", err)
	}
}

// lock takes the writer lock, giving up after the configured wait. Like
// the rest of the system it prefers a possible duplicate over a dropped
// record, so the caller proceeds either way.
func (s *Store) lock(ctx context.Context) func() {
	deadline := time.Now().Add(s.wait)
	for {
		if s.mu.TryLock() {
			return s.mu.Unlock
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			s.logger.Warn("proceeding without store lock", "wait", s.wait)
			return func() {}
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// Append stores one record unless an equal dedup key already exists among
// the user's active rows. A duplicate returns an empty id and no error.
func (s *Store) Append(ctx context.Context, userID string, rec api.ExpenseRecord) (string, error) {
	ids, err := s.AppendMany(ctx, userID, []api.ExpenseRecord{rec})
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", nil
	}
	return ids[0], nil
}

// AppendMany stores records, skipping any whose dedup key matches an
// active row or an earlier record in the same batch. Writes happen in
// bounded chunks, one transaction per chunk.
func (s *Store) AppendMany(ctx context.Context, userID string, recs []api.ExpenseRecord) ([]string, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	unlock := s.lock(ctx)
	defer unlock()

	seen, err := s.activeKeys(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := time.Now().In(s.loc)
	var rows []api.Row
	for i := range recs {
		rec := recs[i]
		if err := ledger.Normalize(&rec, now); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		key := ledger.Key(userID, rec.Date, rec.Time, rec.Amount, rec.Merchant)
		if _, dup := seen[key]; dup {
			s.logger.Debug("skipping duplicate record", "user", userID, "key", key)
			continue
		}
		seen[key] = struct{}{}
		rows = append(rows, api.Row{ID: uuid.NewString(), UserID: userID, ExpenseRecord: rec})
	}

	ids := make([]string, 0, len(rows))
	for _, ch := range ledger.Chunks(len(rows)) {
		if err := s.insertChunk(ctx, rows[ch[0]:ch[1]]); err != nil {
			return ids, err
		}
		for _, r := range rows[ch[0]:ch[1]] {
			ids = append(ids, r.ID)
		}
	}
	return ids, nil
}

func (s *Store) insertChunk(ctx context.Context, rows []api.Row) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning insert transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO transactions
		(id, user_id, date, time, amount, merchant, category, note, source, raw, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`)
	if err != nil {
		return fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		raw, err := s.codec.Encode(r.Raw)
		if err != nil {
			return fmt.Errorf("encoding raw payload: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, r.ID, r.UserID, r.Date, r.Time, r.Amount,
			r.Merchant, r.Category, r.Note, r.Source, raw); err != nil {
			return fmt.Errorf("inserting record %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) activeKeys(ctx context.Context, userID string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT date, time, amount, merchant FROM transactions WHERE user_id = ? AND deleted = 0`, userID)
	if err != nil {
		return nil, fmt.Errorf("loading dedup keys: %w", err)
	}
	defer rows.Close()

	keys := make(map[string]struct{})
	for rows.Next() {
		var date, tod, merchant string
		var amount int64
		if err := rows.Scan(&date, &tod, &amount, &merchant); err != nil {
			return nil, fmt.Errorf("scanning dedup key row: %w", err)
		}
		keys[ledger.Key(userID, date, tod, amount, merchant)] = struct{}{}
	}
	return keys, rows.Err()
}

// Update patches the named fields of the user's row. It matches deleted
// rows too: flipping deleted back to false is how a record is restored.
func (s *Store) Update(ctx context.Context, userID, id string, fields api.UpdateFields) (api.Row, error) {
	unlock := s.lock(ctx)
	defer unlock()

	row, err := s.get(ctx, userID, id)
	if err != nil {
		return api.Row{}, err
	}

	if fields.Date != nil {
		row.Date = *fields.Date
	}
	if fields.Time != nil {
		row.Time = *fields.Time
	}
	if fields.Amount != nil {
		row.Amount = *fields.Amount
	}
	if fields.Merchant != nil {
		row.Merchant = *fields.Merchant
	}
	if fields.Category != nil {
		row.Category = *fields.Category
	}
	if fields.Note != nil {
		row.Note = *fields.Note
	}
	if fields.Raw != nil {
		row.Raw = *fields.Raw
	}
	if fields.Deleted != nil {
		row.Deleted = *fields.Deleted
	}

	raw, err := s.codec.Encode(row.Raw)
	if err != nil {
		return api.Row{}, fmt.Errorf("encoding raw payload: %w", err)
	}
	deleted := 0
	if row.Deleted {
		deleted = 1
	}
	_, err = s.db.ExecContext(ctx, `UPDATE transactions
		SET date=?, time=?, amount=?, merchant=?, category=?, note=?, raw=?, deleted=?
		WHERE id=? AND user_id=?`,
		row.Date, row.Time, row.Amount, row.Merchant, row.Category, row.Note, raw, deleted,
		id, userID)
	if err != nil {
		return api.Row{}, fmt.Errorf("updating record %s: %w", id, err)
	}
	return row, nil
}

// SoftDelete flags an active row as deleted. Deleting an already-deleted
// or unknown row is ErrNotFound.
func (s *Store) SoftDelete(ctx context.Context, userID, id string) error {
	unlock := s.lock(ctx)
	defer unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE transactions SET deleted = 1 WHERE id = ? AND user_id = ? AND deleted = 0`, id, userID)
	if err != nil {
		return fmt.Errorf("deleting record %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting record %s: %w", id, err)
	}
	if n == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

// List returns the user's active rows newest-first, paginated.
func (s *Store) List(ctx context.Context, userID string, page, limit int) (api.Page, error) {
	if page < 1 {
		page = 1
	}
	limit = ledger.ClampLimit(limit)
	offset := (page - 1) * limit

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transactions WHERE user_id = ? AND deleted = 0`, userID).Scan(&total); err != nil {
		return api.Page{}, fmt.Errorf("counting records: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, date, time, amount, merchant, category, note, source, raw, deleted
		FROM transactions WHERE user_id = ? AND deleted = 0
		ORDER BY date DESC, time DESC, id DESC
		LIMIT ? OFFSET ?`, userID, limit, offset)
	if err != nil {
		return api.Page{}, fmt.Errorf("listing records: %w", err)
	}
	defer rows.Close()

	items := make([]api.Row, 0, limit)
	for rows.Next() {
		r, err := scanRow(rows)
		if err != nil {
			return api.Page{}, err
		}
		r.Raw = codec.DecodeLenient(s.codec, r.Raw)
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return api.Page{}, fmt.Errorf("listing records: %w", err)
	}

	return api.Page{
		Items:   items,
		Total:   total,
		Page:    page,
		Limit:   limit,
		HasMore: offset+limit < total,
	}, nil
}

// Stats sums the user's active expense rows into day/month/year buckets
// anchored on today.
func (s *Store) Stats(ctx context.Context, userID, today string) (api.Stats, error) {
	if today == "" {
		today = time.Now().In(s.loc).Format("2006-01-02")
	}
	st := ledger.NewStats(today)

	rows, err := s.db.QueryContext(ctx,
		`SELECT date, amount FROM transactions WHERE user_id = ? AND deleted = 0 AND amount < 0`, userID)
	if err != nil {
		return api.Stats{}, fmt.Errorf("reading stats rows: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var date string
		var amount int64
		if err := rows.Scan(&date, &amount); err != nil {
			return api.Stats{}, fmt.Errorf("scanning stats row: %w", err)
		}
		ledger.AddToStats(&st, date, amount)
	}
	return st, rows.Err()
}

func (s *Store) get(ctx context.Context, userID, id string) (api.Row, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, user_id, date, time, amount, merchant, category, note, source, raw, deleted
		FROM transactions WHERE id = ? AND user_id = ?`, id, userID)
	r, err := scanRow(row)
	if err == sql.ErrNoRows {
		return api.Row{}, ledger.ErrNotFound
	}
	if err != nil {
		return api.Row{}, err
	}
	r.Raw = codec.DecodeLenient(s.codec, r.Raw)
	return r, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(sc scanner) (api.Row, error) {
	var r api.Row
	var deleted int
	err := sc.Scan(&r.ID, &r.UserID, &r.Date, &r.Time, &r.Amount,
		&r.Merchant, &r.Category, &r.Note, &r.Source, &r.Raw, &deleted)
	if err == sql.ErrNoRows {
		return api.Row{}, err
	}
	if err != nil {
		return api.Row{}, fmt.Errorf("scanning record row: %w", err)
	}
	r.Deleted = deleted != 0
	return r, nil
}
