// Package postgres implements the ledger on PostgreSQL for multi-process
// deployments. Cross-process dedup races are closed with a per-user
// advisory lock held for the duration of a write.
package postgres

import (
	"context"
	_ "embed"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/google/uuid"

	"github.com/nvqanh/sochitieu/pkg/api"
	"github.com/nvqanh/sochitieu/pkg/codec"
	"github.com/nvqanh/sochitieu/pkg/ledger"
)

//go:embed schema.sql
var migrationSQL string

// Config holds the PostgreSQL ledger configuration.
type Config struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string

	// MaxPoolSize is the maximum number of connections in the pool.
	MaxPoolSize int

	// TimeZone resolves "today" for normalization and stats.
	TimeZone *time.Location
	// LockWait bounds how long a writer waits for the per-user advisory
	// lock before proceeding anyway.
	LockWait time.Duration
}

// Store is an api.Ledger backed by PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	loc    *time.Location
	wait   time.Duration
	codec  codec.Codec
	logger *slog.Logger
}

// New connects to the database, verifies the connection and applies the
// schema.
func New(cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Port == 0 {
		cfg.Port = 5432
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "disable"
	}
	if cfg.MaxPoolSize == 0 {
		cfg.MaxPoolSize = 10
	}
	if cfg.TimeZone == nil {
		cfg.TimeZone = time.Local
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = 2 * time.Second
	}

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}
	poolConfig.MaxConns = int32(cfg.MaxPoolSize)
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = 1 * time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := pool.Exec(context.Background(), migrationSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("connected to PostgreSQL",
		"host", cfg.Host,
		"port", cfg.Port,
		"database", cfg.Database,
	)

	return &Store{
		pool:   pool,
		loc:    cfg.TimeZone,
		wait:   cfg.LockWait,
		codec:  codec.GzipB64{},
		logger: logger,
	}, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
		s.logger.Info("closed PostgreSQL connection pool")
	}
}

func lockID(userID string) int64 {
	h := fnv.New64a()
	h.Write([]byte("sochitieu:" + userID))
	return int64(h.Sum64())
}

// acquireLock takes the user's advisory lock on a dedicated connection,
// polling until the bounded wait elapses. On timeout the write proceeds
// without the lock: a rare duplicate beats a dropped record.
func (s *Store) acquireLock(ctx context.Context, userID string) (func(), error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring lock connection: %w", err)
	}
	id := lockID(userID)
	deadline := time.Now().Add(s.wait)
	for {
		var got bool
		if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, id).Scan(&got); err != nil {
			conn.Release()
			return nil, fmt.Errorf("taking advisory lock: %w", err)
		}
		if got {
			return func() {
				if _, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, id); err != nil {
					s.logger.Warn("releasing advisory lock", "error", err)
				}
				conn.Release()
			}, nil
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			s.logger.Warn("proceeding without advisory lock", "user", userID, "wait", s.wait)
			conn.Release()
			return func() {}, nil
		}
		time.Sleep(50 * time.Millisecond)
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

// AppendMany stores records, skipping duplicates against both the store
// and earlier records in the same batch. Inserts go through pgx batches
// in bounded chunks, one transaction per chunk.
func (s *Store) AppendMany(ctx context.Context, userID string, recs []api.ExpenseRecord) ([]string, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	unlock, err := s.acquireLock(ctx, userID)
	if err != nil {
		return nil, err
	}
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
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	batch := &pgx.Batch{}
	for _, r := range rows {
		raw, err := s.codec.Encode(r.Raw)
		if err != nil {
			return fmt.Errorf("encoding raw payload: %w", err)
		}
		batch.Queue(`
			INSERT INTO transactions
				(id, user_id, date, time, amount, merchant, category, note, source, raw, deleted)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, FALSE)
		`, r.ID, r.UserID, r.Date, r.Time, r.Amount, r.Merchant, r.Category, r.Note, r.Source, raw)
	}

	results := tx.SendBatch(ctx, batch)
	for i := range rows {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("inserting record %d: %w", i, err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("closing batch: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *Store) activeKeys(ctx context.Context, userID string) (map[string]struct{}, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT date, time, amount, merchant FROM transactions WHERE user_id = $1 AND NOT deleted`, userID)
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

// Update patches the named fields of the user's row, deleted rows
// included so a record can be restored.
func (s *Store) Update(ctx context.Context, userID, id string, fields api.UpdateFields) (api.Row, error) {
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
	_, err = s.pool.Exec(ctx, `UPDATE transactions
		SET date=$1, time=$2, amount=$3, merchant=$4, category=$5, note=$6, raw=$7, deleted=$8
		WHERE id=$9 AND user_id=$10`,
		row.Date, row.Time, row.Amount, row.Merchant, row.Category, row.Note, raw, row.Deleted,
		id, userID)
	if err != nil {
		return api.Row{}, fmt.Errorf("updating record %s: %w", id, err)
	}
	return row, nil
}

// SoftDelete flags an active row as deleted.
func (s *Store) SoftDelete(ctx context.Context, userID, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE transactions SET deleted = TRUE WHERE id = $1 AND user_id = $2 AND NOT deleted`, id, userID)
	if err != nil {
		return fmt.Errorf("deleting record %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
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
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM transactions WHERE user_id = $1 AND NOT deleted`, userID).Scan(&total); err != nil {
		return api.Page{}, fmt.Errorf("counting records: %w", err)
	}

	rows, err := s.pool.Query(ctx, `SELECT id, user_id, date, time, amount, merchant, category, note, source, raw, deleted
		FROM transactions WHERE user_id = $1 AND NOT deleted
		ORDER BY date DESC, time DESC, id DESC
		LIMIT $2 OFFSET $3`, userID, limit, offset)
	if err != nil {
		return api.Page{}, fmt.Errorf("listing records: %w", err)
	}
	defer rows.Close()

	items := make([]api.Row, 0, limit)
	for rows.Next() {
		var r api.Row
		if err := rows.Scan(&r.ID, &r.UserID, &r.Date, &r.Time, &r.Amount,
			&r.Merchant, &r.Category, &r.Note, &r.Source, &r.Raw, &r.Deleted); err != nil {
			return api.Page{}, fmt.Errorf("scanning record row: %w", err)
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

// Stats sums the user's active expense rows into day/month/year buckets.
// The date buckets are prefix matches on the ISO date, so the database
// can do the grouping in one pass.
func (s *Store) Stats(ctx context.Context, userID, today string) (api.Stats, error) {
	if today == "" {
		today = time.Now().In(s.loc).Format("2006-01-02")
	}
	st := ledger.NewStats(today)

	err := s.pool.QueryRow(ctx, `SELECT
			COALESCE(SUM(CASE WHEN date = $2 THEN -amount ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN date LIKE $3 THEN -amount ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN date LIKE $4 THEN -amount ELSE 0 END), 0)
		FROM transactions
		WHERE user_id = $1 AND NOT deleted AND amount < 0`,
		userID, st.Today, st.YM+"%", st.Y+"%").Scan(&st.Day, &st.Month, &st.Year)
	if err != nil {
		return api.Stats{}, fmt.Errorf("reading stats: %w", err)
	}
	return st, nil
}

func (s *Store) get(ctx context.Context, userID, id string) (api.Row, error) {
	var r api.Row
	err := s.pool.QueryRow(ctx, `SELECT id, user_id, date, time, amount, merchant, category, note, source, raw, deleted
		FROM transactions WHERE id = $1 AND user_id = $2`, id, userID).
		Scan(&r.ID, &r.UserID, &r.Date, &r.Time, &r.Amount,
			&r.Merchant, &r.Category, &r.Note, &r.Source, &r.Raw, &r.Deleted)
	if err == pgx.ErrNoRows {
		return api.Row{}, ledger.ErrNotFound
	}
	if err != nil {
		return api.Row{}, fmt.Errorf("loading record %s: %w", id, err)
	}
	r.Raw = codec.DecodeLenient(s.codec, r.Raw)
	return r, nil
}
