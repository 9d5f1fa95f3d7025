// Package store owns the single-file DuckDB database: schema lifecycle,
// primary-key upserts with the derived counts table refreshed in the same
// transaction, the schema-drift guard and the rankings materializer.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/jmoiron/sqlx"
	_ "github.com/marcboeker/go-duckdb"

	"github.com/futvision/klinewatch/internal/model"
)

const defaultTimeout = 2 * time.Minute

// Store is the single writer of the availability database. One Store per
// process; a file lock keeps concurrent pipeline runs out. External readers
// attach the file read-only and are not part of the lock protocol.
type Store struct {
	db      *sqlx.DB
	lock    *flock.Flock
	timeout time.Duration
}

// Open acquires the run lock and opens (creating if needed) the store file.
func Open(ctx context.Context, path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire store lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("store %s is held by another run", path)
	}

	db, err := sqlx.ConnectContext(ctx, "duckdb", path)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("failed to open store %s: %w", path, err)
	}
	// Single writer; one connection keeps transactions serial.
	db.SetMaxOpenConns(1)

	return &Store{db: db, lock: lock, timeout: defaultTimeout}, nil
}

// newWithDB wires a Store around an existing handle. Test seam.
func newWithDB(db *sqlx.DB) *Store {
	return &Store{db: db, timeout: defaultTimeout}
}

// Close releases the database and the run lock.
func (s *Store) Close() error {
	err := s.db.Close()
	if s.lock != nil {
		if uerr := s.lock.Unlock(); err == nil {
			err = uerr
		}
	}
	return err
}

const upsertSQL = `INSERT OR REPLACE INTO daily_availability (
	date, symbol, available, file_size_bytes, last_modified, url, status_code, probe_timestamp,
	open_price, high_price, low_price, close_price, volume_base, quote_volume_usdt,
	trade_count, taker_buy_volume_base, taker_buy_quote_volume_usdt
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// UpsertBatch writes rows and refreshes daily_symbol_counts in one
// transaction: either both land or neither does. Last writer wins per
// (date, symbol); an availability flip in either direction is a legitimate
// overwrite.
func (s *Store) UpsertBatch(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin upsert tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, upsertSQL)
	if err != nil {
		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx,
			r.Date, r.Symbol, r.Available, r.FileSizeBytes, r.LastModified, r.URL,
			r.StatusCode, r.ProbeTimestamp,
			r.OpenPrice, r.HighPrice, r.LowPrice, r.ClosePrice, r.VolumeBase,
			r.QuoteVolumeUSDT, r.TradeCount, r.TakerBuyVolumeBase, r.TakerBuyQuoteVolumeUSDT,
		); err != nil {
			return fmt.Errorf("failed to upsert %s %s: %w", r.Symbol, r.Date.Format(model.DayFormat), err)
		}
	}

	if err := refreshDailyCounts(ctx, tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit upsert tx: %w", err)
	}
	return nil
}

// refreshDailyCounts recomputes the derived table from scratch. Running it
// twice in a row yields identical contents.
func refreshDailyCounts(ctx context.Context, tx *sqlx.Tx) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM daily_symbol_counts`); err != nil {
		return fmt.Errorf("failed to clear daily counts: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO daily_symbol_counts (date, available_count)
	SELECT date, count(*) FROM daily_availability WHERE available GROUP BY date`); err != nil {
		return fmt.Errorf("failed to refresh daily counts: %w", err)
	}
	return nil
}

// TableExists reports whether the named table is present in the store file.
// On an existing store the drift guard must run before any DDL, so schema
// creation is gated on this check.
func (s *Store) TableExists(ctx context.Context, name string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT count(*) FROM information_schema.tables WHERE table_name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("failed to check table %s: %w", name, err)
	}
	return n > 0, nil
}

// DistinctSymbols returns every symbol that has at least one row, sorted.
func (s *Store) DistinctSymbols(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var symbols []string
	err := s.db.SelectContext(ctx, &symbols,
		`SELECT DISTINCT symbol FROM daily_availability ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("failed to query distinct symbols: %w", err)
	}
	return symbols, nil
}

// Days returns every date with at least one row, ascending.
func (s *Store) Days(ctx context.Context) ([]model.Day, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var raw []time.Time
	err := s.db.SelectContext(ctx, &raw,
		`SELECT DISTINCT date FROM daily_availability ORDER BY date`)
	if err != nil {
		return nil, fmt.Errorf("failed to query dates: %w", err)
	}

	days := make([]model.Day, len(raw))
	for i, t := range raw {
		days[i] = model.DayOf(t)
	}
	return days, nil
}

// AvailableSymbolsOn returns the available=true symbols for one date, sorted.
func (s *Store) AvailableSymbolsOn(ctx context.Context, day model.Day) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var symbols []string
	err := s.db.SelectContext(ctx, &symbols,
		`SELECT symbol FROM daily_availability WHERE date = ? AND available ORDER BY symbol`,
		day.Time())
	if err != nil {
		return nil, fmt.Errorf("failed to query available symbols on %s: %w", day, err)
	}
	return symbols, nil
}

// DayCount is one derived-counts row.
type DayCount struct {
	Date           time.Time `db:"date"`
	AvailableCount int       `db:"available_count"`
}

// DailyCounts returns the derived counts inside [start, end], ascending.
func (s *Store) DailyCounts(ctx context.Context, start, end model.Day) ([]DayCount, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var counts []DayCount
	err := s.db.SelectContext(ctx, &counts,
		`SELECT date, available_count FROM daily_symbol_counts WHERE date BETWEEN ? AND ? ORDER BY date`,
		start.Time(), end.Time())
	if err != nil {
		return nil, fmt.Errorf("failed to query daily counts: %w", err)
	}
	return counts, nil
}

// LatestDay returns the newest date in the store, or ok=false when empty.
func (s *Store) LatestDay(ctx context.Context) (model.Day, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var latest sql.NullTime
	err := s.db.GetContext(ctx, &latest, `SELECT max(date) FROM daily_availability`)
	if err != nil {
		return model.Day{}, false, fmt.Errorf("failed to query latest day: %w", err)
	}
	if !latest.Valid {
		return model.Day{}, false, nil
	}
	return model.DayOf(latest.Time), true, nil
}

// TotalRows counts the primary table's rows.
func (s *Store) TotalRows(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var n int64
	if err := s.db.GetContext(ctx, &n, `SELECT count(*) FROM daily_availability`); err != nil {
		return 0, fmt.Errorf("failed to count rows: %w", err)
	}
	return n, nil
}
