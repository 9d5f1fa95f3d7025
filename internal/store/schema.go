package store

import (
	"context"
	"fmt"
)

// The canonical DDL. Column order here, in the Row struct and in the schema
// descriptor manifest must stay in lockstep; the drift guard exists to catch
// the store file disagreeing with this list.
const (
	createAvailabilitySQL = `CREATE TABLE IF NOT EXISTS daily_availability (
	date DATE NOT NULL,
	symbol VARCHAR NOT NULL,
	available BOOLEAN NOT NULL,
	file_size_bytes UBIGINT,
	last_modified VARCHAR,
	url VARCHAR NOT NULL,
	status_code INTEGER NOT NULL,
	probe_timestamp TIMESTAMP NOT NULL,
	open_price DOUBLE,
	high_price DOUBLE,
	low_price DOUBLE,
	close_price DOUBLE,
	volume_base DOUBLE,
	quote_volume_usdt DOUBLE,
	trade_count BIGINT,
	taker_buy_volume_base DOUBLE,
	taker_buy_quote_volume_usdt DOUBLE,
	PRIMARY KEY (date, symbol)
)`

	createCountsSQL = `CREATE TABLE IF NOT EXISTS daily_symbol_counts (
	date DATE NOT NULL PRIMARY KEY,
	available_count BIGINT NOT NULL
)`
)

var createIndexSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_avail_date ON daily_availability (date)`,
	`CREATE INDEX IF NOT EXISTS idx_avail_symbol ON daily_availability (symbol)`,
	`CREATE INDEX IF NOT EXISTS idx_avail_date_symbol ON daily_availability (date, symbol)`,
	`CREATE INDEX IF NOT EXISTS idx_avail_quote_volume ON daily_availability (quote_volume_usdt, date)`,
}

// EnsureSchema creates tables and indices if absent. Safe to call on a
// populated store; it never alters existing rows.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	for _, ddl := range append([]string{createAvailabilitySQL, createCountsSQL}, createIndexSQL...) {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}
