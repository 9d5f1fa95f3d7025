package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// rankingsQuery ranks every (date, symbol) cell that has aggregates by quote
// volume, ties broken by ascending symbol so re-materializing the same store
// always yields byte-identical order. The joined block denormalizes
// per-symbol lifetime attributes for consumers that read the artifact alone.
const rankingsQuery = `SELECT
	a.date,
	a.symbol,
	s.base_asset,
	a.quote_volume_usdt,
	a.trade_count,
	a.volume_base,
	a.taker_buy_volume_base,
	a.taker_buy_quote_volume_usdt,
	a.open_price,
	a.high_price,
	a.low_price,
	a.close_price,
	rank() OVER (PARTITION BY a.date ORDER BY a.quote_volume_usdt DESC, a.symbol ASC) AS "rank",
	s.first_available_date,
	s.last_available_date
FROM daily_availability a
JOIN (
	SELECT symbol,
	       regexp_replace(symbol, 'USDT$', '') AS base_asset,
	       min(date) FILTER (WHERE available) AS first_available_date,
	       max(date) FILTER (WHERE available) AS last_available_date
	FROM daily_availability
	GROUP BY symbol
) s USING (symbol)
WHERE a.quote_volume_usdt IS NOT NULL
ORDER BY a.date, "rank"`

// MaterializeRankings recomputes the full rankings artifact and writes it as
// Parquet via temp-then-rename. Returns the number of ranked rows.
func (s *Store) MaterializeRankings(ctx context.Context, outPath string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if dir := filepath.Dir(outPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return 0, fmt.Errorf("failed to create artifact directory: %w", err)
		}
	}

	var rows int64
	err := s.db.GetContext(ctx, &rows,
		`SELECT count(*) FROM daily_availability WHERE quote_volume_usdt IS NOT NULL`)
	if err != nil {
		return 0, fmt.Errorf("failed to count ranking rows: %w", err)
	}

	tmpPath := outPath + ".tmp"
	copySQL := fmt.Sprintf("COPY (%s) TO %s (FORMAT PARQUET)", rankingsQuery, quoteLiteral(tmpPath))
	if _, err := s.db.ExecContext(ctx, copySQL); err != nil {
		return 0, fmt.Errorf("failed to materialize rankings: %w", err)
	}
	if err := os.Rename(tmpPath, outPath); err != nil {
		return 0, fmt.Errorf("failed to publish rankings artifact: %w", err)
	}
	return rows, nil
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
