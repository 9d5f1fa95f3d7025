// Package report assembles the run's publication metadata: what was probed,
// what was committed, what the validators flagged. The JSON artifact is the
// interface to whatever publishes or announces the refreshed database.
package report

import (
	"time"

	"github.com/futvision/klinewatch/internal/atomicio"
	"github.com/futvision/klinewatch/internal/validate"
)

// DateStatus is the outcome of one processed date. Error marks a hard error;
// rows counted here were committed even when the date later hard-errored.
type DateStatus struct {
	Date      string `json:"date"`
	BatchID   string `json:"batch_id,omitempty"`
	Rows      int    `json:"rows"`
	Available int    `json:"available"`
	Klines    int    `json:"klines,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Discovery summarizes the catalog merge.
type Discovery struct {
	CatalogSize int      `json:"catalog_size"`
	Added       []string `json:"added,omitempty"`
	// Skipped carries the reason the live set was unavailable this run.
	Skipped string `json:"skipped,omitempty"`
}

// Backfill is one symbol's bulk listing insert.
type Backfill struct {
	Symbol string `json:"symbol"`
	Rows   int    `json:"rows"`
	First  string `json:"first,omitempty"`
	Last   string `json:"last,omitempty"`
}

type Report struct {
	RunID       string    `json:"run_id"`
	Mode        string    `json:"mode"`
	WindowStart string    `json:"window_start"`
	WindowEnd   string    `json:"window_end"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`

	Failed        bool   `json:"failed"`
	FailureReason string `json:"failure_reason,omitempty"`

	Discovery Discovery          `json:"discovery"`
	Backfills []Backfill         `json:"backfills,omitempty"`
	Dates     []DateStatus       `json:"dates,omitempty"`
	Findings  []validate.Finding `json:"findings,omitempty"`

	RowsUpserted int64  `json:"rows_upserted"`
	KlinesParsed int64  `json:"klines_parsed"`
	RankedRows   int64  `json:"ranked_rows"`
	TotalRows    int64  `json:"total_rows"`
	StorePath    string `json:"store_path"`
	RankingsPath string `json:"rankings_path,omitempty"`
}

// Write publishes the report atomically.
func (r *Report) Write(path string) error {
	return atomicio.WriteJSONAtomic(path, r)
}
