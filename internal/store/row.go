package store

import (
	"net/http"
	"time"

	"github.com/futvision/klinewatch/internal/model"
	"github.com/futvision/klinewatch/internal/vision"
)

// Row mirrors one daily_availability record in canonical column order.
type Row struct {
	Date                    time.Time `db:"date"`
	Symbol                  string    `db:"symbol"`
	Available               bool      `db:"available"`
	FileSizeBytes           *int64    `db:"file_size_bytes"`
	LastModified            *string   `db:"last_modified"`
	URL                     string    `db:"url"`
	StatusCode              int       `db:"status_code"`
	ProbeTimestamp          time.Time `db:"probe_timestamp"`
	OpenPrice               *float64  `db:"open_price"`
	HighPrice               *float64  `db:"high_price"`
	LowPrice                *float64  `db:"low_price"`
	ClosePrice              *float64  `db:"close_price"`
	VolumeBase              *float64  `db:"volume_base"`
	QuoteVolumeUSDT         *float64  `db:"quote_volume_usdt"`
	TradeCount              *int64    `db:"trade_count"`
	TakerBuyVolumeBase      *float64  `db:"taker_buy_volume_base"`
	TakerBuyQuoteVolumeUSDT *float64  `db:"taker_buy_quote_volume_usdt"`
}

// NewRow converts a probe observation, optionally enriched with parsed
// aggregates, into a store row.
func NewRow(obs model.Observation, agg *model.DayAggregates) Row {
	row := Row{
		Date:           obs.Day.Time(),
		Symbol:         obs.Symbol,
		Available:      obs.Available,
		FileSizeBytes:  obs.FileSizeBytes,
		LastModified:   obs.LastModified,
		URL:            obs.URL,
		StatusCode:     obs.StatusCode,
		ProbeTimestamp: obs.ProbedAt,
	}
	return row.WithAggregates(agg)
}

// WithAggregates returns a copy of the row with the aggregate columns filled
// from a parsed daily archive. A nil agg leaves them null.
func (r Row) WithAggregates(agg *model.DayAggregates) Row {
	if agg == nil {
		return r
	}
	r.OpenPrice = f64(agg.OpenPrice)
	r.HighPrice = f64(agg.HighPrice)
	r.LowPrice = f64(agg.LowPrice)
	r.ClosePrice = f64(agg.ClosePrice)
	r.VolumeBase = f64(agg.VolumeBase)
	r.QuoteVolumeUSDT = f64(agg.QuoteVolumeUSDT)
	r.TradeCount = i64(agg.TradeCount)
	r.TakerBuyVolumeBase = f64(agg.TakerBuyVolumeBase)
	r.TakerBuyQuoteVolumeUSDT = f64(agg.TakerBuyQuoteVolumeUSDT)
	return r
}

// NewListedRow synthesizes a present-only row from a bulk listing entry. The
// listing proves the object exists, so the row is equivalent to a 200 HEAD
// observed at probedAt.
func NewListedRow(symbol string, entry vision.Entry, baseURL string, probedAt time.Time) Row {
	lastModified := entry.LastModified.UTC().Format(http.TimeFormat)
	size := entry.SizeBytes
	return Row{
		Date:           entry.Day.Time(),
		Symbol:         symbol,
		Available:      true,
		FileSizeBytes:  &size,
		LastModified:   &lastModified,
		URL:            vision.ProbeURL(baseURL, symbol, entry.Day),
		StatusCode:     http.StatusOK,
		ProbeTimestamp: probedAt.UTC(),
	}
}

func f64(v float64) *float64 { return &v }
func i64(v int64) *int64     { return &v }
