package model

import (
	"net/http"
	"time"
)

// Observation is the outcome of one archive probe: either the archive exists
// (size and last-modified populated) or it does not (both nil, status 404).
// The two constructors are the only intended way to build one, which keeps
// "available implies size present" true by construction.
type Observation struct {
	Symbol       string
	Day          Day
	Available    bool
	StatusCode   int
	FileSizeBytes *int64
	LastModified *string
	URL          string
	ProbedAt     time.Time
}

// NewHit records an archive that exists.
func NewHit(symbol string, day Day, url string, size int64, lastModified string, probedAt time.Time) Observation {
	return Observation{
		Symbol:        symbol,
		Day:           day,
		Available:     true,
		StatusCode:    http.StatusOK,
		FileSizeBytes: &size,
		LastModified:  &lastModified,
		URL:           url,
		ProbedAt:      probedAt.UTC(),
	}
}

// NewMiss records a probe that answered 404: the archive is not published.
func NewMiss(symbol string, day Day, url string, probedAt time.Time) Observation {
	return Observation{
		Symbol:     symbol,
		Day:        day,
		Available:  false,
		StatusCode: http.StatusNotFound,
		URL:        url,
		ProbedAt:   probedAt.UTC(),
	}
}

// DayAggregates carries the nine numeric fields of a daily kline row that
// matter downstream. Nil aggregates on a store row mean "not parsed yet",
// never "zero".
type DayAggregates struct {
	OpenPrice               float64
	HighPrice               float64
	LowPrice                float64
	ClosePrice              float64
	VolumeBase              float64
	QuoteVolumeUSDT         float64
	TradeCount              int64
	TakerBuyVolumeBase      float64
	TakerBuyQuoteVolumeUSDT float64
}
