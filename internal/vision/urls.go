// Package vision talks to the venue's public archive bucket: deterministic
// HEAD probes for minute-kline archives, GETs for daily-kline aggregates, and
// bulk prefix listings through the bucket's S3 API.
package vision

import (
	"fmt"

	"github.com/futvision/klinewatch/internal/model"
)

const (
	// DefaultBaseURL fronts the bucket via CDN; all probes and archive GETs
	// go through it.
	DefaultBaseURL = "https://data.binance.vision"

	// DefaultBucket and DefaultRegion identify the same data for the S3
	// listing API, which the CDN host does not expose.
	DefaultBucket = "data.binance.vision"
	DefaultRegion = "ap-northeast-1"
)

// ProbeURL is the canonical minute-archive location for one (symbol, day).
func ProbeURL(base, symbol string, day model.Day) string {
	return fmt.Sprintf("%s/data/futures/um/daily/klines/%s/1m/%s-1m-%s.zip", base, symbol, symbol, day)
}

// KlineURL is the daily-interval archive holding the one summary row per day.
func KlineURL(base, symbol string, day model.Day) string {
	return fmt.Sprintf("%s/data/futures/um/daily/klines/%s/1d/%s-1d-%s.zip", base, symbol, symbol, day)
}

// DailyPrefix is the bucket key prefix under which a symbol's minute archives
// live, one object per published day.
func DailyPrefix(symbol string) string {
	return fmt.Sprintf("data/futures/um/daily/klines/%s/1m/", symbol)
}
