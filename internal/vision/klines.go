package vision

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/futvision/klinewatch/internal/model"
)

// maxArchiveBytes guards archive reads; a daily-interval zip carries a single
// CSV row and is a few hundred bytes in practice.
const maxArchiveBytes = 4 << 20

// klineFields is the upstream column order. Everything except the trailing
// ignore column must parse as a number.
var klineFields = [12]string{
	"open_time", "open", "high", "low", "close", "volume",
	"close_time", "quote_volume", "count",
	"taker_buy_volume", "taker_buy_quote_volume", "ignore",
}

// FetchDailyKline downloads the daily-interval archive for (symbol, day) and
// returns its aggregates. A 404 returns (nil, nil): the archive is simply not
// published. Transport and status failures return a ProbeError, malformed
// payloads a ParseError.
func (c *Client) FetchDailyKline(ctx context.Context, symbol string, day model.Day) (*model.DayAggregates, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	klineURL := KlineURL(c.baseURL, symbol, day)

	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, klineURL, nil)
	if err != nil {
		return nil, &model.ProbeError{Symbol: symbol, Day: day, URL: klineURL, Kind: model.ProbeNetwork, Err: err}
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, &model.ProbeError{Symbol: symbol, Day: day, URL: klineURL, Kind: classifyTransport(err), Err: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, &model.ProbeError{Symbol: symbol, Day: day, URL: klineURL, Kind: model.ProbeHTTP, Status: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxArchiveBytes))
	if err != nil {
		return nil, &model.ProbeError{Symbol: symbol, Day: day, URL: klineURL, Kind: model.ProbeNetwork, Err: err}
	}

	return parseKlineArchive(symbol, day, klineURL, data)
}

func parseKlineArchive(symbol string, day model.Day, url string, data []byte) (*model.DayAggregates, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, &model.ParseError{Symbol: symbol, Day: day, URL: url, Err: fmt.Errorf("not a zip archive: %w", err)}
	}
	if len(zr.File) != 1 {
		return nil, &model.ParseError{Symbol: symbol, Day: day, URL: url, Err: fmt.Errorf("want exactly one file in archive, got %d", len(zr.File))}
	}

	rc, err := zr.File[0].Open()
	if err != nil {
		return nil, &model.ParseError{Symbol: symbol, Day: day, URL: url, Err: fmt.Errorf("failed to open %s: %w", zr.File[0].Name, err)}
	}
	defer rc.Close()

	records, err := csv.NewReader(rc).ReadAll()
	if err != nil {
		return nil, &model.ParseError{Symbol: symbol, Day: day, URL: url, Err: fmt.Errorf("bad csv: %w", err)}
	}

	// Some archives ship a header line; tolerate it and nothing else.
	if len(records) > 0 && len(records[0]) > 0 && records[0][0] == klineFields[0] {
		records = records[1:]
	}
	if len(records) != 1 {
		return nil, &model.ParseError{Symbol: symbol, Day: day, URL: url, Err: fmt.Errorf("want exactly one data row, got %d", len(records))}
	}

	return parseKlineRecord(symbol, day, url, records[0])
}

func parseKlineRecord(symbol string, day model.Day, url string, rec []string) (*model.DayAggregates, error) {
	if len(rec) != len(klineFields) {
		return nil, &model.ParseError{Symbol: symbol, Day: day, URL: url, Err: fmt.Errorf("want %d fields, got %d", len(klineFields), len(rec))}
	}

	parseFailure := func(i int) *model.ParseError {
		return &model.ParseError{Symbol: symbol, Day: day, URL: url, Field: klineFields[i], Value: rec[i]}
	}

	// open_time and close_time are validated but not kept.
	for _, i := range []int{0, 6} {
		if _, err := strconv.ParseInt(rec[i], 10, 64); err != nil {
			return nil, parseFailure(i)
		}
	}

	floats := make(map[int]float64, 8)
	for _, i := range []int{1, 2, 3, 4, 5, 7, 9, 10} {
		v, err := strconv.ParseFloat(rec[i], 64)
		if err != nil {
			return nil, parseFailure(i)
		}
		floats[i] = v
	}

	count, err := strconv.ParseInt(rec[8], 10, 64)
	if err != nil {
		return nil, parseFailure(8)
	}

	return &model.DayAggregates{
		OpenPrice:               floats[1],
		HighPrice:               floats[2],
		LowPrice:                floats[3],
		ClosePrice:              floats[4],
		VolumeBase:              floats[5],
		QuoteVolumeUSDT:         floats[7],
		TradeCount:              count,
		TakerBuyVolumeBase:      floats[9],
		TakerBuyQuoteVolumeUSDT: floats[10],
	}, nil
}
