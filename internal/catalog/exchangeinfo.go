package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/futvision/klinewatch/internal/model"
)

// DefaultMetaBaseURL is the venue's futures metadata host.
const DefaultMetaBaseURL = "https://fapi.binance.com"

const metaTimeout = 15 * time.Second

// ErrGeoBlocked marks an HTTP 451 from the metadata endpoint. The pipeline
// treats it as "live set unknown": discovery and cross-check are skipped,
// nothing fails.
var ErrGeoBlocked = errors.New("metadata endpoint answered 451 (geo-blocked)")

// MetaClient fetches the live contract set from the exchange-info endpoint.
type MetaClient struct {
	hc      *http.Client
	baseURL string
}

func NewMetaClient(baseURL string) *MetaClient {
	if baseURL == "" {
		baseURL = DefaultMetaBaseURL
	}
	return &MetaClient{
		hc:      &http.Client{Timeout: metaTimeout},
		baseURL: baseURL,
	}
}

type exchangeInfo struct {
	Symbols []struct {
		Symbol       string `json:"symbol"`
		Status       string `json:"status"`
		ContractType string `json:"contractType"`
		QuoteAsset   string `json:"quoteAsset"`
	} `json:"symbols"`
}

// FetchLiveSymbols returns the currently tradable USDT-margined perpetuals,
// sorted. Contracts with unexpected identifier shapes are dropped with a
// warning rather than poisoning the catalog.
func (c *MetaClient) FetchLiveSymbols(ctx context.Context) ([]string, error) {
	url := c.baseURL + "/fapi/v1/exchangeInfo"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build exchange-info request: %w", err)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch exchange info: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnavailableForLegalReasons:
		return nil, fmt.Errorf("fetch exchange info: %w", ErrGeoBlocked)
	default:
		return nil, fmt.Errorf("fetch exchange info: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read exchange info: %w", err)
	}

	var info exchangeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to decode exchange info: %w", err)
	}

	var live []string
	for _, s := range info.Symbols {
		if s.ContractType != "PERPETUAL" || s.QuoteAsset != model.QuoteAsset || s.Status != "TRADING" {
			continue
		}
		if !model.ValidSymbol(s.Symbol) {
			log.Warn().Str("symbol", s.Symbol).Msg("live set contains unexpected symbol shape, skipping")
			continue
		}
		live = append(live, s.Symbol)
	}

	sort.Strings(live)
	return live, nil
}
