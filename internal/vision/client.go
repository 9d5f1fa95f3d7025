package vision

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/futvision/klinewatch/internal/model"
)

const (
	// DefaultProbeTimeout bounds one HEAD end to end.
	DefaultProbeTimeout = 10 * time.Second
	// DefaultFetchTimeout bounds one archive GET end to end.
	DefaultFetchTimeout = 60 * time.Second
)

// ClientConfig tunes the shared archive client.
type ClientConfig struct {
	BaseURL string
	// MaxConcurrency sizes the connection pool; it should match the probe
	// worker count so workers never queue on idle-connection churn.
	MaxConcurrency int
	ProbeTimeout   time.Duration
	FetchTimeout   time.Duration
	// KlineRPS paces archive GETs. Zero disables pacing.
	KlineRPS float64
}

// Client issues probes and archive fetches over one shared connection pool.
// Immutable after construction; safe for concurrent use by the worker pool.
type Client struct {
	hc           *http.Client
	baseURL      string
	probeTimeout time.Duration
	fetchTimeout time.Duration
	limiter      *rate.Limiter
	now          func() time.Time
}

// NewClient builds the client and pre-warms the bucket host's DNS entry so
// the first wave of W concurrent probes does not fan out into W identical
// resolver queries. Pre-warm failure is logged and ignored.
func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}

	transport := &http.Transport{
		MaxIdleConns:        cfg.MaxConcurrency * 2,
		MaxIdleConnsPerHost: cfg.MaxConcurrency,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	c := &Client{
		hc:           &http.Client{Transport: transport},
		baseURL:      cfg.BaseURL,
		probeTimeout: cfg.ProbeTimeout,
		fetchTimeout: cfg.FetchTimeout,
		now:          time.Now,
	}
	if cfg.KlineRPS > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.KlineRPS), int(cfg.KlineRPS)*2)
	}

	c.prewarmDNS()
	return c
}

// BaseURL returns the archive root the client was built against.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) prewarmDNS() {
	u, err := url.Parse(c.baseURL)
	if err != nil || u.Hostname() == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := net.DefaultResolver.LookupHost(ctx, u.Hostname()); err != nil {
		log.Debug().Err(err).Str("host", u.Hostname()).Msg("dns pre-warm failed, continuing cold")
	}
}

// Probe issues one HEAD against the (symbol, day) minute archive.
// 200 and 404 are the two valid observations; everything else is an error.
func (c *Client) Probe(ctx context.Context, symbol string, day model.Day) (model.Observation, error) {
	probeURL := ProbeURL(c.baseURL, symbol, day)

	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, probeURL, nil)
	if err != nil {
		return model.Observation{}, &model.ProbeError{
			Symbol: symbol, Day: day, URL: probeURL, Kind: model.ProbeNetwork, Err: err,
		}
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return model.Observation{}, &model.ProbeError{
			Symbol: symbol, Day: day, URL: probeURL, Kind: classifyTransport(err), Err: err,
		}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		if resp.ContentLength < 0 {
			return model.Observation{}, &model.ProbeError{
				Symbol: symbol, Day: day, URL: probeURL, Kind: model.ProbeHTTP,
				Status: resp.StatusCode, Err: errors.New("200 without Content-Length"),
			}
		}
		return model.NewHit(symbol, day, probeURL, resp.ContentLength, resp.Header.Get("Last-Modified"), c.now()), nil
	case http.StatusNotFound:
		return model.NewMiss(symbol, day, probeURL, c.now()), nil
	default:
		return model.Observation{}, &model.ProbeError{
			Symbol: symbol, Day: day, URL: probeURL, Kind: model.ProbeHTTP, Status: resp.StatusCode,
		}
	}
}

func classifyTransport(err error) model.ProbeErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return model.ProbeTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return model.ProbeTimeout
	}
	return model.ProbeNetwork
}
