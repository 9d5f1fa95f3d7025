// Package config resolves the pipeline's runtime settings from defaults, an
// optional YAML file, KLINEWATCH_* environment variables and CLI flags, in
// that order. All invariant violations are caught in Validate before the
// pipeline touches the network or the store.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/futvision/klinewatch/internal/model"
)

// Mode selects the rolling window source: a lookback from today, or an
// explicit historical range.
type Mode string

const (
	ModeDaily    Mode = "daily"
	ModeBackfill Mode = "backfill"
)

const (
	DefaultLookback   = 20
	DefaultWorkers    = 150
	DefaultStorePath  = "data/availability.duckdb"
	DefaultSymbols    = "config/symbols.txt"
	DefaultSchema     = "config/schema_descriptor.json"
	DefaultOutDir     = "out"
	DefaultKlineRPS   = 25.0
	DefaultBreakEven  = 13
	DefaultBandFloor  = 100
	DefaultBandCeil   = 700
	DefaultVisionBase = "https://data.binance.vision"
	DefaultListingURL = "https://s3-ap-northeast-1.amazonaws.com"
	DefaultMetaBase   = "https://fapi.binance.com"
)

// Config is the resolved settings for one invocation.
type Config struct {
	Mode  Mode     `yaml:"-"`
	Start string   `yaml:"-"`
	End   string   `yaml:"-"`
	Only  []string `yaml:"-"`

	Lookback    int    `yaml:"lookback"`
	Workers     int    `yaml:"workers"`
	StorePath   string `yaml:"db"`
	SymbolsPath string `yaml:"symbols"`
	SchemaPath  string `yaml:"schema"`
	OutDir      string `yaml:"out"`
	LogLevel    string `yaml:"log_level"`

	// FetchKlines controls the aggregate enrichment stage. Defaults on for
	// daily runs; backfill keeps it opt-in so a multi-year range does not
	// silently turn into millions of GETs.
	FetchKlines bool `yaml:"-"`

	// ListingBreakEven is the range width (days) above which a backfill
	// walks per-symbol bucket listings instead of per-date HEAD batches.
	ListingBreakEven int `yaml:"listing_break_even"`

	// KlineRPS paces archive GETs; HEAD probes are not paced.
	KlineRPS float64 `yaml:"kline_rps"`

	CompletenessMin int `yaml:"completeness_min"`
	CompletenessMax int `yaml:"completeness_max"`

	VisionBaseURL   string `yaml:"vision_base_url"`
	ListingEndpoint string `yaml:"listing_endpoint"`
	MetaBaseURL     string `yaml:"meta_base_url"`

	start model.Day
	end   model.Day
}

// Default returns the built-in settings for daily mode.
func Default() Config {
	return Config{
		Mode:             ModeDaily,
		Lookback:         DefaultLookback,
		Workers:          DefaultWorkers,
		StorePath:        DefaultStorePath,
		SymbolsPath:      DefaultSymbols,
		SchemaPath:       DefaultSchema,
		OutDir:           DefaultOutDir,
		LogLevel:         "info",
		FetchKlines:      true,
		ListingBreakEven: DefaultBreakEven,
		KlineRPS:         DefaultKlineRPS,
		CompletenessMin:  DefaultBandFloor,
		CompletenessMax:  DefaultBandCeil,
		VisionBaseURL:    DefaultVisionBase,
		ListingEndpoint:  DefaultListingURL,
		MetaBaseURL:      DefaultMetaBase,
	}
}

// LoadFile overlays settings from a YAML file onto c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays KLINEWATCH_* environment variables onto c. Unset
// variables leave the current value untouched; unparseable ones are fatal.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("KLINEWATCH_LOOKBACK"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid KLINEWATCH_LOOKBACK %q: %w", v, err)
		}
		c.Lookback = n
	}
	if v := os.Getenv("KLINEWATCH_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid KLINEWATCH_WORKERS %q: %w", v, err)
		}
		c.Workers = n
	}
	if v := os.Getenv("KLINEWATCH_DB"); v != "" {
		c.StorePath = v
	}
	if v := os.Getenv("KLINEWATCH_SYMBOLS"); v != "" {
		c.SymbolsPath = v
	}
	if v := os.Getenv("KLINEWATCH_SCHEMA"); v != "" {
		c.SchemaPath = v
	}
	if v := os.Getenv("KLINEWATCH_OUT"); v != "" {
		c.OutDir = v
	}
	if v := os.Getenv("KLINEWATCH_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	return nil
}

// Validate enforces the pre-flight invariants and resolves the probe window.
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be >= 1, got %d", c.Workers)
	}
	if c.Lookback < 1 {
		return fmt.Errorf("lookback must be >= 1, got %d", c.Lookback)
	}
	if c.StorePath == "" {
		return fmt.Errorf("store path must not be empty")
	}
	if c.KlineRPS <= 0 {
		return fmt.Errorf("kline_rps must be positive, got %v", c.KlineRPS)
	}
	if c.ListingBreakEven < 1 {
		return fmt.Errorf("listing_break_even must be >= 1, got %d", c.ListingBreakEven)
	}
	if c.CompletenessMin < 0 || c.CompletenessMax < c.CompletenessMin {
		return fmt.Errorf("completeness band [%d, %d] is not a valid range", c.CompletenessMin, c.CompletenessMax)
	}
	for _, s := range c.Only {
		if err := model.CheckSymbol(s); err != nil {
			return fmt.Errorf("--only: %w", err)
		}
	}

	switch c.Mode {
	case ModeDaily:
		if c.Start != "" || c.End != "" {
			return fmt.Errorf("date range is only valid in backfill mode")
		}
		c.end = model.Yesterday()
		c.start = c.end.AddDays(-(c.Lookback - 1))
		if c.start.Before(model.LaunchDay) {
			c.start = model.LaunchDay
		}
	case ModeBackfill:
		if c.Start == "" || c.End == "" {
			return fmt.Errorf("backfill mode requires both start and end dates")
		}
		start, err := model.ParseDay(c.Start)
		if err != nil {
			return fmt.Errorf("start: %w", err)
		}
		end, err := model.ParseDay(c.End)
		if err != nil {
			return fmt.Errorf("end: %w", err)
		}
		if start.After(end) {
			return fmt.Errorf("start %s is after end %s", start, end)
		}
		if start.Before(model.LaunchDay) {
			return fmt.Errorf("start %s precedes launch date %s", start, model.LaunchDay)
		}
		if end.After(model.Yesterday()) {
			return fmt.Errorf("end %s is not yet published (latest is %s)", end, model.Yesterday())
		}
		c.start, c.end = start, end
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	return nil
}

// Window returns the resolved probe range. Only meaningful after Validate.
func (c *Config) Window() (start, end model.Day) {
	return c.start, c.end
}
