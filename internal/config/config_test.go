package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/futvision/klinewatch/internal/model"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	start, end := cfg.Window()
	assert.True(t, end.Equal(model.Yesterday()))
	assert.Equal(t, DefaultLookback, model.DaysBetween(start, end))
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("KLINEWATCH_LOOKBACK", "5")
	t.Setenv("KLINEWATCH_WORKERS", "30")
	t.Setenv("KLINEWATCH_DB", "/tmp/a.duckdb")
	t.Setenv("KLINEWATCH_LOG_LEVEL", "debug")

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv())
	assert.Equal(t, 5, cfg.Lookback)
	assert.Equal(t, 30, cfg.Workers)
	assert.Equal(t, "/tmp/a.duckdb", cfg.StorePath)
	assert.Equal(t, "debug", cfg.LogLevel)

	t.Setenv("KLINEWATCH_WORKERS", "many")
	err := cfg.ApplyEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KLINEWATCH_WORKERS")
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "klinewatch.yaml")
	body := "lookback: 7\nworkers: 64\ndb: /var/lib/kw/store.duckdb\nkline_rps: 10\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	cfg := Default()
	require.NoError(t, cfg.LoadFile(path))
	assert.Equal(t, 7, cfg.Lookback)
	assert.Equal(t, 64, cfg.Workers)
	assert.Equal(t, "/var/lib/kw/store.duckdb", cfg.StorePath)
	assert.Equal(t, 10.0, cfg.KlineRPS)

	assert.Error(t, cfg.LoadFile(filepath.Join(t.TempDir(), "missing.yaml")))
}

func TestValidateRejectsBadSettings(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"zero workers", func(c *Config) { c.Workers = 0 }, "workers"},
		{"zero lookback", func(c *Config) { c.Lookback = 0 }, "lookback"},
		{"empty store", func(c *Config) { c.StorePath = "" }, "store path"},
		{"unknown mode", func(c *Config) { c.Mode = "hourly" }, "unknown mode"},
		{"range in daily mode", func(c *Config) { c.Start = "2024-06-01" }, "backfill"},
		{"bad subset symbol", func(c *Config) { c.Only = []string{"btc"} }, "--only"},
		{"inverted band", func(c *Config) { c.CompletenessMin = 10; c.CompletenessMax = 5 }, "completeness"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestValidateBackfillRange(t *testing.T) {
	cfg := Default()
	cfg.Mode = ModeBackfill
	cfg.Start, cfg.End = "2024-05-30", "2024-06-01"
	require.NoError(t, cfg.Validate())
	start, end := cfg.Window()
	assert.Equal(t, "2024-05-30", start.String())
	assert.Equal(t, "2024-06-01", end.String())

	// Launch date itself is valid, anything earlier is not.
	cfg = Default()
	cfg.Mode = ModeBackfill
	cfg.Start, cfg.End = "2019-09-25", "2019-09-25"
	require.NoError(t, cfg.Validate())

	cfg.Start = "2019-09-24"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "launch date")

	cfg = Default()
	cfg.Mode = ModeBackfill
	cfg.Start, cfg.End = "2024-06-02", "2024-06-01"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after end")

	cfg = Default()
	cfg.Mode = ModeBackfill
	cfg.Start = "2024-06-01"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires both")

	cfg = Default()
	cfg.Mode = ModeBackfill
	cfg.Start, cfg.End = "2024-06-01", model.Today().String()
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not yet published")
}

func TestDailyWindowClampsToLaunch(t *testing.T) {
	cfg := Default()
	cfg.Lookback = 100000
	require.NoError(t, cfg.Validate())
	start, _ := cfg.Window()
	assert.True(t, start.Equal(model.LaunchDay))
}
