package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/futvision/klinewatch/internal/catalog"
	"github.com/futvision/klinewatch/internal/config"
	"github.com/futvision/klinewatch/internal/metrics"
	"github.com/futvision/klinewatch/internal/pipeline"
	"github.com/futvision/klinewatch/internal/probe"
	"github.com/futvision/klinewatch/internal/store"
	"github.com/futvision/klinewatch/internal/vision"
)

const defaultConfigPath = "config/klinewatch.yaml"

// runPipeline wires the collaborators and executes one full run. The report
// and metrics artifacts are written on success and on failure alike; a failed
// run still returns its error so the process exits non-zero.
func runPipeline(cmd *cobra.Command, mode config.Mode) error {
	cfg, err := resolveConfig(cmd, mode)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.StorePath)
	if err != nil {
		return err
	}
	defer st.Close()

	client := vision.NewClient(vision.ClientConfig{
		BaseURL:        cfg.VisionBaseURL,
		MaxConcurrency: cfg.Workers,
		KlineRPS:       cfg.KlineRPS,
	})
	lister, err := vision.NewLister(ctx, vision.ListerConfig{Endpoint: cfg.ListingEndpoint})
	if err != nil {
		return err
	}

	m := metrics.New()
	drv := pipeline.New(cfg, pipeline.Deps{
		Store:   st,
		Prober:  probe.NewBatchProber(client, cfg.Workers),
		Lister:  lister,
		Klines:  client,
		Live:    catalog.NewMetaClient(cfg.MetaBaseURL),
		Metrics: m,
	})

	rep, runErr := drv.Run(ctx)

	if err := rep.Write(filepath.Join(cfg.OutDir, "run_report.json")); err != nil {
		log.Warn().Err(err).Msg("failed to write run report")
	}
	if err := m.WriteTextfile(filepath.Join(cfg.OutDir, "metrics.prom")); err != nil {
		log.Warn().Err(err).Msg("failed to write metrics textfile")
	}

	return runErr
}

// resolveConfig layers defaults, the optional YAML file, KLINEWATCH_*
// variables and CLI flags, in that order, then validates the result.
func resolveConfig(cmd *cobra.Command, mode config.Mode) (config.Config, error) {
	cfg := config.Default()
	cfg.Mode = mode
	if mode == config.ModeBackfill {
		cfg.FetchKlines = false
	}

	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = os.Getenv("KLINEWATCH_CONFIG")
	}
	explicit := path != ""
	if !explicit {
		path = defaultConfigPath
	}
	if err := cfg.LoadFile(path); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return cfg, err
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}

	overlayFlags(&cfg, cmd.Flags(), mode)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	applyLogLevel(cfg.LogLevel)
	return cfg, nil
}

// overlayFlags applies explicitly set flags on top of the file and env
// layers. Changed is false for flags a subcommand does not define, so the
// same overlay serves every command.
func overlayFlags(cfg *config.Config, f *pflag.FlagSet, mode config.Mode) {
	if f.Changed("lookback") {
		cfg.Lookback, _ = f.GetInt("lookback")
	}
	if f.Changed("workers") {
		cfg.Workers, _ = f.GetInt("workers")
	}
	if f.Changed("db") {
		cfg.StorePath, _ = f.GetString("db")
	}
	if f.Changed("symbols") {
		cfg.SymbolsPath, _ = f.GetString("symbols")
	}
	if f.Changed("schema") {
		cfg.SchemaPath, _ = f.GetString("schema")
	}
	if f.Changed("out") {
		cfg.OutDir, _ = f.GetString("out")
	}
	if f.Changed("log-level") {
		cfg.LogLevel, _ = f.GetString("log-level")
	}
	if f.Changed("only") {
		cfg.Only, _ = f.GetStringSlice("only")
	}
	if f.Changed("klines") {
		cfg.FetchKlines, _ = f.GetBool("klines")
	}
	if mode == config.ModeBackfill {
		cfg.Start, _ = f.GetString("start")
		cfg.End, _ = f.GetString("end")
	}
}

func applyLogLevel(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}
