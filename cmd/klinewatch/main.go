package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/futvision/klinewatch/internal/config"
)

const version = "v0.4.1"

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	rootCmd := &cobra.Command{
		Use:     "klinewatch",
		Short:   "Track daily 1m kline archive availability for USDT-margined perpetuals",
		Version: version,
		Long: `klinewatch probes data.binance.vision for daily 1-minute kline archives of
USDT-margined perpetual contracts and maintains a single-file DuckDB database
of per-(date, symbol) availability, enriched with daily OHLCV and taker
aggregates. Every successful run republishes a Parquet rankings artifact.

The database file is the product: downstream consumers attach it read-only.`,
	}

	rootCmd.PersistentFlags().String("config", "", "Path to YAML config (default config/klinewatch.yaml if present)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (trace|debug|info|warn|error)")

	dailyCmd := &cobra.Command{
		Use:   "daily",
		Short: "Probe the rolling lookback window ending yesterday (UTC)",
		Long: `Runs the full pipeline over the lookback window: discover new contracts,
backfill unseen symbols from bucket listings, probe every (date, symbol) cell,
fetch daily aggregates, validate and republish the rankings artifact.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, config.ModeDaily)
		},
	}
	dailyCmd.Flags().Int("lookback", config.DefaultLookback, "Days to re-probe, ending yesterday")

	backfillCmd := &cobra.Command{
		Use:   "backfill",
		Short: "Probe an explicit historical date range",
		Long: `Runs the pipeline over [start, end]. Ranges wider than the listing
break-even are covered by per-symbol bucket listings instead of per-date HEAD
batches. Aggregate fetching is opt-in here: pass --klines deliberately on
multi-year ranges.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, config.ModeBackfill)
		},
	}
	backfillCmd.Flags().String("start", "", "First date to probe (YYYY-MM-DD)")
	backfillCmd.Flags().String("end", "", "Last date to probe (YYYY-MM-DD)")
	_ = backfillCmd.MarkFlagRequired("start")
	_ = backfillCmd.MarkFlagRequired("end")

	for _, cmd := range []*cobra.Command{dailyCmd, backfillCmd} {
		cmd.Flags().Int("workers", config.DefaultWorkers, "Probe worker pool size")
		cmd.Flags().String("db", config.DefaultStorePath, "Availability database file")
		cmd.Flags().String("symbols", config.DefaultSymbols, "Symbol manifest file")
		cmd.Flags().String("schema", config.DefaultSchema, "Schema descriptor manifest")
		cmd.Flags().String("out", config.DefaultOutDir, "Artifact output directory")
		cmd.Flags().StringSlice("only", nil, "Restrict the run to these symbols")
	}
	dailyCmd.Flags().Bool("klines", true, "Fetch daily aggregates for available cells")
	backfillCmd.Flags().Bool("klines", false, "Fetch daily aggregates for available cells")

	discoverCmd := &cobra.Command{
		Use:   "discover",
		Short: "Merge the live contract set into the symbol manifest",
		Long:  "Fetches the tradable USDT-margined perpetuals and appends any new listings to the manifest. Never removes symbols.",
		RunE:  runDiscover,
	}
	discoverCmd.Flags().String("symbols", config.DefaultSymbols, "Symbol manifest file")

	schemaCmd := &cobra.Command{
		Use:   "schema",
		Short: "Schema descriptor operations",
	}
	schemaCheckCmd := &cobra.Command{
		Use:   "check",
		Short: "Compare the live store schema against the descriptor",
		Long:  "Exits non-zero on any drift: missing, unexpected or retyped columns. The same check gates every pipeline run.",
		RunE:  runSchemaCheck,
	}
	schemaCheckCmd.Flags().String("db", config.DefaultStorePath, "Availability database file")
	schemaCheckCmd.Flags().String("schema", config.DefaultSchema, "Schema descriptor manifest")
	schemaCmd.AddCommand(schemaCheckCmd)

	materializeCmd := &cobra.Command{
		Use:   "materialize",
		Short: "Recompute the Parquet rankings artifact from the store",
		Long:  "Full recompute of per-date quote-volume rankings, written atomically. Useful after manual store surgery.",
		RunE:  runMaterialize,
	}
	materializeCmd.Flags().String("db", config.DefaultStorePath, "Availability database file")
	materializeCmd.Flags().String("out", config.DefaultOutDir, "Artifact output directory")

	rootCmd.AddCommand(dailyCmd)
	rootCmd.AddCommand(backfillCmd)
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(materializeCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}
