package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/futvision/klinewatch/internal/catalog"
	"github.com/futvision/klinewatch/internal/config"
	"github.com/futvision/klinewatch/internal/pipeline"
	"github.com/futvision/klinewatch/internal/store"
)

// runDiscover is the standalone catalog refresh. Unlike the in-pipeline
// stage, an unreachable metadata endpoint is an error here: the operator
// asked for exactly this.
func runDiscover(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd, config.ModeDaily)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	symbols, err := catalog.Load(cfg.SymbolsPath)
	if err != nil {
		return err
	}
	live, err := catalog.NewMetaClient(cfg.MetaBaseURL).FetchLiveSymbols(ctx)
	if err != nil {
		return err
	}

	merged, added := catalog.Merge(symbols, live)
	if len(added) == 0 {
		fmt.Printf("catalog up to date (%d symbols)\n", len(merged))
		return nil
	}
	if err := catalog.Save(cfg.SymbolsPath, merged); err != nil {
		return err
	}
	fmt.Printf("added %d symbols: %s\n", len(added), strings.Join(added, ", "))
	return nil
}

func runSchemaCheck(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd, config.ModeDaily)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	desc, err := store.LoadDescriptor(cfg.SchemaPath)
	if err != nil {
		return err
	}
	st, err := store.Open(ctx, cfg.StorePath)
	if err != nil {
		return err
	}
	defer st.Close()

	exists, err := st.TableExists(ctx, desc.Table)
	if err != nil {
		return err
	}
	if !exists {
		fmt.Printf("store %s has no %s table yet\n", cfg.StorePath, desc.Table)
		return nil
	}
	if err := st.CheckSchema(ctx, desc); err != nil {
		return err
	}
	fmt.Printf("schema matches %s (%d columns)\n", cfg.SchemaPath, len(desc.Columns))
	return nil
}

func runMaterialize(cmd *cobra.Command, args []string) error {
	cfg, err := resolveConfig(cmd, config.ModeDaily)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	st, err := store.Open(ctx, cfg.StorePath)
	if err != nil {
		return err
	}
	defer st.Close()

	out := filepath.Join(cfg.OutDir, pipeline.RankingsFile)
	n, err := st.MaterializeRankings(ctx, out)
	if err != nil {
		return err
	}
	fmt.Printf("wrote %s (%d rows)\n", out, n)
	return nil
}
