// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.
package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianMLOps/services/recloop/patterngraph"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/store"
)

var (
	pruneMinWeight  float64
	pruneStaleAfter time.Duration
	pruneDryRun     bool
)

var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Maintain the pattern graph checkpoint",
}

var graphPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Drop weak edges and stale nodes from the graph checkpoint",
	Long: `Loads the graph checkpoint from the configured store, drops edges
lighter than --min-weight and non-catalog nodes untouched for
--stale-after, and writes the result back.

The server must be stopped: the store is opened exclusively.

Examples:
  aleutian-mlops graph prune --min-weight 0.05
  aleutian-mlops graph prune --stale-after 2160h --dry-run`,
	Args: cobra.NoArgs,
	RunE: runGraphPrune,
}

func init() {
	graphPruneCmd.Flags().Float64Var(&pruneMinWeight, "min-weight", 0.01, "drop edges below this weight")
	graphPruneCmd.Flags().DurationVar(&pruneStaleAfter, "stale-after", 30*24*time.Hour, "drop unconnected nodes untouched for this long")
	graphPruneCmd.Flags().BoolVar(&pruneDryRun, "dry-run", false, "report without writing the checkpoint")
	graphCmd.AddCommand(graphPruneCmd)
}

func runGraphPrune(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Storage.InMemory {
		return errors.New("graph prune needs a persistent store; set storage.dir")
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Close()

	db, err := store.Open(cfg.Storage.Store())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	ctx := cmd.Context()
	engine := patterngraph.NewEngine(patterngraph.DefaultCatalog(),
		patterngraph.WithCatalogPriors(cfg.Graph.CatalogPriors),
		patterngraph.WithLogger(logger.Slog()),
	)
	found, err := engine.Load(ctx, db, store.ErrNotFound)
	if err != nil {
		return err
	}
	if !found {
		fmt.Fprintln(cmd.OutOrStdout(), "no graph checkpoint; nothing to prune")
		return nil
	}

	stats := engine.Prune(pruneMinWeight, time.Now().Add(-pruneStaleAfter))
	if !pruneDryRun {
		if _, err := engine.Checkpoint(ctx, db); err != nil {
			return err
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "removed %d edges and %d nodes; snapshot version %d",
		stats.EdgesRemoved, stats.NodesRemoved, stats.Version)
	if pruneDryRun {
		fmt.Fprint(cmd.OutOrStdout(), " (dry run, not written)")
	}
	fmt.Fprintln(cmd.OutOrStdout())
	return nil
}
