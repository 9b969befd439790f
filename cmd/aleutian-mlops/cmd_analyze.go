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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianMLOps/services/recloop"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/artifactstore"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/config"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/datatypes"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/monitor"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/quality"
)

var (
	analyzeJSON     bool
	analyzeLanguage string
	analyzeUseStore bool
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze FILE",
	Short: "Score one source file and print recommendations",
	Long: `Extracts quality metrics from FILE and prints the merged recommendations.

The language is inferred from the extension unless --language is given.
By default the analysis runs against an in-memory store; --use-store reads
the configured store so learned graph edges and the deployed model apply.

Examples:
  aleutian-mlops analyze pkg/router/router.go
  aleutian-mlops analyze script.py --json`,
	Args: cobra.ExactArgs(1),
	RunE: runAnalyze,
}

var analyzeDiffCmd = &cobra.Command{
	Use:   "analyze-diff FILE",
	Short: "Analyze every changed file of a unified diff",
	Long: `Reads a unified diff from FILE, or stdin when FILE is "-", turns each
added or modified file into a unit and analyzes them in parallel. Modified
files are rebuilt from the working tree when the pre-image exists there.

Examples:
  git diff HEAD~1 | aleutian-mlops analyze-diff -
  aleutian-mlops analyze-diff change.patch --json`,
	Args: cobra.ExactArgs(1),
	RunE: runAnalyzeDiff,
}

func init() {
	for _, c := range []*cobra.Command{analyzeCmd, analyzeDiffCmd} {
		c.Flags().BoolVar(&analyzeJSON, "json", false, "print JSON instead of a table")
		c.Flags().BoolVar(&analyzeUseStore, "use-store", false, "use the configured store instead of an in-memory one")
	}
	analyzeCmd.Flags().StringVar(&analyzeLanguage, "language", "", "source language (default: from extension)")
}

// openLocal builds a service for one-shot CLI work.
func openLocal(cmd *cobra.Command) (*recloop.Service, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if !analyzeUseStore {
		cfg.Storage = config.StorageConfig{InMemory: true}
		cfg.ArtifactStore = artifactstore.Config{}
	}
	cfg.Monitor.Influx = monitor.InfluxConfig{}
	cfg.Targets = nil
	cfg.Feedback.AutoDeploy = false
	if logLevel == "" {
		cfg.Logging.Level = "warn"
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	return recloop.NewService(cmd.Context(), cfg, recloop.WithServiceLogger(logger.Slog()))
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	path := args[0]
	src, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	lang := analyzeLanguage
	if lang == "" {
		lang = quality.LanguageFromPath(path)
	}
	if lang == "" {
		return fmt.Errorf("cannot infer language of %s; pass --language", path)
	}

	svc, err := openLocal(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	set, err := svc.Pipeline().Analyze(cmd.Context(), datatypes.CodeUnit{
		ID:       filepath.ToSlash(path),
		Path:     path,
		Source:   string(src),
		Language: lang,
	})
	if err != nil {
		return err
	}
	if analyzeJSON {
		return printJSON(cmd.OutOrStdout(), set)
	}
	printSet(cmd.OutOrStdout(), set)
	return nil
}

func runAnalyzeDiff(cmd *cobra.Command, args []string) error {
	var (
		patch []byte
		err   error
	)
	if args[0] == "-" {
		patch, err = io.ReadAll(cmd.InOrStdin())
	} else {
		patch, err = os.ReadFile(args[0])
	}
	if err != nil {
		return err
	}

	svc, err := openLocal(cmd)
	if err != nil {
		return err
	}
	defer svc.Close()

	res, err := svc.Pipeline().AnalyzeDiff(cmd.Context(), string(patch), os.ReadFile)
	if err != nil {
		return err
	}
	if analyzeJSON {
		return printJSON(cmd.OutOrStdout(), res)
	}
	out := cmd.OutOrStdout()
	for _, set := range res.Sets {
		printSet(out, set)
		fmt.Fprintln(out)
	}
	for _, s := range res.Skipped {
		fmt.Fprintf(out, "skipped %s: %s\n", s.Path, s.Reason)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printSet(w io.Writer, set *datatypes.RecommendationSet) {
	if set.Status != datatypes.StatusOK {
		fmt.Fprintf(w, "%s: metrics unavailable (%s)\n", set.UnitID, set.Reason)
		return
	}
	m := set.Metrics
	fmt.Fprintf(w, "%s  quality %.2f  complexity %d  maintainability %.1f  duplication %.0f%%  model %s\n",
		set.UnitID, set.QualityScore, m.CyclomaticComplexity, m.MaintainabilityIndex, m.DuplicationRatio*100, set.ModelVersion)
	if len(set.Recommendations) == 0 {
		fmt.Fprintln(w, "  no recommendations")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  CONF\tCATEGORY\tSOURCE\tLINES\tRATIONALE")
	for _, r := range set.Recommendations {
		flag := ""
		if r.LowConfidence {
			flag = " (low confidence)"
		}
		fmt.Fprintf(tw, "  %.2f\t%s\t%s\t%s\t%s%s\n", r.Confidence, r.Category, r.Source, r.Span, r.Rationale, flag)
	}
	tw.Flush()
}
