// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.
// Command aleutian-mlops runs and inspects the recommendation loop.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianMLOps/pkg/logging"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/config"
)

// Set by -ldflags at build time.
var (
	version = "dev"
	commit  = "none"
)

var (
	configPath string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:   "aleutian-mlops",
	Short: "Quality recommendations that learn from developer feedback",
	Long: `aleutian-mlops scores code units, recommends improvements, learns from
developer feedback and rolls retrained models out behind health gates.

Examples:
  aleutian-mlops serve --config mlops.yaml
  aleutian-mlops analyze internal/server/handler.go
  git diff | aleutian-mlops analyze-diff -
  aleutian-mlops graph prune --min-weight 0.05 --stale-after 720h`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv(config.EnvPrefix+"CONFIG"), "path to the YAML config")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "override logging.format (auto, text, json)")

	rootCmd.AddCommand(serveCmd, analyzeCmd, analyzeDiffCmd, graphCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the config and applies the logging flag overrides.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	return cfg, nil
}

// newLogger builds the process logger and installs it as slog's default.
func newLogger(cfg logging.Config) (*logging.Logger, error) {
	l, err := logging.New(cfg)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(l.Slog())
	return l, nil
}
