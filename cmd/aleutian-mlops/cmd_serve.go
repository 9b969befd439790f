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
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianMLOps/services/recloop"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the loop and its HTTP API",
	Long: `Starts the HTTP API under /v1/loop, the drift scanner, the monitor
collector, the retrain ceiling check and periodic graph checkpoints.

Gate bounds and the drift threshold are reloaded when the config file
changes. Everything else needs a restart.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Close()
	lg := logger.Slog()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if version != "dev" {
		cfg.Telemetry.ServiceVersion = version
	}
	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			lg.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}()

	svc, err := recloop.NewService(ctx, cfg,
		recloop.WithConfigPath(configPath),
		recloop.WithServiceLogger(lg),
	)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			lg.Warn("close service", slog.String("error", err.Error()))
		}
	}()

	lg.Info("aleutian-mlops starting",
		slog.String("version", version),
		slog.String("commit", commit),
		slog.String("addr", cfg.Server.Addr),
		slog.Bool("in_memory", cfg.Storage.InMemory),
	)
	return svc.Run(ctx)
}
