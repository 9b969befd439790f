// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/AleutianMLOps/services/recloop/deploy"
)

// Reloadable is the part of Config applied without a restart.
type Reloadable struct {
	Gate           deploy.HealthGate
	DriftThreshold float64
}

// Reloadable extracts the hot-reloadable subset.
func (c Config) Reloadable() Reloadable {
	return Reloadable{Gate: c.Deploy.Gate, DriftThreshold: c.Drift.Threshold}
}

// watchDebounce coalesces the burst of events an editor save produces.
const watchDebounce = 100 * time.Millisecond

// Watch calls onChange whenever path is rewritten with a valid config
// whose reloadable subset differs from the last one seen. Invalid files
// are logged and ignored. It blocks until ctx is done.
//
// The parent directory is watched, so replace-by-rename saves are seen.
func Watch(ctx context.Context, path string, initial Reloadable, onChange func(Reloadable), logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	last := initial
	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}
			fire = timer.C

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", slog.String("error", err.Error()))

		case <-fire:
			fire = nil
			cfg, err := Load(path)
			if err != nil {
				logger.Warn("config reload rejected", slog.String("path", path), slog.String("error", err.Error()))
				continue
			}
			next := cfg.Reloadable()
			if next == last {
				continue
			}
			last = next
			logger.Info("config reloaded",
				slog.Float64("drift_threshold", next.DriftThreshold),
				slog.Float64("gate_max_error_rate", next.Gate.MaxErrorRate),
				slog.Duration("gate_max_latency_p95", next.Gate.MaxLatencyP95),
				slog.Float64("gate_min_acceptance_rate", next.Gate.MinAcceptanceRate),
			)
			onChange(next)
		}
	}
}
