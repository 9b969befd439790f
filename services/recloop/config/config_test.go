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
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
server:
  addr: ":9000"
storage:
  dir: /var/lib/mlops
  in_memory: false
feedback:
  batch_size: 50
drift:
  threshold: 0.6
  scan_interval: 1m
deploy:
  canary_percent: 20
  soak_duration: 2m
  gate:
    max_error_rate: 0.02
    max_latency_p95: 300ms
    min_acceptance_rate: 0.4
targets:
  - id: edge
    base_url: http://edge:8080
`

func writeFile(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "mlops.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_FileOverDefaults(t *testing.T) {
	cfg, err := Load(writeFile(t, t.TempDir(), sample))
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "/var/lib/mlops", cfg.Storage.Dir)
	assert.False(t, cfg.Storage.InMemory)
	assert.Equal(t, 50, cfg.Feedback.BatchSize)
	assert.InDelta(t, 0.6, cfg.Drift.Threshold, 1e-9)
	assert.Equal(t, time.Minute, cfg.Drift.ScanInterval)
	assert.Equal(t, 20, cfg.Deploy.CanaryPercent)
	assert.Equal(t, 2*time.Minute, cfg.Deploy.SoakDuration)
	assert.Equal(t, 300*time.Millisecond, cfg.Deploy.Gate.MaxLatencyP95)
	require.Len(t, cfg.Targets, 1)
	assert.Equal(t, "edge", cfg.Targets[0].ID)

	// Untouched sections keep their defaults.
	assert.Equal(t, 4096, cfg.Analyzer.CacheSize)
	assert.Equal(t, 200, cfg.Drift.BaselineSize)
	assert.Equal(t, "local", cfg.Deploy.LocalTargetID)
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.Storage.InMemory)
	assert.Equal(t, ":8090", cfg.Server.Addr)
}

func TestApplyEnv_Overrides(t *testing.T) {
	env := map[string]string{
		EnvPrefix + "SERVER_ADDR":          ":7000",
		EnvPrefix + "STORAGE_DIR":          "/data",
		EnvPrefix + "DRIFT_THRESHOLD":      "0.9",
		EnvPrefix + "GATE_MAX_LATENCY_P95": "1s",
		EnvPrefix + "FEEDBACK_AUTO_DEPLOY": "false",
	}
	cfg := Default()
	require.NoError(t, applyEnv(&cfg, func(k string) (string, bool) { v, ok := env[k]; return v, ok }))

	assert.Equal(t, ":7000", cfg.Server.Addr)
	assert.Equal(t, "/data", cfg.Storage.Dir)
	assert.False(t, cfg.Storage.InMemory)
	assert.InDelta(t, 0.9, cfg.Drift.Threshold, 1e-9)
	assert.Equal(t, time.Second, cfg.Deploy.Gate.MaxLatencyP95)
	assert.False(t, cfg.Feedback.AutoDeploy)

	env[EnvPrefix+"FEEDBACK_BATCH_SIZE"] = "many"
	err := applyEnv(&cfg, func(k string) (string, bool) { v, ok := env[k]; return v, ok })
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoad_RejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"threshold out of range": "drift:\n  threshold: 1.5\n",
		"missing storage dir":    "storage:\n  in_memory: false\n",
		"bad target url":         "targets:\n  - id: x\n    base_url: nope\n",
		"unknown exporter":       "telemetry:\n  trace_exporter: zipkin\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, dir, body))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}

	_, err := Load(writeFile(t, dir, "server: [unclosed"))
	assert.Error(t, err)
}

func TestWatch_ReloadsGateAndThreshold(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, sample)
	cfg, err := Load(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := make(chan Reloadable, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, cfg.Reloadable(), func(r Reloadable) { changes <- r }, nil)
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	updated := sample + "\n"
	updated = strings.Replace(updated, "threshold: 0.6", "threshold: 0.8", 1)
	updated = strings.Replace(updated, "max_error_rate: 0.02", "max_error_rate: 0.1", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	select {
	case r := <-changes:
		assert.InDelta(t, 0.8, r.DriftThreshold, 1e-9)
		assert.InDelta(t, 0.1, r.Gate.MaxErrorRate, 1e-9)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload observed")
	}

	cancel()
	require.NoError(t, <-done)
}
