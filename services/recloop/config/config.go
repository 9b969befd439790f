// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the learning loop service configuration.
//
// Load reads YAML, applies ALEUTIAN_MLOPS_* environment overrides, fills
// defaults and validates. Watch re-reads the file on change and hands the
// hot-reloadable subset to a callback.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianMLOps/pkg/logging"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/artifactstore"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/deploy"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/drift"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/monitor"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/store"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/telemetry"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ALEUTIAN_MLOPS_"

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// =============================================================================
// Sections
// =============================================================================

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StorageConfig configures the embedded badger store.
type StorageConfig struct {
	// Dir holds the database. Required unless InMemory.
	Dir        string        `yaml:"dir" validate:"required_without=InMemory"`
	InMemory   bool          `yaml:"in_memory"`
	SyncWrites bool          `yaml:"sync_writes"`
	GCInterval time.Duration `yaml:"gc_interval"`
}

// Store returns the store.Config for this section.
func (s StorageConfig) Store() store.Config {
	var c store.Config
	if s.InMemory {
		c = store.InMemoryConfig()
	} else {
		c = store.DefaultConfig()
		c.Path = s.Dir
		c.SyncWrites = s.SyncWrites
	}
	if s.GCInterval > 0 {
		c.GCInterval = s.GCInterval
	}
	return c
}

// AnalyzerConfig configures the analyzer cache.
type AnalyzerConfig struct {
	CacheSize int           `yaml:"cache_size" validate:"gte=0"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`

	// BatchConcurrency bounds parallel units in a batch. Default: 8
	BatchConcurrency int `yaml:"batch_concurrency" validate:"gte=0"`
}

// GraphConfig configures the pattern graph engine.
type GraphConfig struct {
	PathDecay     float64 `yaml:"path_decay" validate:"gte=0,lte=1"`
	MaturityK     float64 `yaml:"maturity_k" validate:"gte=0"`
	CatalogPriors bool    `yaml:"catalog_priors"`

	// CheckpointInterval between graph snapshot writes. Default: 1m
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
}

// FeedbackConfig configures the collector and learner.
type FeedbackConfig struct {
	BatchSize       int           `yaml:"batch_size" validate:"gte=0"`
	Ceiling         time.Duration `yaml:"ceiling"`
	CheckInterval   time.Duration `yaml:"check_interval"`
	ModelName       string        `yaml:"model_name"`
	MinExamples     int           `yaml:"min_examples" validate:"gte=0"`
	Alpha           float64       `yaml:"alpha" validate:"gte=0"`
	HoldoutFraction float64       `yaml:"holdout_fraction" validate:"gte=0,lt=1"`

	// AutoDeploy rolls every accepted candidate out to the local target.
	AutoDeploy         bool   `yaml:"auto_deploy"`
	AutoDeployStrategy string `yaml:"auto_deploy_strategy" validate:"omitempty,oneof=immediate rolling canary blue_green"`
}

// DriftConfig configures the detector and scanner.
type DriftConfig struct {
	drift.Config `yaml:",inline"`
	ScanInterval time.Duration `yaml:"scan_interval"`
}

// DeployConfig configures the orchestrator.
type DeployConfig struct {
	deploy.Config `yaml:",inline"`

	// LocalTargetID names the in-process target. Default: local
	LocalTargetID string `yaml:"local_target_id"`
}

// MonitorConfig configures the performance monitor.
type MonitorConfig struct {
	monitor.Config `yaml:",inline"`
	Influx         monitor.InfluxConfig `yaml:"influx"`
}

// Config is the full service configuration.
type Config struct {
	Server        ServerConfig              `yaml:"server"`
	Storage       StorageConfig             `yaml:"storage"`
	Logging       logging.Config            `yaml:"logging"`
	Telemetry     telemetry.Config          `yaml:"telemetry"`
	Analyzer      AnalyzerConfig            `yaml:"analyzer"`
	Graph         GraphConfig               `yaml:"graph"`
	Feedback      FeedbackConfig            `yaml:"feedback"`
	Drift         DriftConfig               `yaml:"drift"`
	Deploy        DeployConfig              `yaml:"deploy"`
	Monitor       MonitorConfig             `yaml:"monitor"`
	ArtifactStore artifactstore.Config      `yaml:"artifact_store"`
	Targets       []deploy.HTTPTargetConfig `yaml:"targets" validate:"dive"`
}

// Default returns a configuration that runs in memory on :8090.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8090",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Storage:   StorageConfig{InMemory: true},
		Logging:   logging.Config{Level: "info", Format: logging.FormatAuto, Service: "aleutian-mlops"},
		Telemetry: telemetry.DefaultConfig(),
		Analyzer: AnalyzerConfig{
			CacheSize:        4096,
			CacheTTL:         10 * time.Minute,
			BatchConcurrency: 8,
		},
		Graph: GraphConfig{
			PathDecay:          0.5,
			MaturityK:          20,
			CatalogPriors:      true,
			CheckpointInterval: time.Minute,
		},
		Feedback: FeedbackConfig{
			BatchSize:          100,
			Ceiling:            24 * time.Hour,
			CheckInterval:      time.Minute,
			ModelName:          "acceptance",
			MinExamples:        10,
			Alpha:              10,
			HoldoutFraction:    0.2,
			AutoDeploy:         true,
			AutoDeployStrategy: "canary",
		},
		Drift:   DriftConfig{Config: drift.DefaultConfig(), ScanInterval: drift.DefaultScanInterval},
		Deploy:  DeployConfig{Config: deploy.DefaultConfig(), LocalTargetID: deploy.DefaultLocalTargetID},
		Monitor: MonitorConfig{Config: monitor.DefaultConfig()},
	}
}

// =============================================================================
// Loading
// =============================================================================

// Load reads path over the defaults, applies environment overrides and
// validates. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate runs the struct tag rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, err.Error())
	}
	if c.Deploy.Gate.MaxLatencyP95 < 0 {
		return fmt.Errorf("%w: deploy.gate.max_latency_p95 must not be negative", ErrInvalidConfig)
	}
	return nil
}

type lookupFunc func(string) (string, bool)

// envBinding maps one variable suffix to a field setter.
type envBinding struct {
	name string
	set  func(cfg *Config, v string) error
}

var envBindings = []envBinding{
	{"SERVER_ADDR", func(c *Config, v string) error { c.Server.Addr = v; return nil }},
	{"STORAGE_DIR", func(c *Config, v string) error { c.Storage.Dir = v; c.Storage.InMemory = false; return nil }},
	{"STORAGE_IN_MEMORY", boolSetter(func(c *Config) *bool { return &c.Storage.InMemory })},
	{"LOG_LEVEL", func(c *Config, v string) error { c.Logging.Level = v; return nil }},
	{"LOG_FORMAT", func(c *Config, v string) error { c.Logging.Format = v; return nil }},
	{"LOG_DIR", func(c *Config, v string) error { c.Logging.LogDir = v; return nil }},
	{"TRACE_EXPORTER", func(c *Config, v string) error { c.Telemetry.TraceExporter = v; return nil }},
	{"METRIC_EXPORTER", func(c *Config, v string) error { c.Telemetry.MetricExporter = v; return nil }},
	{"OTLP_ENDPOINT", func(c *Config, v string) error { c.Telemetry.OTLPEndpoint = v; return nil }},
	{"FEEDBACK_BATCH_SIZE", intSetter(func(c *Config) *int { return &c.Feedback.BatchSize })},
	{"FEEDBACK_AUTO_DEPLOY", boolSetter(func(c *Config) *bool { return &c.Feedback.AutoDeploy })},
	{"DRIFT_THRESHOLD", floatSetter(func(c *Config) *float64 { return &c.Drift.Threshold })},
	{"DRIFT_SCAN_INTERVAL", durationSetter(func(c *Config) *time.Duration { return &c.Drift.ScanInterval })},
	{"GATE_MAX_ERROR_RATE", floatSetter(func(c *Config) *float64 { return &c.Deploy.Gate.MaxErrorRate })},
	{"GATE_MAX_LATENCY_P95", durationSetter(func(c *Config) *time.Duration { return &c.Deploy.Gate.MaxLatencyP95 })},
	{"GATE_MIN_ACCEPTANCE_RATE", floatSetter(func(c *Config) *float64 { return &c.Deploy.Gate.MinAcceptanceRate })},
	{"ARTIFACT_STORE_KIND", func(c *Config, v string) error { c.ArtifactStore.Kind = v; return nil }},
	{"INFLUX_URL", func(c *Config, v string) error { c.Monitor.Influx.URL = v; return nil }},
	{"INFLUX_TOKEN", func(c *Config, v string) error { c.Monitor.Influx.Token = v; return nil }},
	{"S3_SECRET_KEY", func(c *Config, v string) error { c.ArtifactStore.S3.SecretKey = v; return nil }},
}

func applyEnv(cfg *Config, lookup lookupFunc) error {
	for _, b := range envBindings {
		v, ok := lookup(EnvPrefix + b.name)
		if !ok {
			continue
		}
		if err := b.set(cfg, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("%w: %s%s: %s", ErrInvalidConfig, EnvPrefix, b.name, err.Error())
		}
	}
	return nil
}

func intSetter(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*field(c) = n
		return nil
	}
}

func floatSetter(field func(*Config) *float64) func(*Config, string) error {
	return func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*field(c) = f
		return nil
	}
}

func boolSetter(field func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*field(c) = b
		return nil
	}
}

func durationSetter(field func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(c) = d
		return nil
	}
}
