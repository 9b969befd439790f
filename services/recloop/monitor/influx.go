// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package monitor

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// InfluxConfig locates the InfluxDB bucket for snapshot points.
type InfluxConfig struct {
	URL    string `yaml:"url" validate:"omitempty,url"`
	Token  string `yaml:"token"`
	Org    string `yaml:"org"`
	Bucket string `yaml:"bucket"`
}

// Enabled reports whether a URL is configured.
func (c InfluxConfig) Enabled() bool { return c.URL != "" }

// InfluxSink writes one "loop_snapshot" point per collected key.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
}

// NewInfluxSink connects lazily; the first write reports reachability.
func NewInfluxSink(cfg InfluxConfig) (*InfluxSink, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("influx sink: url is required")
	}
	if cfg.Org == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("influx sink: org and bucket are required")
	}
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
	}, nil
}

// WriteSnapshot implements PointSink.
func (s *InfluxSink) WriteSnapshot(ctx context.Context, snap Snapshot) error {
	p := influxdb2.NewPointWithMeasurement("loop_snapshot").
		AddTag("artifact_version", snap.ArtifactVersion).
		AddTag("target_id", snap.TargetID).
		AddField("requests", snap.Requests).
		AddField("error_rate", snap.ErrorRate).
		AddField("acceptance_rate", snap.AcceptanceRate).
		AddField("acceptance_samples", snap.AcceptanceSamples).
		AddField("p50_ms", Millis(snap.P50)).
		AddField("p95_ms", Millis(snap.P95)).
		AddField("p99_ms", Millis(snap.P99)).
		AddField("memory_bytes", int64(snap.MemoryBytes)).
		AddField("goroutines", snap.Goroutines).
		SetTime(snap.At)
	if err := s.writeAPI.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("write snapshot point: %w", err)
	}
	return nil
}

// Close releases the client.
func (s *InfluxSink) Close() {
	s.client.Close()
}
