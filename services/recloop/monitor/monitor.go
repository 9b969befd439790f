// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package monitor keeps sliding windows of served-request telemetry per
// (artifact, target) and raises alerts when they degrade.
package monitor

import (
	"context"
	"log/slog"
	"math"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/AleutianAI/AleutianMLOps/services/recloop/drift"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/events"
)

// Alert types.
const (
	AlertAcceptanceDrop = "acceptance_drop"
	AlertErrorRate      = "error_rate"
	AlertLatencyP95     = "latency_p95"
)

// Observation is one served request.
type Observation struct {
	ArtifactVersion string
	TargetID        string
	Latency         time.Duration
	Err             error
	// Accepted is set when the observation is developer feedback on a
	// recommendation served by the artifact.
	Accepted *bool
}

// Snapshot is the windowed view of one (artifact, target).
type Snapshot struct {
	ArtifactVersion   string        `json:"artifact_version"`
	TargetID          string        `json:"target_id"`
	Requests          int           `json:"requests"`
	Errors            int           `json:"errors"`
	ErrorRate         float64       `json:"error_rate"`
	AcceptanceRate    float64       `json:"acceptance_rate"`
	AcceptanceSamples int           `json:"acceptance_samples"`
	P50               time.Duration `json:"p50"`
	P95               time.Duration `json:"p95"`
	P99               time.Duration `json:"p99"`
	MemoryBytes       uint64        `json:"memory_bytes"`
	Goroutines        int           `json:"goroutines"`
	At                time.Time     `json:"at"`
}

// SampleSink receives drift samples derived from each collection.
// *drift.Detector satisfies it.
type SampleSink interface {
	Observe(drift.Sample)
}

// PointSink persists snapshots, e.g. to a time-series database.
type PointSink interface {
	WriteSnapshot(ctx context.Context, s Snapshot) error
}

// Config tunes windows and alert thresholds.
type Config struct {
	// WindowSize observations per key. Default: 1000
	WindowSize int `yaml:"window_size" validate:"gte=0"`

	// CollectInterval of the collector loop. Default: 15s
	CollectInterval time.Duration `yaml:"collect_interval"`

	// AcceptanceDrop alerts when acceptance falls by more than this
	// fraction of the key's baseline. Default: 0.15
	AcceptanceDrop float64 `yaml:"acceptance_drop" validate:"gte=0,lte=1"`

	// MaxErrorRate alerts above. Default: 0.05
	MaxErrorRate float64 `yaml:"max_error_rate" validate:"gte=0,lte=1"`

	// MaxLatencyP95 alerts above. Default: 250ms
	MaxLatencyP95 time.Duration `yaml:"max_latency_p95"`
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		WindowSize:      1000,
		CollectInterval: 15 * time.Second,
		AcceptanceDrop:  0.15,
		MaxErrorRate:    0.05,
		MaxLatencyP95:   250 * time.Millisecond,
	}
}

type key struct{ artifact, target string }

type obs struct {
	latency  time.Duration
	failed   bool
	accepted int8 // -1 unknown, 0 rejected, 1 accepted
}

// window is a fixed-size ring of observations.
type window struct {
	buf   []obs
	next  int
	count int
	total int64

	baseline    float64
	hasBaseline bool
	alerting    map[string]bool
}

func (w *window) push(o obs) {
	w.buf[w.next] = o
	w.next = (w.next + 1) % len(w.buf)
	if w.count < len(w.buf) {
		w.count++
	}
	w.total++
}

func (w *window) items() []obs {
	out := make([]obs, 0, w.count)
	start := (w.next - w.count + len(w.buf)) % len(w.buf)
	for i := 0; i < w.count; i++ {
		out = append(out, w.buf[(start+i)%len(w.buf)])
	}
	return out
}

type resources struct {
	memory     uint64
	goroutines int
}

// Monitor aggregates observations.
//
// Thread Safety: Safe for concurrent use.
type Monitor struct {
	cfg     Config
	mu      sync.Mutex
	windows map[key]*window

	res    atomic.Pointer[resources]
	bus    events.Publisher
	sink   SampleSink
	points PointSink
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithPublisher sets where alerts go.
func WithPublisher(p events.Publisher) Option { return func(m *Monitor) { m.bus = p } }

// WithSampleSink feeds drift samples on each collection.
func WithSampleSink(s SampleSink) Option { return func(m *Monitor) { m.sink = s } }

// WithPointSink persists each collected snapshot.
func WithPointSink(p PointSink) Option { return func(m *Monitor) { m.points = p } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(m *Monitor) { m.logger = l } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(m *Monitor) { m.now = now } }

// New creates a monitor. Zero config fields take defaults.
func New(cfg Config, opts ...Option) *Monitor {
	def := DefaultConfig()
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.CollectInterval <= 0 {
		cfg.CollectInterval = def.CollectInterval
	}
	if cfg.AcceptanceDrop <= 0 {
		cfg.AcceptanceDrop = def.AcceptanceDrop
	}
	if cfg.MaxErrorRate <= 0 {
		cfg.MaxErrorRate = def.MaxErrorRate
	}
	if cfg.MaxLatencyP95 <= 0 {
		cfg.MaxLatencyP95 = def.MaxLatencyP95
	}
	m := &Monitor{
		cfg:     cfg,
		windows: make(map[key]*window),
		bus:     events.Discard{},
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.res.Store(&resources{})
	return m
}

// Record adds one observation.
func (m *Monitor) Record(o Observation) {
	acc := int8(-1)
	if o.Accepted != nil {
		acc = 0
		if *o.Accepted {
			acc = 1
		}
	}
	status := "ok"
	if o.Err != nil {
		status = "error"
	}
	if o.Latency > 0 {
		requestLatency.WithLabelValues(o.ArtifactVersion, o.TargetID).Observe(o.Latency.Seconds())
	}
	if o.Accepted == nil {
		requestsTotal.WithLabelValues(o.ArtifactVersion, o.TargetID, status).Inc()
	}

	k := key{o.ArtifactVersion, o.TargetID}
	m.mu.Lock()
	w, ok := m.windows[k]
	if !ok {
		w = &window{buf: make([]obs, m.cfg.WindowSize), alerting: make(map[string]bool)}
		m.windows[k] = w
	}
	w.push(obs{latency: o.Latency, failed: o.Err != nil, accepted: acc})
	m.mu.Unlock()
}

// Snapshot returns the windowed stats for (artifact, target). A key with
// no observations yields a zero Snapshot with Requests == 0.
func (m *Monitor) Snapshot(artifact, target string) Snapshot {
	m.mu.Lock()
	var items []obs
	if w, ok := m.windows[key{artifact, target}]; ok {
		items = w.items()
	}
	m.mu.Unlock()
	return m.compute(artifact, target, items)
}

func (m *Monitor) compute(artifact, target string, items []obs) Snapshot {
	r := m.res.Load()
	s := Snapshot{
		ArtifactVersion: artifact,
		TargetID:        target,
		MemoryBytes:     r.memory,
		Goroutines:      r.goroutines,
		At:              m.now(),
	}
	lat := make([]float64, 0, len(items))
	var accepted int
	for _, o := range items {
		if o.accepted >= 0 {
			s.AcceptanceSamples++
			accepted += int(o.accepted)
			continue
		}
		s.Requests++
		if o.failed {
			s.Errors++
		}
		lat = append(lat, float64(o.latency))
	}
	if s.Requests > 0 {
		s.ErrorRate = float64(s.Errors) / float64(s.Requests)
		sort.Float64s(lat)
		s.P50 = time.Duration(stat.Quantile(0.50, stat.Empirical, lat, nil))
		s.P95 = time.Duration(stat.Quantile(0.95, stat.Empirical, lat, nil))
		s.P99 = time.Duration(stat.Quantile(0.99, stat.Empirical, lat, nil))
	}
	if s.AcceptanceSamples > 0 {
		s.AcceptanceRate = float64(accepted) / float64(s.AcceptanceSamples)
	}
	return s
}

// Keys returns every observed (artifact, target) pair.
func (m *Monitor) Keys() [][2]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][2]string, 0, len(m.windows))
	for k := range m.windows {
		out = append(out, [2]string{k.artifact, k.target})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i][0] != out[j][0] {
			return out[i][0] < out[j][0]
		}
		return out[i][1] < out[j][1]
	})
	return out
}

func (m *Monitor) sampleResources() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	r := &resources{memory: ms.HeapAlloc, goroutines: runtime.NumGoroutine()}
	m.res.Store(r)
	memoryBytes.Set(float64(r.memory))
	goroutines.Set(float64(r.goroutines))
}

// Collect samples resources, refreshes gauges, raises alerts and feeds
// the drift and point sinks. It returns the snapshot of every key.
func (m *Monitor) Collect(ctx context.Context) []Snapshot {
	m.sampleResources()

	type work struct {
		k     key
		items []obs
		full  bool
	}
	m.mu.Lock()
	jobs := make([]work, 0, len(m.windows))
	for k, w := range m.windows {
		jobs = append(jobs, work{k: k, items: w.items(), full: w.total >= int64(len(w.buf))})
	}
	m.mu.Unlock()
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].k.artifact != jobs[j].k.artifact {
			return jobs[i].k.artifact < jobs[j].k.artifact
		}
		return jobs[i].k.target < jobs[j].k.target
	})

	out := make([]Snapshot, 0, len(jobs))
	for _, j := range jobs {
		if ctx.Err() != nil {
			break
		}
		s := m.compute(j.k.artifact, j.k.target, j.items)
		out = append(out, s)

		acceptanceRate.WithLabelValues(s.ArtifactVersion, s.TargetID).Set(s.AcceptanceRate)
		errorRate.WithLabelValues(s.ArtifactVersion, s.TargetID).Set(s.ErrorRate)
		latencyP95.WithLabelValues(s.ArtifactVersion, s.TargetID).Set(s.P95.Seconds())

		m.checkAlerts(j.k, s, j.full)

		if m.sink != nil {
			features := make(map[string]float64, 2)
			if s.Requests > 0 {
				features[drift.FeatureLatencyMs] = Millis(s.P95)
			}
			if s.AcceptanceSamples > 0 {
				features[drift.FeatureAcceptance] = s.AcceptanceRate
			}
			if len(features) > 0 {
				m.sink.Observe(drift.Sample{Timestamp: s.At, Features: features})
			}
		}
		if m.points != nil {
			if err := m.points.WriteSnapshot(ctx, s); err != nil {
				m.logger.Warn("snapshot not persisted",
					slog.String("artifact_version", s.ArtifactVersion),
					slog.String("target_id", s.TargetID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	return out
}

// checkAlerts raises each alert once when its condition starts holding
// and re-arms it when the condition clears.
func (m *Monitor) checkAlerts(k key, s Snapshot, full bool) {
	m.mu.Lock()
	w, ok := m.windows[k]
	if !ok {
		m.mu.Unlock()
		return
	}
	if !w.hasBaseline && full && s.AcceptanceSamples > 0 {
		w.baseline = s.AcceptanceRate
		w.hasBaseline = true
	}
	baseline, hasBaseline := w.baseline, w.hasBaseline

	conditions := map[string]bool{
		AlertErrorRate:  s.Requests > 0 && s.ErrorRate > m.cfg.MaxErrorRate,
		AlertLatencyP95: s.Requests > 0 && s.P95 > m.cfg.MaxLatencyP95,
		AlertAcceptanceDrop: hasBaseline && baseline > 0 && s.AcceptanceSamples > 0 &&
			(baseline-s.AcceptanceRate)/baseline > m.cfg.AcceptanceDrop,
	}
	var fire []string
	for alert, breached := range conditions {
		if breached && !w.alerting[alert] {
			fire = append(fire, alert)
		}
		w.alerting[alert] = breached
	}
	m.mu.Unlock()

	sort.Strings(fire)
	for _, alert := range fire {
		alertsTotal.WithLabelValues(alert).Inc()
		values := map[string]float64{
			"error_rate":      s.ErrorRate,
			"latency_p95_ms":  Millis(s.P95),
			"acceptance_rate": s.AcceptanceRate,
		}
		if hasBaseline {
			values["acceptance_baseline"] = baseline
		}
		m.logger.Warn("monitor alert",
			slog.String("alert", alert),
			slog.String("artifact_version", s.ArtifactVersion),
			slog.String("target_id", s.TargetID),
		)
		m.bus.Publish(events.Event{
			Severity:  events.SeverityWarning,
			Component: "monitor",
			Type:      alert,
			Message:   alert + " breached for " + s.ArtifactVersion + " on " + s.TargetID,
			Values:    values,
			Labels:    map[string]string{"artifact_version": s.ArtifactVersion, "target_id": s.TargetID},
		})
	}
}

// Run collects every CollectInterval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CollectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Collect(ctx)
		}
	}
}

// Millis converts d to fractional milliseconds.
func Millis(d time.Duration) float64 {
	return math.Round(float64(d)/float64(time.Microsecond)) / 1000
}
