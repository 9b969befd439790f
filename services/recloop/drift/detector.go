// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package drift detects distribution shift between a frozen baseline and a
// rolling window of pipeline samples.
//
// Two methods run on every scan. The statistical method compares each
// feature's window distribution to the baseline with PSI and the
// two-sample KS distance. The anomaly method scores window points with an
// isolation forest grown on the baseline. The report confidence is the
// larger of the two.
package drift

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/AleutianAI/AleutianMLOps/services/recloop/datatypes"
)

// Feature names pushed by the pipeline and the monitor.
const (
	FeatureComplexity      = "complexity"
	FeatureMaintainability = "maintainability"
	FeatureDuplication     = "duplication"
	FeatureQualityScore    = "quality_score"
	FeatureAcceptance      = "acceptance"
	FeatureLatencyMs       = "latency_ms"
)

// ErrInsufficientBaseline is returned by Freeze with too few samples.
var ErrInsufficientBaseline = errors.New("insufficient baseline samples")

// Sample is one observation of the feature vector.
type Sample struct {
	Timestamp time.Time          `json:"timestamp"`
	Features  map[string]float64 `json:"features"`
}

// Config tunes the detector.
type Config struct {
	// BaselineSize samples are collected before the baseline freezes on
	// its own. Default: 200
	BaselineSize int `yaml:"baseline_size" validate:"gte=0"`

	// WindowSize is the rolling window length. Default: 200
	WindowSize int `yaml:"window_size" validate:"gte=0"`

	// MinWindow is the fewest window samples a scan accepts. Default: 30
	MinWindow int `yaml:"min_window" validate:"gte=0"`

	// Threshold on combined confidence for Detected. Default: 0.7
	Threshold float64 `yaml:"threshold" validate:"gte=0,lte=1"`

	// FeatureThreshold lists a feature whose score reaches it. Default: 0.5
	FeatureThreshold float64 `yaml:"feature_threshold" validate:"gte=0,lte=1"`

	// Trees and SubSample shape the isolation forest. Defaults: 100, 256
	Trees     int `yaml:"trees" validate:"gte=0"`
	SubSample int `yaml:"sub_sample" validate:"gte=0"`

	// AnomalyThreshold is the per-point outlier score. Default: 0.6
	AnomalyThreshold float64 `yaml:"anomaly_threshold" validate:"gte=0,lte=1"`

	// Seed makes the forest reproducible. Default: 1
	Seed int64 `yaml:"seed"`
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		BaselineSize:     200,
		WindowSize:       200,
		MinWindow:        30,
		Threshold:        0.7,
		FeatureThreshold: 0.5,
		Trees:            100,
		SubSample:        256,
		AnomalyThreshold: 0.6,
		Seed:             1,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BaselineSize <= 0 {
		c.BaselineSize = def.BaselineSize
	}
	if c.WindowSize <= 0 {
		c.WindowSize = def.WindowSize
	}
	if c.MinWindow <= 0 {
		c.MinWindow = def.MinWindow
	}
	if c.Threshold <= 0 {
		c.Threshold = def.Threshold
	}
	if c.FeatureThreshold <= 0 {
		c.FeatureThreshold = def.FeatureThreshold
	}
	if c.Trees <= 0 {
		c.Trees = def.Trees
	}
	if c.SubSample <= 0 {
		c.SubSample = def.SubSample
	}
	if c.AnomalyThreshold <= 0 {
		c.AnomalyThreshold = def.AnomalyThreshold
	}
	if c.Seed == 0 {
		c.Seed = def.Seed
	}
	return c
}

// baseline is an immutable frozen reference distribution.
type baseline struct {
	features []string
	sorted   map[string][]float64
	edges    map[string][]float64
	shares   map[string][]float64
	mean     map[string]float64
	std      map[string]float64
	forest   *isolationForest
	baseRate float64
	window   datatypes.TimeWindow
	size     int
}

// Detector holds the baseline and rolling window.
//
// Thread Safety: Safe for concurrent use. Detect computes outside the lock
// on a copy of the window.
type Detector struct {
	mu      sync.Mutex
	cfg     Config
	pending []Sample
	base    *baseline
	ring    []Sample
	next    int
	count   int
	logger  *slog.Logger
	now     func() time.Time
}

// Option configures a Detector.
type Option func(*Detector)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(d *Detector) { d.logger = l } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(d *Detector) { d.now = now } }

// NewDetector creates a detector. Zero config fields take defaults.
func NewDetector(cfg Config, opts ...Option) *Detector {
	cfg = cfg.withDefaults()
	d := &Detector{
		cfg:    cfg,
		ring:   make([]Sample, cfg.WindowSize),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Observe adds a sample. Until the baseline is frozen samples accumulate
// into it; afterwards they enter the rolling window.
func (d *Detector) Observe(s Sample) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.base == nil {
		d.pending = append(d.pending, s)
		if len(d.pending) >= d.cfg.BaselineSize {
			d.freezeLocked(d.pending)
			d.pending = nil
		}
		return
	}
	d.ring[d.next] = s
	d.next = (d.next + 1) % len(d.ring)
	if d.count < len(d.ring) {
		d.count++
	}
}

// Freeze fixes the baseline from the samples collected so far.
func (d *Detector) Freeze() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.pending) < d.cfg.MinWindow {
		return fmt.Errorf("%w: have %d, need %d", ErrInsufficientBaseline, len(d.pending), d.cfg.MinWindow)
	}
	d.freezeLocked(d.pending)
	d.pending = nil
	return nil
}

// Rebaseline replaces the baseline with the current window and empties
// the window. Used after a new artifact is promoted.
func (d *Detector) Rebaseline() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	win := d.windowLocked()
	if len(win) < d.cfg.MinWindow {
		return fmt.Errorf("%w: window has %d, need %d", ErrInsufficientBaseline, len(win), d.cfg.MinWindow)
	}
	d.freezeLocked(win)
	d.count, d.next = 0, 0
	return nil
}

// Frozen reports whether a baseline exists.
func (d *Detector) Frozen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.base != nil
}

// WindowLen returns the number of samples in the rolling window.
func (d *Detector) WindowLen() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}

// SetThreshold changes the detection threshold at runtime.
func (d *Detector) SetThreshold(t float64) {
	if t <= 0 || t > 1 {
		return
	}
	d.mu.Lock()
	d.cfg.Threshold = t
	d.mu.Unlock()
}

// Threshold returns the current detection threshold.
func (d *Detector) Threshold() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.Threshold
}

func (d *Detector) windowLocked() []Sample {
	out := make([]Sample, 0, d.count)
	start := (d.next - d.count + len(d.ring)) % len(d.ring)
	for i := 0; i < d.count; i++ {
		out = append(out, d.ring[(start+i)%len(d.ring)])
	}
	return out
}

func (d *Detector) freezeLocked(samples []Sample) {
	b := buildBaseline(samples, d.cfg)
	d.base = b
	d.logger.Info("drift baseline frozen",
		slog.Int("samples", b.size),
		slog.Int("features", len(b.features)),
		slog.Float64("base_outlier_rate", b.baseRate),
		slog.Time("window_end", b.window.End),
	)
}

func buildBaseline(samples []Sample, cfg Config) *baseline {
	seen := make(map[string]bool)
	for _, s := range samples {
		for k := range s.Features {
			seen[k] = true
		}
	}
	b := &baseline{
		sorted: make(map[string][]float64, len(seen)),
		edges:  make(map[string][]float64, len(seen)),
		shares: make(map[string][]float64, len(seen)),
		mean:   make(map[string]float64, len(seen)),
		std:    make(map[string]float64, len(seen)),
		window: bounds(samples),
		size:   len(samples),
	}
	for k := range seen {
		b.features = append(b.features, k)
	}
	sort.Strings(b.features)

	kept := b.features[:0]
	for _, f := range b.features {
		vals := values(samples, f)
		if len(vals) < 2 {
			continue
		}
		kept = append(kept, f)
		mean, std := stat.MeanStdDev(vals, nil)
		b.mean[f], b.std[f] = mean, std
		b.sorted[f] = sortedCopy(vals)
		b.edges[f] = quantileEdges(b.sorted[f], psiBins)
		b.shares[f] = binShares(vals, b.edges[f])
	}
	b.features = kept

	points := b.points(samples)
	rng := rand.New(rand.NewSource(cfg.Seed))
	b.forest = buildForest(points, cfg.Trees, cfg.SubSample, rng)
	b.baseRate = b.forest.outlierRate(points, cfg.AnomalyThreshold)
	return b
}

// values returns the finite values of feature f. Samples without f are
// skipped, so producers may push partial feature vectors.
func values(samples []Sample, f string) []float64 {
	out := make([]float64, 0, len(samples))
	for _, s := range samples {
		if v, ok := s.Features[f]; ok && !math.IsNaN(v) && !math.IsInf(v, 0) {
			out = append(out, v)
		}
	}
	return out
}

// column returns feature f for every sample, filling gaps with the
// baseline mean.
func (b *baseline) column(samples []Sample, f string) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		v, ok := s.Features[f]
		if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
			v = b.mean[f]
		}
		out[i] = v
	}
	return out
}

func (b *baseline) points(samples []Sample) [][]float64 {
	cols := make([][]float64, len(b.features))
	for j, f := range b.features {
		cols[j] = b.column(samples, f)
	}
	out := make([][]float64, len(samples))
	for i := range samples {
		row := make([]float64, len(b.features))
		for j := range b.features {
			row[j] = cols[j][i]
		}
		out[i] = row
	}
	return out
}

func bounds(samples []Sample) datatypes.TimeWindow {
	if len(samples) == 0 {
		return datatypes.TimeWindow{}
	}
	w := datatypes.TimeWindow{Start: samples[0].Timestamp, End: samples[0].Timestamp}
	for _, s := range samples[1:] {
		if s.Timestamp.Before(w.Start) {
			w.Start = s.Timestamp
		}
		if s.Timestamp.After(w.End) {
			w.End = s.Timestamp
		}
	}
	return w
}

// =============================================================================
// Detection
// =============================================================================

// Detect compares the rolling window to the baseline.
//
// Outputs:
//
//	datatypes.DriftReport - Confidence is max(statistical, anomaly).
//	error - *datatypes.DriftDetectionError when the baseline is not frozen
//	        or the window is below MinWindow; ctx errors.
func (d *Detector) Detect(ctx context.Context) (datatypes.DriftReport, error) {
	d.mu.Lock()
	b := d.base
	win := d.windowLocked()
	pendingBounds := bounds(d.pending)
	cfg := d.cfg
	d.mu.Unlock()

	if b == nil {
		return datatypes.DriftReport{}, &datatypes.DriftDetectionError{
			WindowStart: pendingBounds.Start, WindowEnd: pendingBounds.End,
			Reason: "baseline not frozen",
		}
	}
	winBounds := bounds(win)
	if len(win) < cfg.MinWindow {
		return datatypes.DriftReport{}, &datatypes.DriftDetectionError{
			WindowStart: winBounds.Start, WindowEnd: winBounds.End,
			Reason: fmt.Sprintf("window has %d samples, need %d", len(win), cfg.MinWindow),
		}
	}

	// Statistical method.
	var psiMax, ksMax, statScore float64
	var statFeatures []string
	for _, f := range b.features {
		if err := ctx.Err(); err != nil {
			return datatypes.DriftReport{}, err
		}
		vals := values(win, f)
		if len(vals) < cfg.MinWindow {
			continue
		}
		p := clamp01(psiShift(b.shares[f], len(b.sorted[f]), binShares(vals, b.edges[f]), len(vals)) / psiScale)
		k := ksScore(b.sorted[f], sortedCopy(vals))
		psiMax = math.Max(psiMax, p)
		ksMax = math.Max(ksMax, k)
		score := math.Max(p, k)
		statScore = math.Max(statScore, score)
		if score >= cfg.FeatureThreshold {
			statFeatures = append(statFeatures, f)
		}
	}

	// Anomaly method.
	if err := ctx.Err(); err != nil {
		return datatypes.DriftReport{}, err
	}
	rate := b.forest.outlierRate(b.points(win), cfg.AnomalyThreshold)
	var anomalyScore float64
	if b.baseRate < 1 {
		anomalyScore = clamp01((rate - b.baseRate) / (1 - b.baseRate) * 2)
	}
	var anomalyFeatures []string
	for _, f := range b.features {
		vals := values(win, f)
		if len(vals) < cfg.MinWindow {
			continue
		}
		shift := math.Abs(stat.Mean(vals, nil) - b.mean[f])
		if shift > 2*b.std[f] && shift > 1e-12 {
			anomalyFeatures = append(anomalyFeatures, f)
		}
	}

	confidence := math.Max(statScore, anomalyScore)
	report := datatypes.DriftReport{
		Window:     winBounds,
		Detected:   confidence >= cfg.Threshold,
		Confidence: confidence,
		Features:   union(statFeatures, anomalyFeatures),
		Method:     datatypes.MethodCombined,
		PerMethod: map[string]datatypes.MethodResult{
			datatypes.MethodPSI:             {Score: psiMax},
			datatypes.MethodKS:              {Score: ksMax},
			datatypes.MethodStatistical:     {Score: statScore, Features: statFeatures},
			datatypes.MethodIsolationForest: {Score: anomalyScore, Features: anomalyFeatures},
		},
		GeneratedAt: d.now(),
	}
	return report, nil
}

func union(a, b []string) []string {
	set := make(map[string]bool, len(a)+len(b))
	for _, s := range a {
		set[s] = true
	}
	for _, s := range b {
		set[s] = true
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
