// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package drift

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianMLOps/services/recloop/datatypes"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/events"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/store"
)

var t0 = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

type gen struct {
	rng   *rand.Rand
	clock time.Time
}

func newGen(seed int64) *gen {
	return &gen{rng: rand.New(rand.NewSource(seed)), clock: t0}
}

// sample draws one feature vector; shift moves complexity by shift
// standard deviations.
func (g *gen) sample(shift float64) Sample {
	g.clock = g.clock.Add(time.Second)
	return Sample{
		Timestamp: g.clock,
		Features: map[string]float64{
			FeatureComplexity:      10 + 2*(g.rng.NormFloat64()+shift),
			FeatureMaintainability: 70 + 5*g.rng.NormFloat64(),
			FeatureDuplication:     0.1 + 0.02*g.rng.NormFloat64(),
			FeatureQualityScore:    0.6 + 0.05*g.rng.NormFloat64(),
			FeatureAcceptance:      0.6 + 0.05*g.rng.NormFloat64(),
			FeatureLatencyMs:       50 + 10*g.rng.NormFloat64(),
		},
	}
}

func (g *gen) feed(d *Detector, n int, shift float64) {
	for i := 0; i < n; i++ {
		d.Observe(g.sample(shift))
	}
}

func frozenDetector(t *testing.T, g *gen) *Detector {
	t.Helper()
	d := NewDetector(DefaultConfig(), WithClock(func() time.Time { return t0 }))
	g.feed(d, 200, 0)
	require.True(t, d.Frozen())
	return d
}

func TestDetect_BaselineNotFrozen(t *testing.T) {
	d := NewDetector(DefaultConfig())
	newGen(1).feed(d, 50, 0)

	_, err := d.Detect(context.Background())
	var dde *datatypes.DriftDetectionError
	require.True(t, errors.As(err, &dde))
	assert.Contains(t, dde.Reason, "not frozen")
	assert.False(t, dde.WindowEnd.IsZero())
}

func TestDetect_WindowBelowMinimum(t *testing.T) {
	g := newGen(2)
	d := frozenDetector(t, g)
	g.feed(d, 10, 0)

	_, err := d.Detect(context.Background())
	var dde *datatypes.DriftDetectionError
	require.True(t, errors.As(err, &dde))
	assert.Contains(t, dde.Reason, "10 samples")
}

func TestDetect_ControlWindow(t *testing.T) {
	g := newGen(3)
	d := frozenDetector(t, g)
	g.feed(d, 200, 0)

	r, err := d.Detect(context.Background())
	require.NoError(t, err)
	assert.False(t, r.Detected, "confidence %.3f", r.Confidence)
	assert.Less(t, r.Confidence, 0.7)
	assert.Equal(t, datatypes.MethodCombined, r.Method)
}

func TestDetect_SmallControlWindows(t *testing.T) {
	for _, n := range []int{30, 60} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			for seed := int64(100); seed < 120; seed++ {
				g := newGen(seed)
				d := frozenDetector(t, g)
				g.feed(d, n, 0)

				r, err := d.Detect(context.Background())
				require.NoError(t, err)
				assert.False(t, r.Detected, "seed %d confidence %.3f", seed, r.Confidence)
				assert.Less(t, r.PerMethod[datatypes.MethodPSI].Score, 0.5, "seed %d", seed)
			}
		})
	}
}

func TestDetect_ThreeSigmaShiftSmallWindow(t *testing.T) {
	g := newGen(14)
	d := frozenDetector(t, g)
	g.feed(d, 30, 3)

	r, err := d.Detect(context.Background())
	require.NoError(t, err)
	assert.True(t, r.Detected, "confidence %.3f", r.Confidence)
	assert.Contains(t, r.Features, FeatureComplexity)
}

func TestDetect_ThreeSigmaShift(t *testing.T) {
	g := newGen(4)
	d := frozenDetector(t, g)
	g.feed(d, 200, 3)

	r, err := d.Detect(context.Background())
	require.NoError(t, err)
	assert.True(t, r.Detected)
	assert.GreaterOrEqual(t, r.Confidence, 0.7)
	assert.Contains(t, r.Features, FeatureComplexity)
	assert.Contains(t, r.PerMethod[datatypes.MethodIsolationForest].Features, FeatureComplexity)
	assert.InDelta(t, 1.0, r.PerMethod[datatypes.MethodKS].Score, 1e-9)
	assert.Equal(t, t0.Add(400*time.Second), r.Window.End)
}

func TestDetect_PartialFeatureVectors(t *testing.T) {
	g := newGen(13)
	d := NewDetector(DefaultConfig())
	split := func(shift float64) {
		s := g.sample(0)
		code := Sample{Timestamp: s.Timestamp, Features: map[string]float64{
			FeatureComplexity: s.Features[FeatureComplexity],
		}}
		ops := Sample{Timestamp: s.Timestamp, Features: map[string]float64{
			FeatureLatencyMs: s.Features[FeatureLatencyMs] + 10*shift,
		}}
		d.Observe(code)
		d.Observe(ops)
	}
	for i := 0; i < 100; i++ {
		split(0)
	}
	require.True(t, d.Frozen())

	for i := 0; i < 100; i++ {
		split(3)
	}
	r, err := d.Detect(context.Background())
	require.NoError(t, err)
	assert.True(t, r.Detected)
	assert.Contains(t, r.Features, FeatureLatencyMs)
	assert.NotContains(t, r.PerMethod[datatypes.MethodIsolationForest].Features, FeatureComplexity)
}

func TestDetect_Deterministic(t *testing.T) {
	run := func() datatypes.DriftReport {
		g := newGen(5)
		d := frozenDetector(t, g)
		g.feed(d, 100, 1)
		r, err := d.Detect(context.Background())
		require.NoError(t, err)
		return r
	}
	assert.Equal(t, run(), run())
}

func TestFreeze(t *testing.T) {
	d := NewDetector(DefaultConfig())
	g := newGen(6)
	g.feed(d, 5, 0)
	assert.ErrorIs(t, d.Freeze(), ErrInsufficientBaseline)

	g.feed(d, 40, 0)
	require.NoError(t, d.Freeze())
	assert.True(t, d.Frozen())

	g.feed(d, 40, 0)
	assert.Equal(t, 40, d.WindowLen())
}

func TestRebaseline_AcceptsShiftedRegime(t *testing.T) {
	g := newGen(7)
	d := frozenDetector(t, g)
	g.feed(d, 200, 3)
	require.NoError(t, d.Rebaseline())
	assert.Zero(t, d.WindowLen())

	g.feed(d, 200, 3)
	r, err := d.Detect(context.Background())
	require.NoError(t, err)
	assert.False(t, r.Detected)
}

func TestIsolationForest_OutlierScoresHigher(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	points := make([][]float64, 300)
	for i := range points {
		points[i] = []float64{rng.NormFloat64(), rng.NormFloat64()}
	}
	f := buildForest(points, 100, 256, rand.New(rand.NewSource(1)))

	center := f.score([]float64{0, 0})
	outlier := f.score([]float64{8, -8})
	assert.Greater(t, outlier, center)
	assert.Greater(t, outlier, 0.6)
	assert.Less(t, center, 0.5)
}

func TestPSIShift_SubtractsSamplingNoise(t *testing.T) {
	base := make([]float64, psiBins)
	for i := range base {
		base[i] = 1.0 / psiBins
	}
	// One empty bin and one doubled bin in a 30-value window.
	window := append([]float64(nil), base...)
	window[0], window[1] = 0, 0.2
	assert.Zero(t, psiShift(base, 200, window, 30))
	assert.Greater(t, psi(base, window), 0.5, "uncorrected PSI with epsilon smoothing")

	shifted := make([]float64, psiBins)
	shifted[psiBins-1] = 1
	assert.Greater(t, psiShift(base, 200, shifted, 30), psiScale)
	assert.Zero(t, psiShift(base, 200, base, 200))
}

func TestPSI_IdenticalIsZero(t *testing.T) {
	vals := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	edges := quantileEdges(sortedCopy(vals), psiBins)
	shares := binShares(vals, edges)
	assert.InDelta(t, 0, psi(shares, shares), 1e-12)
}

// =============================================================================
// Scanner
// =============================================================================

func TestScanner_TwoConsecutiveDetectionsRetrain(t *testing.T) {
	g := newGen(10)
	d := frozenDetector(t, g)
	bus := events.NewBus()
	evs, unsub := bus.SubscribeChan(16)
	defer unsub()

	var retrains atomic.Int32
	s := NewScanner(d, WithPublisher(bus), WithRetrainer(func(reason string) {
		assert.Equal(t, RetrainReason, reason)
		retrains.Add(1)
	}))
	ctx := context.Background()

	g.feed(d, 200, 3)
	r, skipped, err := s.Scan(ctx)
	require.NoError(t, err)
	assert.False(t, skipped)
	assert.True(t, r.Detected)
	assert.Equal(t, 1, r.Consecutive)
	assert.False(t, r.RetrainTriggered)
	assert.Zero(t, retrains.Load())
	ev := <-evs
	assert.Equal(t, events.SeverityWarning, ev.Severity)
	assert.Equal(t, "drift_detected", ev.Type)

	// Same window end is not rescanned.
	_, skipped, err = s.Scan(ctx)
	require.NoError(t, err)
	assert.True(t, skipped)
	assert.Zero(t, retrains.Load())

	g.feed(d, 200, 3)
	r, _, err = s.Scan(ctx)
	require.NoError(t, err)
	assert.True(t, r.RetrainTriggered)
	assert.Equal(t, int32(1), retrains.Load())
	ev = <-evs
	assert.Equal(t, events.SeverityCritical, ev.Severity)

	latest, ok := s.Latest()
	require.True(t, ok)
	assert.Equal(t, r, latest)
}

func TestScanner_NonDetectionResetsStreak(t *testing.T) {
	g := newGen(11)
	d := frozenDetector(t, g)
	var retrains atomic.Int32
	s := NewScanner(d, WithRetrainer(func(string) { retrains.Add(1) }))
	ctx := context.Background()

	for _, shift := range []float64{3, 0, 3} {
		g.feed(d, 200, shift)
		_, _, err := s.Scan(ctx)
		require.NoError(t, err)
	}
	assert.Zero(t, retrains.Load())
}

func TestScanner_CheckpointSurvivesRestart(t *testing.T) {
	db, err := store.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	g := newGen(12)
	d := frozenDetector(t, g)
	g.feed(d, 100, 0)
	ctx := context.Background()

	first := NewScanner(d, WithCheckpointStore(db))
	_, skipped, err := first.Scan(ctx)
	require.NoError(t, err)
	require.False(t, skipped)

	second := NewScanner(d, WithCheckpointStore(db))
	require.NoError(t, second.Restore(ctx))
	_, skipped, err = second.Scan(ctx)
	require.NoError(t, err)
	assert.True(t, skipped)
}

func TestScanner_DefersOnInsufficientData(t *testing.T) {
	s := NewScanner(NewDetector(DefaultConfig()))
	_, _, err := s.Scan(context.Background())
	var dde *datatypes.DriftDetectionError
	assert.True(t, errors.As(err, &dde))
	_, ok := s.Latest()
	assert.False(t, ok)
}
