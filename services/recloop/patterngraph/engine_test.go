// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package patterngraph

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianMLOps/services/recloop/quality"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/store"
)

func TestRank_ColdStart(t *testing.T) {
	e := NewEngine(DefaultCatalog())

	r, err := e.Rank(context.Background(), []string{quality.PatternHighComplexity}, 0)
	require.NoError(t, err)

	assert.True(t, r.LowConfidence)
	require.Len(t, r.Items, 8)
	for _, item := range r.Items {
		assert.LessOrEqual(t, item.Confidence, ColdStartConfidenceCap)
		assert.InDelta(t, 0.125, item.Confidence, 1e-9)
	}
}

func TestRank_UnknownPatternsEmpty(t *testing.T) {
	e := NewEngine(DefaultCatalog(), WithCatalogPriors(true))

	r, err := e.Rank(context.Background(), []string{"nope"}, 0)
	require.NoError(t, err)
	assert.Empty(t, r.Items)
	assert.False(t, r.LowConfidence)
}

func TestRank_PriorsOrderDirectRemedyFirst(t *testing.T) {
	e := NewEngine(DefaultCatalog(), WithCatalogPriors(true))

	r, err := e.Rank(context.Background(), []string{quality.PatternHighComplexity}, 0)
	require.NoError(t, err)
	require.NotEmpty(t, r.Items)

	assert.False(t, r.LowConfidence)
	assert.True(t, r.Converged)
	assert.Equal(t, RemedyExtractFunction, r.Items[0].RemedyID)
	assert.Equal(t, 1, r.Items[0].Distance)

	var addTests *Ranked
	for i := range r.Items {
		if r.Items[i].RemedyID == RemedyAddTests {
			addTests = &r.Items[i]
		}
	}
	require.NotNil(t, addTests, "two-hop remedy should be reachable")
	assert.Equal(t, 2, addTests.Distance)

	for i := 1; i < len(r.Items); i++ {
		assert.GreaterOrEqual(t, r.Items[i-1].Score, r.Items[i].Score)
	}
}

func TestRank_Deterministic(t *testing.T) {
	e := NewEngine(DefaultCatalog(), WithCatalogPriors(true))
	seeds := []string{quality.PatternDeepNesting, quality.PatternHighComplexity}

	a, err := e.Rank(context.Background(), seeds, 0)
	require.NoError(t, err)
	b, err := e.Rank(context.Background(), []string{seeds[1], seeds[0]}, 0)
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestRank_Limit(t *testing.T) {
	e := NewEngine(DefaultCatalog(), WithCatalogPriors(true))
	r, err := e.Rank(context.Background(), []string{quality.PatternHighComplexity}, 1)
	require.NoError(t, err)
	assert.Len(t, r.Items, 1)
}

func TestRank_Cancelled(t *testing.T) {
	e := NewEngine(DefaultCatalog(), WithCatalogPriors(true))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Rank(ctx, []string{quality.PatternHighComplexity}, 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReinforce_RaisesConfidence(t *testing.T) {
	e := NewEngine(DefaultCatalog(), WithCatalogPriors(true))
	seeds := []string{quality.PatternHighComplexity}

	before, err := e.Rank(context.Background(), seeds, 0)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, e.Reinforce(seeds, RemedyExtractFunction, 1))
	}
	after, err := e.Rank(context.Background(), seeds, 0)
	require.NoError(t, err)

	assert.Greater(t, after.SnapshotVersion, before.SnapshotVersion)
	assert.Greater(t, after.Items[0].Confidence, before.Items[0].Confidence)
}

func TestReinforce_ColdStartBecomesWarm(t *testing.T) {
	e := NewEngine(DefaultCatalog())
	seeds := []string{quality.PatternSecuritySmell}

	require.NoError(t, e.Reinforce(seeds, RemedySanitizeInputs, 1))

	r, err := e.Rank(context.Background(), seeds, 0)
	require.NoError(t, err)
	assert.False(t, r.LowConfidence)
	require.Len(t, r.Items, 1)
	assert.Equal(t, RemedySanitizeInputs, r.Items[0].RemedyID)
}

func TestReinforce_NeverDeletes(t *testing.T) {
	e := NewEngine(DefaultCatalog(), WithCatalogPriors(true))
	nodes := e.Snapshot().NodeCount()
	edges := e.Snapshot().EdgeCount()

	require.NoError(t, e.Reinforce([]string{quality.PatternHighComplexity}, RemedyExtractFunction, -10))

	s := e.Snapshot()
	assert.Equal(t, nodes, s.NodeCount())
	assert.Equal(t, edges, s.EdgeCount())
	for _, edge := range s.Outgoing(quality.PatternHighComplexity) {
		if edge.To == RemedyExtractFunction {
			assert.Equal(t, 0.0, edge.Weight)
		}
	}
}

func TestReinforce_CoOccurrence(t *testing.T) {
	e := NewEngine(DefaultCatalog())
	seeds := []string{quality.PatternLongUnit, quality.PatternDeepNesting}

	require.NoError(t, e.Reinforce(seeds, RemedyExtractFunction, 1))

	s := e.Snapshot()
	assert.InDelta(t, 1.5, s.OutWeight(quality.PatternLongUnit), 1e-9)
	assert.InDelta(t, 1.5, s.OutWeight(quality.PatternDeepNesting), 1e-9)
}

func TestReinforce_UnknownRemedy(t *testing.T) {
	e := NewEngine(DefaultCatalog())
	err := e.Reinforce([]string{quality.PatternHighComplexity}, "remedy.nope", 1)
	assert.True(t, errors.Is(err, ErrUnknownRemedy))
}

func TestReinforce_AddsNewPatternNode(t *testing.T) {
	e := NewEngine(DefaultCatalog())
	require.NoError(t, e.Reinforce([]string{"custom.pattern"}, RemedyAddTests, 1))

	n, ok := e.Snapshot().Node("custom.pattern")
	require.True(t, ok)
	assert.Equal(t, KindPattern, n.Kind)
}

func TestEngine_ConcurrentReadersDuringWrites(t *testing.T) {
	e := NewEngine(DefaultCatalog(), WithCatalogPriors(true))
	seeds := []string{quality.PatternHighComplexity, quality.PatternCodeDuplication}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				r, err := e.Rank(context.Background(), seeds, 0)
				if !assert.NoError(t, err) {
					return
				}
				for _, item := range r.Items {
					assert.GreaterOrEqual(t, item.Confidence, 0.0)
					assert.LessOrEqual(t, item.Confidence, 1.0)
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for j := 0; j < 50; j++ {
			assert.NoError(t, e.Reinforce(seeds, RemedyDeduplicate, 0.5))
		}
	}()
	wg.Wait()

	assert.Equal(t, uint64(51), e.Snapshot().Version())
}

func TestPrune(t *testing.T) {
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	e := NewEngine(DefaultCatalog(), WithCatalogPriors(true), WithClock(func() time.Time { return now }))

	require.NoError(t, e.Reinforce([]string{"custom.pattern"}, RemedyAddTests, -1))
	edges := e.Snapshot().EdgeCount()

	stats := e.Prune(0.01, now.Add(time.Hour))

	assert.Equal(t, 1, stats.EdgesRemoved)
	assert.Equal(t, 1, stats.NodesRemoved)
	assert.Equal(t, edges-1, e.Snapshot().EdgeCount())
	_, ok := e.Snapshot().Node("custom.pattern")
	assert.False(t, ok)
	_, ok = e.Snapshot().Node(RemedyAddTests)
	assert.True(t, ok, "catalog nodes survive prune")
}

func TestCheckpoint_RoundTrip(t *testing.T) {
	db, err := store.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	clock := WithClock(func() time.Time { return now })

	fresh := NewEngine(DefaultCatalog(), clock)
	found, err := fresh.Load(ctx, db, store.ErrNotFound)
	require.NoError(t, err)
	assert.False(t, found)

	e := NewEngine(DefaultCatalog(), WithCatalogPriors(true), clock)
	require.NoError(t, e.Reinforce([]string{quality.PatternHighEffort}, RemedyOptimizeHotPath, 2))
	_, err = e.Checkpoint(ctx, db)
	require.NoError(t, err)

	found, err = fresh.Load(ctx, db, store.ErrNotFound)
	require.NoError(t, err)
	require.True(t, found)

	assert.Equal(t, e.Snapshot().Edges(), fresh.Snapshot().Edges())
	assert.Equal(t, e.Snapshot().NodeCount(), fresh.Snapshot().NodeCount())

	want, err := e.Rank(ctx, []string{quality.PatternHighEffort}, 0)
	require.NoError(t, err)
	got, err := fresh.Rank(ctx, []string{quality.PatternHighEffort}, 0)
	require.NoError(t, err)
	assert.Equal(t, want.Items, got.Items)
}

func TestPersonalizedPageRank_MassConserved(t *testing.T) {
	e := NewEngine(DefaultCatalog(), WithCatalogPriors(true))
	pr := PersonalizedPageRank(context.Background(), e.Snapshot(), []string{quality.PatternHighComplexity}, nil)

	total := 0.0
	for _, v := range pr.Scores {
		total += v
	}
	assert.InDelta(t, 1.0, total, 1e-6)
}
