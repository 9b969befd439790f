// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package synth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianMLOps/services/recloop/analyzer"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/datatypes"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/patterngraph"
)

func sampleInput() Input {
	return Input{
		UnitID: "pkg/foo.go",
		Lines:  120,
		Candidates: []analyzer.Candidate{
			{Category: datatypes.CategoryRefactoring, Confidence: 0.6, PredictedDelta: 0.1, Rationale: "split the function", PatternID: "high_complexity"},
			{Category: datatypes.CategoryRefactoring, Confidence: 0.5, PredictedDelta: 0.2, Rationale: "deduplicate"},
			{Category: datatypes.CategoryStyle, Confidence: 0.3, Span: datatypes.Span{StartLine: 10, EndLine: 20}, Rationale: "flatten"},
		},
		Graph: patterngraph.Ranking{
			Items: []patterngraph.Ranked{
				{RemedyID: patterngraph.RemedyExtractFunction, Category: datatypes.CategoryRefactoring, Confidence: 0.5, PredictedDelta: 0.1, Rationale: "split the function", Patterns: []string{"high_complexity"}},
				{RemedyID: patterngraph.RemedySanitizeInputs, Category: datatypes.CategorySecurity, Confidence: 0.2, PredictedDelta: 0.12, Rationale: "sanitize"},
			},
		},
	}
}

func TestMerge_CombinesAcrossSources(t *testing.T) {
	recs := Merge(sampleInput())
	require.Len(t, recs, 3)

	top := recs[0]
	assert.Equal(t, datatypes.CategoryRefactoring, top.Category)
	assert.Equal(t, datatypes.SourceSynthesized, top.Source)
	// Analyzer max 0.6, graph 0.5: 1 - 0.4*0.5.
	assert.InDelta(t, 0.8, top.Confidence, 1e-9)
	assert.InDelta(t, 0.2, top.PredictedDelta, 1e-9)
	assert.Equal(t, "split the function; deduplicate", top.Rationale)
	assert.Equal(t, patterngraph.RemedyExtractFunction, top.RemedyID)
	assert.Equal(t, "high_complexity", top.PatternID)
	assert.Equal(t, datatypes.Span{StartLine: 1, EndLine: 120}, top.Span)
}

func TestMerge_CombinedAtLeastMax(t *testing.T) {
	for _, pair := range [][2]float64{{0, 0}, {0.1, 0.9}, {1, 0.3}, {0.5, 0.5}, {0.99, 0.99}} {
		in := Input{
			UnitID:     "u",
			Lines:      5,
			Candidates: []analyzer.Candidate{{Category: datatypes.CategoryPerformance, Confidence: pair[0]}},
			Graph: patterngraph.Ranking{Items: []patterngraph.Ranked{
				{RemedyID: "r", Category: datatypes.CategoryPerformance, Confidence: pair[1]},
			}},
		}
		recs := Merge(in)
		require.Len(t, recs, 1)
		c := recs[0].Confidence
		assert.GreaterOrEqual(t, c, pair[0])
		assert.GreaterOrEqual(t, c, pair[1])
		assert.LessOrEqual(t, c, 1.0)
	}
}

func TestMerge_ClampsOutOfRange(t *testing.T) {
	recs := Merge(Input{
		UnitID:     "u",
		Candidates: []analyzer.Candidate{{Category: datatypes.CategoryStyle, Confidence: 1.7}, {Category: datatypes.CategorySecurity, Confidence: -2}},
	})
	for _, r := range recs {
		assert.GreaterOrEqual(t, r.Confidence, 0.0)
		assert.LessOrEqual(t, r.Confidence, 1.0)
	}
}

func TestMerge_SpansSeparateGroups(t *testing.T) {
	recs := Merge(sampleInput())
	var style *datatypes.Recommendation
	for i := range recs {
		if recs[i].Category == datatypes.CategoryStyle {
			style = &recs[i]
		}
	}
	require.NotNil(t, style)
	assert.Equal(t, datatypes.SourceAnalyzer, style.Source)
	assert.Equal(t, "10-20", style.Span.String())
}

func TestMerge_Deterministic(t *testing.T) {
	a := Merge(sampleInput())
	b := Merge(sampleInput())
	assert.Equal(t, a, b)

	ids := map[string]bool{}
	for _, r := range a {
		assert.Len(t, r.ID, 16)
		assert.False(t, ids[r.ID], "IDs are unique per group")
		ids[r.ID] = true
	}
}

func TestMerge_LowConfidenceGraphOnly(t *testing.T) {
	in := Input{
		UnitID: "u",
		Lines:  3,
		Graph: patterngraph.Ranking{
			LowConfidence: true,
			Items:         []patterngraph.Ranked{{RemedyID: "r", Category: datatypes.CategoryStyle, Confidence: 0.1}},
		},
	}
	recs := Merge(in)
	require.Len(t, recs, 1)
	assert.True(t, recs[0].LowConfidence)
	assert.Equal(t, datatypes.SourceGraph, recs[0].Source)
}

func TestMerge_Empty(t *testing.T) {
	recs := Merge(Input{UnitID: "u"})
	assert.NotNil(t, recs)
	assert.Empty(t, recs)
}

func TestRecommendationID_Stable(t *testing.T) {
	span := datatypes.Span{StartLine: 1, EndLine: 4}
	id := RecommendationID("u", "h1", "rule@v1", datatypes.CategoryStyle, span)
	assert.Equal(t, id, RecommendationID("u", "h1", "rule@v1", datatypes.CategoryStyle, span))
	assert.NotEqual(t, id, RecommendationID("u", "h1", "rule@v1", datatypes.CategorySecurity, span))
	assert.NotEqual(t, id, RecommendationID("u", "h2", "rule@v1", datatypes.CategoryStyle, span), "changed content")
	assert.NotEqual(t, id, RecommendationID("u", "h1", "acceptance@v1.0.0", datatypes.CategoryStyle, span), "new model")
}

func TestMerge_IDsFollowContentAndModel(t *testing.T) {
	in := sampleInput()
	in.ContentHash, in.ModelVersion = "h1", "rule@v1"
	first := Merge(in)
	require.NotEmpty(t, first)
	assert.Equal(t, "rule@v1", first[0].ModelVersion)

	in.ContentHash = "h2"
	changed := Merge(in)
	require.Len(t, changed, len(first))
	for i := range first {
		assert.NotEqual(t, first[i].ID, changed[i].ID)
	}
}
