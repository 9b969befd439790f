// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package synth merges analyzer candidates and graph rankings into one
// ordered recommendation list.
package synth

import (
	"crypto/sha256"
	"encoding/hex"
	"hash/fnv"
	"math"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianMLOps/services/recloop/analyzer"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/datatypes"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/patterngraph"
)

// Input is everything Merge needs for one unit.
type Input struct {
	UnitID string

	// ContentHash and ModelVersion identify what was analyzed. A changed
	// unit or a new model yields new recommendation IDs.
	ContentHash  string
	ModelVersion string

	// Lines is the unit's line count. Graph items and candidates without
	// a span cover [1, Lines].
	Lines int

	Candidates []analyzer.Candidate
	Graph      patterngraph.Ranking
}

type group struct {
	category   datatypes.Category
	span       datatypes.Span
	bySource   map[datatypes.Source]float64
	rationales []string
	seen       map[string]bool
	delta      float64
	patternID  string
	remedyID   string
}

func (g *group) add(src datatypes.Source, conf, delta float64, rationale, pattern, remedy string) {
	conf = clamp01(conf)
	if cur, ok := g.bySource[src]; !ok || conf > cur {
		g.bySource[src] = conf
	}
	if rationale != "" && !g.seen[rationale] {
		g.seen[rationale] = true
		g.rationales = append(g.rationales, rationale)
	}
	if delta > g.delta {
		g.delta = delta
	}
	if g.patternID == "" {
		g.patternID = pattern
	}
	if g.remedyID == "" {
		g.remedyID = remedy
	}
}

// combined returns 1 - prod(1 - c_s) over the per-source maxima.
func (g *group) combined() float64 {
	miss := 1.0
	for _, c := range g.bySource {
		miss *= 1 - c
	}
	return clamp01(1 - miss)
}

func (g *group) source() datatypes.Source {
	if len(g.bySource) > 1 {
		return datatypes.SourceSynthesized
	}
	for s := range g.bySource {
		return s
	}
	return datatypes.SourceAnalyzer
}

// Merge combines both recommendation sources.
//
// Description:
//
//	Items are grouped by (category, span). Within a group the maximum
//	confidence per source is kept, and the sources are combined with
//	1 - prod(1 - c), so a group backed by both sources is at least as
//	confident as either alone. Rationales are joined in input order
//	without repeats and the predicted delta is the maximum.
//
//	The output is sorted by confidence, then predicted delta, then the
//	FNV-1a hash of the ID, which makes it a pure function of the input.
//
// Inputs:
//
//	in - Candidates and graph ranking for one unit.
//
// Outputs:
//
//	[]datatypes.Recommendation - Merged and ordered. Never nil.
func Merge(in Input) []datatypes.Recommendation {
	whole := datatypes.Span{StartLine: 1, EndLine: in.Lines}
	if whole.EndLine < 1 {
		whole.EndLine = 1
	}

	groups := make(map[string]*group)
	var order []string
	get := func(cat datatypes.Category, span datatypes.Span) *group {
		key := string(cat) + "|" + span.String()
		g, ok := groups[key]
		if !ok {
			g = &group{
				category: cat,
				span:     span,
				bySource: make(map[datatypes.Source]float64),
				seen:     make(map[string]bool),
			}
			groups[key] = g
			order = append(order, key)
		}
		return g
	}

	for _, c := range in.Candidates {
		span := c.Span
		if span.StartLine == 0 && span.EndLine == 0 {
			span = whole
		}
		get(c.Category, span).add(datatypes.SourceAnalyzer, c.Confidence, c.PredictedDelta, c.Rationale, c.PatternID, "")
	}
	for _, r := range in.Graph.Items {
		pattern := ""
		if len(r.Patterns) > 0 {
			pattern = r.Patterns[0]
		}
		get(r.Category, whole).add(datatypes.SourceGraph, r.Confidence, r.PredictedDelta, r.Rationale, pattern, r.RemedyID)
	}

	out := make([]datatypes.Recommendation, 0, len(order))
	for _, key := range order {
		g := groups[key]
		src := g.source()
		out = append(out, datatypes.Recommendation{
			ID:             RecommendationID(in.UnitID, in.ContentHash, in.ModelVersion, g.category, g.span),
			UnitID:         in.UnitID,
			Category:       g.category,
			Rationale:      strings.Join(g.rationales, "; "),
			PredictedDelta: g.delta,
			Confidence:     g.combined(),
			Source:         src,
			PatternID:      g.patternID,
			RemedyID:       g.remedyID,
			Span:           g.span,
			LowConfidence:  src == datatypes.SourceGraph && in.Graph.LowConfidence,
			ModelVersion:   in.ModelVersion,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if a.PredictedDelta != b.PredictedDelta {
			return a.PredictedDelta > b.PredictedDelta
		}
		return tieBreak(a.ID) < tieBreak(b.ID)
	})
	return out
}

// RecommendationID is the stable ID of a (unit, category, span) group for
// one content version of the unit scored by one model.
func RecommendationID(unitID, contentHash, modelVersion string, cat datatypes.Category, span datatypes.Span) string {
	sum := sha256.Sum256([]byte(unitID + "|" + contentHash + "|" + modelVersion + "|" + string(cat) + "|" + span.String()))
	return hex.EncodeToString(sum[:])[:16]
}

func tieBreak(id string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64()
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(1, math.Max(0, v))
}
