// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package analyzer

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/AleutianAI/AleutianMLOps/services/recloop/datatypes"
)

// Router is a Scorer that delegates each unit to one of several backends.
// The Analyzer resolves the route before keying its cache, so cached
// results carry the version of the backend that produced them.
type Router interface {
	Scorer
	Route(m *datatypes.QualityMetrics) Scorer
}

// SplitScorer sends a fixed share of units to a canary backend. A unit
// always lands on the same side for a given percent.
type SplitScorer struct {
	stable  Scorer
	canary  Scorer
	percent int
}

// NewSplitScorer routes percent (0-100) of units to canary.
func NewSplitScorer(stable, canary Scorer, percent int) *SplitScorer {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	return &SplitScorer{stable: stable, canary: canary, percent: percent}
}

// Stable returns the backend serving the remaining share.
func (s *SplitScorer) Stable() Scorer { return s.stable }

// Canary returns the canary backend.
func (s *SplitScorer) Canary() Scorer { return s.canary }

// Percent returns the canary share.
func (s *SplitScorer) Percent() int { return s.percent }

// Route implements Router.
func (s *SplitScorer) Route(m *datatypes.QualityMetrics) Scorer {
	if m == nil {
		return s.stable
	}
	h := fnv.New32a()
	h.Write([]byte(m.UnitID))
	if int(h.Sum32()%100) < s.percent {
		return s.canary
	}
	return s.stable
}

// Version implements Scorer.
func (s *SplitScorer) Version() string {
	return fmt.Sprintf("split(%s,%s@%d%%)", s.stable.Version(), s.canary.Version(), s.percent)
}

// Score implements Scorer.
func (s *SplitScorer) Score(ctx context.Context, m *datatypes.QualityMetrics, actx AnalysisContext) (float64, []Candidate, error) {
	return s.Route(m).Score(ctx, m, actx)
}

// resolve follows Routers down to the backend that scores m.
func resolve(s Scorer, m *datatypes.QualityMetrics) Scorer {
	for i := 0; i < 8; i++ {
		r, ok := s.(Router)
		if !ok {
			return s
		}
		s = r.Route(m)
	}
	return s
}
