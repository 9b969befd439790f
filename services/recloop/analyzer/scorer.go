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
	"math"
	"strings"

	"github.com/AleutianAI/AleutianMLOps/services/recloop/datatypes"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/quality"
)

// =============================================================================
// Scoring Contract
// =============================================================================

// AnalysisContext carries per-request hints for the scorer.
type AnalysisContext struct {
	// ProjectID identifies the project the unit belongs to.
	ProjectID string `json:"project_id,omitempty"`

	// ReviewerExperience is a 0-1 hint; experienced reviewers see fewer
	// style nits.
	ReviewerExperience float64 `json:"reviewer_experience,omitempty"`

	// Prior recommendations already surfaced for this unit. Candidates
	// repeating a prior category and pattern are suppressed.
	Prior []datatypes.Recommendation `json:"prior,omitempty"`
}

// Candidate is a raw recommendation before synthesis.
type Candidate struct {
	Category       datatypes.Category
	Rationale      string
	PredictedDelta float64
	Confidence     float64
	PatternID      string
	Span           datatypes.Span // zero means the whole unit
}

// Scorer turns a metrics snapshot into a quality score and candidates.
//
// Implementations must be deterministic for a fixed Version.
type Scorer interface {
	Score(ctx context.Context, m *datatypes.QualityMetrics, actx AnalysisContext) (float64, []Candidate, error)
	Version() string
}

// =============================================================================
// Rule Scorer
// =============================================================================

// RuleVersion is the version tag of the rule table.
const RuleVersion = "rules-v1"

// Weights of the quality score. They sum to one.
const (
	weightMaintainability = 0.25
	weightCoverage        = 0.20
	weightSecurity        = 0.15
	weightComplexity      = 0.25
	weightDuplication     = 0.15

	complexityCeiling  = 20.0
	duplicationCeiling = 0.5
)

// RuleScorer scores with a fixed weighted formula and a rule table.
type RuleScorer struct{}

// NewRuleScorer returns the rule-table scorer.
func NewRuleScorer() *RuleScorer { return &RuleScorer{} }

// Version implements Scorer.
func (r *RuleScorer) Version() string { return RuleVersion }

// QualityScore combines the metrics into [0,1]. Complexity and
// duplication are penalized; coverage, maintainability and security are
// rewarded.
func QualityScore(m *datatypes.QualityMetrics) float64 {
	s := weightMaintainability*m.MaintainabilityIndex/100 +
		weightCoverage*m.TestCoverage +
		weightSecurity*m.SecurityScore +
		weightComplexity*(1-math.Min(1, float64(m.CyclomaticComplexity)/complexityCeiling)) +
		weightDuplication*(1-math.Min(1, m.DuplicationRatio/duplicationCeiling))
	return clamp01(s)
}

// Score implements Scorer.
func (r *RuleScorer) Score(ctx context.Context, m *datatypes.QualityMetrics, actx AnalysisContext) (float64, []Candidate, error) {
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	if m == nil {
		return 0, nil, fmt.Errorf("nil metrics")
	}

	styleFactor := 1 - 0.3*clamp01(actx.ReviewerExperience)
	var out []Candidate

	if m.CyclomaticComplexity > quality.ComplexityThreshold {
		excess := math.Min(1, float64(m.CyclomaticComplexity-quality.ComplexityThreshold)/15)
		out = append(out, Candidate{
			Category:       datatypes.CategoryRefactoring,
			PatternID:      quality.PatternHighComplexity,
			Confidence:     math.Min(0.95, 0.5+0.5*excess),
			PredictedDelta: 0.05 + 0.10*excess,
			Rationale: fmt.Sprintf("cyclomatic complexity %d exceeds %d; split the unit into smaller functions",
				m.CyclomaticComplexity, quality.ComplexityThreshold),
		})
	}
	if m.DuplicationRatio > quality.DuplicationThreshold {
		out = append(out, Candidate{
			Category:       datatypes.CategoryRefactoring,
			PatternID:      quality.PatternCodeDuplication,
			Confidence:     math.Min(0.95, 0.4+m.DuplicationRatio),
			PredictedDelta: 0.5 * m.DuplicationRatio,
			Rationale:      fmt.Sprintf("%.0f%% of lines are duplicated; extract the repeated blocks", m.DuplicationRatio*100),
		})
	}
	if hasPattern(m, quality.PatternLowMaintainability) {
		out = append(out, Candidate{
			Category:       datatypes.CategoryRefactoring,
			PatternID:      quality.PatternLowMaintainability,
			Confidence:     math.Min(0.9, 0.4+(quality.MaintainabilityThreshold-m.MaintainabilityIndex)/100),
			PredictedDelta: 0.05,
			Rationale:      fmt.Sprintf("maintainability index %.1f is below %.0f", m.MaintainabilityIndex, quality.MaintainabilityThreshold),
		})
	}
	if hasPattern(m, quality.PatternMissingTests) {
		out = append(out, Candidate{
			Category:       datatypes.CategoryRefactoring,
			PatternID:      quality.PatternMissingTests,
			Confidence:     0.4 + 0.8*(quality.CoverageThreshold-m.TestCoverage),
			PredictedDelta: 0.2 * (quality.CoverageThreshold - m.TestCoverage),
			Rationale:      fmt.Sprintf("test coverage %.0f%% is below %.0f%%; add tests before changing behaviour", m.TestCoverage*100, quality.CoverageThreshold*100),
		})
	}
	if n := len(m.SecurityFindings); n > 0 {
		ids := make([]string, 0, n)
		seen := make(map[string]bool)
		for _, f := range m.SecurityFindings {
			if !seen[f.RuleID] {
				seen[f.RuleID] = true
				ids = append(ids, f.RuleID)
			}
		}
		out = append(out, Candidate{
			Category:       datatypes.CategorySecurity,
			PatternID:      quality.PatternSecuritySmell,
			Confidence:     math.Min(0.9, 0.6+0.1*float64(n-1)),
			PredictedDelta: 0.1,
			Rationale:      "security findings: " + strings.Join(ids, ", "),
		})
	}
	if hasPattern(m, quality.PatternHighEffort) {
		ratio := math.Min(1, m.Halstead.Effort/(4*quality.EffortThreshold))
		out = append(out, Candidate{
			Category:       datatypes.CategoryPerformance,
			PatternID:      quality.PatternHighEffort,
			Confidence:     0.4 + 0.3*ratio,
			PredictedDelta: 0.04,
			Rationale:      fmt.Sprintf("Halstead effort %.0f suggests dense hot-path logic; simplify expressions and hoist invariants", m.Halstead.Effort),
		})
	}
	if m.LinesOfCode > quality.LongUnitLines {
		out = append(out, Candidate{
			Category:       datatypes.CategoryStyle,
			PatternID:      quality.PatternLongUnit,
			Confidence:     0.45 * styleFactor,
			PredictedDelta: 0.02,
			Rationale:      fmt.Sprintf("unit is %d lines; break it into cohesive files", m.LinesOfCode),
		})
	}
	if m.MaxNesting > quality.NestingThreshold {
		out = append(out, Candidate{
			Category:       datatypes.CategoryStyle,
			PatternID:      quality.PatternDeepNesting,
			Confidence:     0.5 * styleFactor,
			PredictedDelta: 0.03,
			Rationale:      fmt.Sprintf("nesting depth %d; flatten with early returns", m.MaxNesting),
		})
	}

	return QualityScore(m), suppressPrior(out, actx.Prior), nil
}

func hasPattern(m *datatypes.QualityMetrics, id string) bool {
	for _, p := range m.Patterns {
		if p == id {
			return true
		}
	}
	return false
}

func suppressPrior(cands []Candidate, prior []datatypes.Recommendation) []Candidate {
	if len(prior) == 0 {
		return cands
	}
	seen := make(map[string]bool, len(prior))
	for _, p := range prior {
		seen[string(p.Category)+"|"+p.PatternID] = true
	}
	out := cands[:0]
	for _, c := range cands {
		if !seen[string(c.Category)+"|"+c.PatternID] {
			out = append(out, c)
		}
	}
	return out
}

// =============================================================================
// Learned Scorer
// =============================================================================

// BaseAcceptance is the neutral acceptance rate a calibration is relative to.
const BaseAcceptance = 0.5

// ParamKey returns the artifact parameter name holding a category's
// calibrated acceptance rate.
func ParamKey(c datatypes.Category) string {
	return "acceptance." + string(c)
}

// LearnedScorer recalibrates rule candidates with an artifact's learned
// per-category acceptance rates.
type LearnedScorer struct {
	base     Scorer
	artifact datatypes.ModelArtifact
}

// NewLearnedScorer builds a scorer from a trained artifact.
func NewLearnedScorer(base Scorer, artifact datatypes.ModelArtifact) *LearnedScorer {
	return &LearnedScorer{base: base, artifact: artifact.WithStatus(artifact.Status)}
}

// Version implements Scorer. It changes with every artifact.
func (l *LearnedScorer) Version() string { return l.artifact.Ref() }

// Artifact returns the artifact backing the scorer.
func (l *LearnedScorer) Artifact() datatypes.ModelArtifact { return l.artifact }

// Score implements Scorer. A category with calibrated acceptance p has its
// confidence scaled by p/BaseAcceptance.
func (l *LearnedScorer) Score(ctx context.Context, m *datatypes.QualityMetrics, actx AnalysisContext) (float64, []Candidate, error) {
	score, cands, err := l.base.Score(ctx, m, actx)
	if err != nil {
		return 0, nil, err
	}
	for i := range cands {
		if p, ok := l.artifact.Parameters[ParamKey(cands[i].Category)]; ok {
			cands[i].Confidence = clamp01(cands[i].Confidence * p / BaseAcceptance)
		}
	}
	return score, cands, nil
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(1, math.Max(0, v))
}
