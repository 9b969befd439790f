// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the shared data model of the recommendation loop.
//
// Every value in this package is treated as immutable once it leaves the
// component that created it. Corrections are modelled as new values (a new
// CodeUnit, a new DeveloperFeedback record, a new artifact status event),
// never as in-place edits.
package datatypes

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// =============================================================================
// Enumerations
// =============================================================================

// Category is the kind of improvement a recommendation proposes.
type Category string

const (
	CategoryPerformance Category = "performance"
	CategoryRefactoring Category = "refactoring"
	CategorySecurity    Category = "security"
	CategoryStyle       Category = "style"
)

// AllCategories lists every category in a fixed order.
var AllCategories = []Category{
	CategoryPerformance,
	CategoryRefactoring,
	CategorySecurity,
	CategoryStyle,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryPerformance, CategoryRefactoring, CategorySecurity, CategoryStyle:
		return true
	}
	return false
}

// Source tags the component that generated a recommendation.
type Source string

const (
	SourceAnalyzer    Source = "analyzer"
	SourceGraph       Source = "graph"
	SourceSynthesized Source = "synthesized"
)

// Outcome is a developer's response to a recommendation.
type Outcome string

const (
	OutcomeAccept Outcome = "accept"
	OutcomeReject Outcome = "reject"
	OutcomeModify Outcome = "modify"
)

// ArtifactStatus is the lifecycle state of a ModelArtifact.
type ArtifactStatus string

const (
	ArtifactCandidate ArtifactStatus = "candidate"
	ArtifactDeployed  ArtifactStatus = "deployed"
	ArtifactRetired   ArtifactStatus = "retired"
)

// Strategy is a deployment rollout strategy.
type Strategy string

const (
	StrategyImmediate Strategy = "immediate"
	StrategyRolling   Strategy = "rolling"
	StrategyCanary    Strategy = "canary"
	StrategyBlueGreen Strategy = "blue_green"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyImmediate, StrategyRolling, StrategyCanary, StrategyBlueGreen:
		return true
	}
	return false
}

// DeploymentOutcome is the terminal result of a deployment attempt.
type DeploymentOutcome string

const (
	OutcomeSuccess    DeploymentOutcome = "success"
	OutcomeRolledBack DeploymentOutcome = "rolled-back"
	OutcomeFailed     DeploymentOutcome = "failed"
)

// DeploymentState is a node in the deployment state machine.
type DeploymentState string

const (
	StatePending        DeploymentState = "pending"
	StateInProgress     DeploymentState = "in_progress"
	StateHealthChecking DeploymentState = "health_checking"
	StatePromoted       DeploymentState = "promoted"
	StateRolledBack     DeploymentState = "rolled_back"
	StateRetired        DeploymentState = "retired"
)

// Terminal reports whether no further rollout work happens in this state.
// Retired is reachable from Promoted only, on later supersession.
func (s DeploymentState) Terminal() bool {
	return s == StatePromoted || s == StateRolledBack || s == StateRetired
}

// =============================================================================
// Code Units and Metrics
// =============================================================================

// CodeUnit is a discrete piece of source code submitted for analysis.
type CodeUnit struct {
	ID         string    `json:"id"`
	Path       string    `json:"path,omitempty"`
	Source     string    `json:"source"`
	Language   string    `json:"language"`
	Lines      int       `json:"lines"`
	ModifiedAt time.Time `json:"modified_at"`

	// CoverageHint is the measured test coverage for the unit when CI
	// supplies one. Nil means unknown.
	CoverageHint *float64 `json:"coverage_hint,omitempty"`
}

// ContentHash returns a stable hex digest of the unit's language and source.
//
// Two units with identical content hash identically regardless of ID, which
// is what the analyzer cache keys on.
func (u CodeUnit) ContentHash() string {
	h := sha256.New()
	h.Write([]byte(u.Language))
	h.Write([]byte{0})
	h.Write([]byte(u.Source))
	return hex.EncodeToString(h.Sum(nil))
}

// Span is an inclusive line range inside a code unit.
type Span struct {
	StartLine int `json:"start_line"`
	EndLine   int `json:"end_line"`
}

// String renders the span as "start-end".
func (s Span) String() string {
	return strconv.Itoa(s.StartLine) + "-" + strconv.Itoa(s.EndLine)
}

// Halstead holds the derived Halstead measures.
type Halstead struct {
	Difficulty float64 `json:"difficulty"`
	Effort     float64 `json:"effort"`
	Volume     float64 `json:"volume"`
}

// SecurityFinding is a single rule hit from the security scan.
type SecurityFinding struct {
	RuleID string `json:"rule_id"`
	Line   int    `json:"line"`
	Detail string `json:"detail"`
}

// QualityMetrics is the static-analysis snapshot of one CodeUnit.
type QualityMetrics struct {
	UnitID               string            `json:"unit_id"`
	CyclomaticComplexity int               `json:"cyclomatic_complexity"`
	Halstead             Halstead          `json:"halstead"`
	LinesOfCode          int               `json:"lines_of_code"`
	MaxNesting           int               `json:"max_nesting"`
	MaintainabilityIndex float64           `json:"maintainability_index"`
	DuplicationRatio     float64           `json:"duplication_ratio"`
	TestCoverage         float64           `json:"test_coverage"`
	SecurityScore        float64           `json:"security_score"`
	SecurityFindings     []SecurityFinding `json:"security_findings,omitempty"`
	Patterns             []string          `json:"patterns,omitempty"`
}

// Validate checks the numeric bounds of the snapshot.
func (m *QualityMetrics) Validate() error {
	if m.CyclomaticComplexity < 0 {
		return fmt.Errorf("cyclomatic complexity %d is negative", m.CyclomaticComplexity)
	}
	if m.Halstead.Difficulty < 0 || m.Halstead.Effort < 0 || m.Halstead.Volume < 0 {
		return fmt.Errorf("halstead measures must be non-negative: %+v", m.Halstead)
	}
	if m.MaintainabilityIndex < 0 || m.MaintainabilityIndex > 100 {
		return fmt.Errorf("maintainability index %.2f outside [0,100]", m.MaintainabilityIndex)
	}
	for name, v := range map[string]float64{
		"duplication_ratio": m.DuplicationRatio,
		"test_coverage":     m.TestCoverage,
		"security_score":    m.SecurityScore,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s %.4f outside [0,1]", name, v)
		}
	}
	return nil
}

// =============================================================================
// Recommendations
// =============================================================================

// Recommendation is a suggested code improvement.
type Recommendation struct {
	ID             string   `json:"id"`
	UnitID         string   `json:"unit_id"`
	Category       Category `json:"category"`
	Rationale      string   `json:"rationale"`
	PredictedDelta float64  `json:"predicted_delta"`
	Confidence     float64  `json:"confidence"`
	Source         Source   `json:"source"`
	PatternID      string   `json:"pattern_id,omitempty"`
	RemedyID       string   `json:"remedy_id,omitempty"`
	Span           Span     `json:"span"`
	LowConfidence  bool     `json:"low_confidence,omitempty"`
	ModelVersion   string   `json:"model_version,omitempty"`
}

// RecommendationSet is the response to one analyze call.
type RecommendationSet struct {
	UnitID          string           `json:"unit_id"`
	Status          string           `json:"status"`
	Reason          string           `json:"reason,omitempty"`
	QualityScore    float64          `json:"quality_score"`
	Metrics         *QualityMetrics  `json:"metrics,omitempty"`
	Recommendations []Recommendation `json:"recommendations"`
	ModelVersion    string           `json:"model_version"`
	LowConfidence   bool             `json:"low_confidence,omitempty"`
}

// Analysis statuses carried in RecommendationSet.Status.
const (
	StatusOK          = "ok"
	StatusUnavailable = "unavailable"
)

// =============================================================================
// Feedback
// =============================================================================

// DeveloperFeedback is one developer's response to one recommendation.
type DeveloperFeedback struct {
	RecommendationID      string            `json:"recommendation_id" validate:"required"`
	DeveloperID           string            `json:"developer_id" validate:"required"`
	Outcome               Outcome           `json:"outcome" validate:"required,oneof=accept reject modify"`
	Score                 float64           `json:"score" validate:"gte=0,lte=1"`
	ImplementationMinutes float64           `json:"implementation_minutes" validate:"gte=0"`
	PerceivedValue        float64           `json:"perceived_value" validate:"gte=0,lte=1"`
	ComplexityRating      float64           `json:"complexity_rating" validate:"gte=0,lte=1"`
	Timestamp             time.Time         `json:"timestamp" validate:"required"`
	Context               map[string]string `json:"context,omitempty"`
}

// DedupeKey identifies a feedback record for idempotent storage.
// Resubmitting the same recommendation, developer and timestamp yields the
// same key.
func (f DeveloperFeedback) DedupeKey() string {
	h := sha256.New()
	h.Write([]byte(f.RecommendationID))
	h.Write([]byte{'|'})
	h.Write([]byte(f.DeveloperID))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatInt(f.Timestamp.UnixNano(), 10)))
	return hex.EncodeToString(h.Sum(nil))
}

// Label converts the response into a training label in [0,1].
func (f DeveloperFeedback) Label() float64 {
	switch f.Outcome {
	case OutcomeAccept:
		return 1
	case OutcomeModify:
		return f.Score
	default:
		return 0
	}
}

// =============================================================================
// Model Artifacts
// =============================================================================

// TimeWindow is a half-open [Start, End) time range.
type TimeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// EvalMetrics are holdout evaluation scores in [0,1].
type EvalMetrics struct {
	Accuracy  float64 `json:"accuracy"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
}

// ModelArtifact is a versioned, trained scoring model.
type ModelArtifact struct {
	Name             string             `json:"name"`
	Version          string             `json:"version"`
	Window           TimeWindow         `json:"window"`
	Metrics          EvalMetrics        `json:"metrics"`
	CreatedAt        time.Time          `json:"created_at"`
	Status           ArtifactStatus     `json:"status"`
	Parameters       map[string]float64 `json:"parameters"`
	TrainingExamples int                `json:"training_examples"`
	Digest           string             `json:"digest,omitempty"`
	BlobKey          string             `json:"blob_key,omitempty"`
}

// Ref returns "name@version".
func (a ModelArtifact) Ref() string {
	return a.Name + "@" + a.Version
}

// WithStatus returns a copy of a carrying status s.
func (a ModelArtifact) WithStatus(s ArtifactStatus) ModelArtifact {
	out := a
	out.Status = s
	if a.Parameters != nil {
		out.Parameters = make(map[string]float64, len(a.Parameters))
		for k, v := range a.Parameters {
			out.Parameters[k] = v
		}
	}
	return out
}

// =============================================================================
// Drift
// =============================================================================

// Drift detection method tags.
const (
	MethodPSI             = "psi"
	MethodKS              = "ks"
	MethodStatistical     = "statistical"
	MethodIsolationForest = "isolation_forest"
	MethodCombined        = "combined"
)

// MethodResult is the outcome of a single detection method.
type MethodResult struct {
	Score    float64  `json:"score"`
	Features []string `json:"features,omitempty"`
}

// DriftReport is the result of one drift scan.
type DriftReport struct {
	Window           TimeWindow              `json:"window"`
	Detected         bool                    `json:"detected"`
	Confidence       float64                 `json:"confidence"`
	Features         []string                `json:"features"`
	Method           string                  `json:"method"`
	PerMethod        map[string]MethodResult `json:"per_method,omitempty"`
	Consecutive      int                     `json:"consecutive"`
	RetrainTriggered bool                    `json:"retrain_triggered"`
	GeneratedAt      time.Time               `json:"generated_at"`
}

// =============================================================================
// Deployments
// =============================================================================

// HealthCheckResult is one evaluation of the health gate.
type HealthCheckResult struct {
	At             time.Time `json:"at"`
	Step           string    `json:"step"`
	Healthy        bool      `json:"healthy"`
	ErrorRate      float64   `json:"error_rate"`
	LatencyP95Ms   float64   `json:"latency_p95_ms"`
	AcceptanceRate float64   `json:"acceptance_rate"`
	Breaches       []string  `json:"breaches,omitempty"`
}

// DeploymentRecord tracks one deployment attempt.
type DeploymentRecord struct {
	ID              string              `json:"id"`
	ArtifactName    string              `json:"artifact_name"`
	ArtifactVersion string              `json:"artifact_version"`
	PreviousVersion string              `json:"previous_version,omitempty"`
	TargetID        string              `json:"target_id"`
	Strategy        Strategy            `json:"strategy"`
	State           DeploymentState     `json:"state"`
	StartedAt       time.Time           `json:"started_at"`
	EndedAt         time.Time           `json:"ended_at,omitempty"`
	Outcome         DeploymentOutcome   `json:"outcome,omitempty"`
	HealthChecks    []HealthCheckResult `json:"health_checks,omitempty"`
	Error           string              `json:"error,omitempty"`
}

// Clone returns a deep copy of the record.
func (r DeploymentRecord) Clone() DeploymentRecord {
	out := r
	if r.HealthChecks != nil {
		out.HealthChecks = make([]HealthCheckResult, len(r.HealthChecks))
		copy(out.HealthChecks, r.HealthChecks)
	}
	return out
}
