// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.
// Package recloop wires the recommendation loop together and serves it
// over HTTP.
//
// # Description
//
// A Pipeline takes a code unit through extraction, scoring, graph ranking
// and synthesis, and records what it returned so developer feedback can
// be joined back to it. A Service owns the long-running parts: the store,
// the learner, the drift scanner, the monitor and the deployment
// orchestrator.
package recloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianMLOps/services/recloop/analyzer"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/datatypes"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/deploy"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/diffunits"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/drift"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/feedback"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/monitor"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/patterngraph"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/quality"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/synth"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/telemetry"
)

var tracer = otel.Tracer("aleutian.mlops.recloop")

// Graph reinforcement applied per outcome. A modify is weighted by the
// developer's score.
const (
	reinforceAccept = 1.0
	reinforceReject = -0.5
)

// Defaults of a Pipeline.
const (
	DefaultGraphLimit       = 10
	DefaultBatchConcurrency = 8
)

// =============================================================================
// Collaborators
// =============================================================================

// Recorder receives one observation per served request or feedback.
// *monitor.Monitor satisfies it.
type Recorder interface {
	Record(monitor.Observation)
}

type discardRecorder struct{}

func (discardRecorder) Record(monitor.Observation) {}

type discardSamples struct{}

func (discardSamples) Observe(drift.Sample) {}

// =============================================================================
// Pipeline
// =============================================================================

// Pipeline runs the synchronous part of the loop.
//
// Thread Safety: Safe for concurrent use. Analysis reads only the graph
// snapshot pointer and the analyzer scorer pointer.
type Pipeline struct {
	extractor *quality.Extractor
	analyzer  *analyzer.Analyzer
	graph     *patterngraph.Engine
	issued    *feedback.Issued
	collector *feedback.Collector

	recorder   Recorder
	samples    monitor.SampleSink
	targetID   string
	graphLimit int
	batchLimit int
	logger     *slog.Logger
	now        func() time.Time
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithRecorder sets where serving observations go.
func WithRecorder(r Recorder) PipelineOption { return func(p *Pipeline) { p.recorder = r } }

// WithSampleSink sets where quality drift samples go.
func WithSampleSink(s monitor.SampleSink) PipelineOption {
	return func(p *Pipeline) { p.samples = s }
}

// WithTargetID labels observations with the serving target. Default: local
func WithTargetID(id string) PipelineOption { return func(p *Pipeline) { p.targetID = id } }

// WithGraphLimit caps graph remedies per unit.
func WithGraphLimit(n int) PipelineOption { return func(p *Pipeline) { p.graphLimit = n } }

// WithBatchConcurrency bounds parallel units in AnalyzeBatch.
func WithBatchConcurrency(n int) PipelineOption {
	return func(p *Pipeline) {
		if n > 0 {
			p.batchLimit = n
		}
	}
}

// WithPipelineLogger sets the logger.
func WithPipelineLogger(l *slog.Logger) PipelineOption { return func(p *Pipeline) { p.logger = l } }

// NewPipeline creates a pipeline over its collaborators.
func NewPipeline(ex *quality.Extractor, a *analyzer.Analyzer, g *patterngraph.Engine, issued *feedback.Issued, c *feedback.Collector, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		extractor:  ex,
		analyzer:   a,
		graph:      g,
		issued:     issued,
		collector:  c,
		recorder:   discardRecorder{},
		samples:    discardSamples{},
		targetID:   deploy.DefaultLocalTargetID,
		graphLimit: DefaultGraphLimit,
		batchLimit: DefaultBatchConcurrency,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Analyze returns recommendations for one unit.
func (p *Pipeline) Analyze(ctx context.Context, unit datatypes.CodeUnit) (*datatypes.RecommendationSet, error) {
	return p.AnalyzeWith(ctx, unit, analyzer.AnalysisContext{})
}

// AnalyzeWith returns recommendations for one unit under actx.
//
// Description:
//
//	Extracts metrics, then scores the unit and ranks graph remedies in
//	parallel, and merges both into one ordered set. Every returned
//	recommendation is recorded as issued so feedback can be validated
//	against it. The request is recorded with the monitor under the scorer
//	version that actually served it, and the quality features are pushed
//	to the drift detector.
//
//	A unit whose metrics cannot be computed is not an error: the set comes
//	back with status "unavailable", no recommendations and the reason.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	unit - The code unit.
//	actx - Scorer hints.
//
// Outputs:
//
//	*datatypes.RecommendationSet - Never nil when error is nil.
//	error - Ranking, scoring or store failures.
func (p *Pipeline) AnalyzeWith(ctx context.Context, unit datatypes.CodeUnit, actx analyzer.AnalysisContext) (*datatypes.RecommendationSet, error) {
	ctx, span := tracer.Start(ctx, "recloop.Analyze",
		trace.WithAttributes(
			attribute.String("unit.id", unit.ID),
			attribute.String("unit.language", unit.Language),
		),
	)
	defer span.End()
	start := p.now()

	m, err := p.extractor.Extract(ctx, unit)
	if err != nil {
		return p.unavailable(span, unit, err)
	}

	var (
		res     analyzer.Result
		ranking patterngraph.Ranking
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		res, err = p.analyzer.Analyze(gctx, unit, m, actx)
		return err
	})
	g.Go(func() error {
		var err error
		ranking, err = p.graph.Rank(gctx, m.Patterns, p.graphLimit)
		return err
	})
	if err := g.Wait(); err != nil {
		var ae *datatypes.AnalysisError
		if errors.As(err, &ae) {
			return p.unavailable(span, unit, err)
		}
		p.recorder.Record(monitor.Observation{
			ArtifactVersion: p.analyzer.Scorer().Version(),
			TargetID:        p.targetID,
			Latency:         p.now().Sub(start),
			Err:             err,
		})
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("analyze %s: %w", unit.ID, err)
	}

	recs := synth.Merge(synth.Input{
		UnitID:       unit.ID,
		ContentHash:  unit.ContentHash(),
		ModelVersion: res.ScorerVersion,
		Lines:        unitLines(unit),
		Candidates:   res.Candidates,
		Graph:        ranking,
	})
	if err := p.issued.RecordIssued(ctx, recs, m.Patterns); err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("record issued: %w", err)
	}

	p.recorder.Record(monitor.Observation{
		ArtifactVersion: res.ScorerVersion,
		TargetID:        p.targetID,
		Latency:         p.now().Sub(start),
	})
	p.samples.Observe(drift.Sample{
		Timestamp: p.now(),
		Features: map[string]float64{
			drift.FeatureComplexity:      float64(m.CyclomaticComplexity),
			drift.FeatureMaintainability: m.MaintainabilityIndex,
			drift.FeatureDuplication:     m.DuplicationRatio,
			drift.FeatureQualityScore:    res.QualityScore,
		},
	})

	span.SetAttributes(
		attribute.Float64("quality_score", res.QualityScore),
		attribute.Int("recommendations", len(recs)),
		attribute.String("scorer_version", res.ScorerVersion),
		attribute.Bool("cached", res.Cached),
	)
	return &datatypes.RecommendationSet{
		UnitID:          unit.ID,
		Status:          datatypes.StatusOK,
		QualityScore:    res.QualityScore,
		Metrics:         m,
		Recommendations: recs,
		ModelVersion:    res.ScorerVersion,
		LowConfidence:   ranking.LowConfidence,
	}, nil
}

func (p *Pipeline) unavailable(span trace.Span, unit datatypes.CodeUnit, err error) (*datatypes.RecommendationSet, error) {
	var ae *datatypes.AnalysisError
	if !errors.As(err, &ae) {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("extract %s: %w", unit.ID, err)
	}
	p.logger.Info("metrics unavailable",
		slog.String("unit_id", unit.ID),
		slog.String("language", ae.Language),
		slog.String("reason", ae.Reason),
	)
	span.SetAttributes(attribute.String("unavailable_reason", ae.Reason))
	return &datatypes.RecommendationSet{
		UnitID:          unit.ID,
		Status:          datatypes.StatusUnavailable,
		Reason:          ae.Reason,
		Recommendations: []datatypes.Recommendation{},
		ModelVersion:    p.analyzer.Scorer().Version(),
	}, nil
}

func unitLines(u datatypes.CodeUnit) int {
	if u.Lines > 0 {
		return u.Lines
	}
	return strings.Count(strings.TrimRight(u.Source, "\n"), "\n") + 1
}

// AnalyzeBatch analyzes units in parallel and returns their sets in input
// order. At most the configured batch concurrency run at once. The first
// hard failure cancels the rest.
func (p *Pipeline) AnalyzeBatch(ctx context.Context, units []datatypes.CodeUnit) ([]*datatypes.RecommendationSet, error) {
	if len(units) == 0 {
		return nil, ErrEmptyBatch
	}
	out := make([]*datatypes.RecommendationSet, len(units))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.batchLimit)
	for i, u := range units {
		g.Go(func() error {
			set, err := p.Analyze(gctx, u)
			if err != nil {
				return err
			}
			out[i] = set
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// DiffResult is the output of AnalyzeDiff.
type DiffResult struct {
	Sets    []*datatypes.RecommendationSet `json:"sets"`
	Skipped []diffunits.Skipped            `json:"skipped,omitempty"`
}

// AnalyzeDiff analyzes every changed file in a unified diff.
//
// original may be nil, in which case modified files are analyzed from
// their hunks alone.
func (p *Pipeline) AnalyzeDiff(ctx context.Context, patch string, original diffunits.OriginalSource) (DiffResult, error) {
	units, skipped, err := diffunits.Units(patch, original)
	if err != nil {
		return DiffResult{}, fmt.Errorf("%w: %s", ErrInvalidDiff, err.Error())
	}
	res := DiffResult{Skipped: skipped}
	if len(units) == 0 {
		res.Sets = []*datatypes.RecommendationSet{}
		return res, nil
	}
	res.Sets, err = p.AnalyzeBatch(ctx, units)
	return res, err
}

// SubmitFeedback stores a developer's response and feeds it back.
//
// Description:
//
//	The collector validates and appends the record, possibly triggering a
//	retrain. A first submission also reinforces the graph edges from the
//	unit's patterns to the recommended remedy and records an acceptance
//	observation against the model version that served it. Duplicates
//	change nothing.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	recID - The recommendation the feedback answers.
//	fb - The feedback.
//
// Outputs:
//
//	feedback.Ack - The collector's acknowledgement.
//	error - feedback.ErrInvalidFeedback, feedback.ErrUnknownRecommendation,
//	        feedback.ErrRecommendationMismatch or a store error.
func (p *Pipeline) SubmitFeedback(ctx context.Context, recID string, fb datatypes.DeveloperFeedback) (feedback.Ack, error) {
	ctx, span := tracer.Start(ctx, "recloop.SubmitFeedback",
		trace.WithAttributes(
			attribute.String("recommendation.id", recID),
			attribute.String("outcome", string(fb.Outcome)),
		),
	)
	defer span.End()

	ack, err := p.collector.Collect(ctx, recID, fb)
	if err != nil {
		telemetry.RecordError(span, err)
		return ack, err
	}
	if ack.Duplicate {
		return ack, nil
	}

	rec := ack.Issued.Recommendation
	p.reinforce(ack.Issued, fb)

	accepted := fb.Label() >= 0.5
	p.recorder.Record(monitor.Observation{
		ArtifactVersion: rec.ModelVersion,
		TargetID:        p.targetID,
		Accepted:        &accepted,
	})
	span.SetAttributes(attribute.Bool("retrain_triggered", ack.RetrainTriggered))
	return ack, nil
}

func (p *Pipeline) reinforce(issued feedback.IssuedRecommendation, fb datatypes.DeveloperFeedback) {
	rec := issued.Recommendation
	remedy := rec.RemedyID
	if remedy == "" && rec.PatternID != "" {
		remedy, _ = p.graph.Catalog().DefaultRemedy(rec.PatternID)
	}
	if remedy == "" {
		return
	}
	patterns := issued.Patterns
	if len(patterns) == 0 && rec.PatternID != "" {
		patterns = []string{rec.PatternID}
	}

	var delta float64
	switch fb.Outcome {
	case datatypes.OutcomeAccept:
		delta = reinforceAccept
	case datatypes.OutcomeModify:
		delta = fb.Score
	case datatypes.OutcomeReject:
		delta = reinforceReject
	}
	if err := p.graph.Reinforce(patterns, remedy, delta); err != nil {
		p.logger.Warn("graph not reinforced",
			slog.String("recommendation_id", rec.ID),
			slog.String("remedy_id", remedy),
			slog.String("error", err.Error()),
		)
	}
}
