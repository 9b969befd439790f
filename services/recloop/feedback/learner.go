// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianMLOps/services/recloop/analyzer"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/artifactstore"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/datatypes"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/events"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/registry"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/store"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/telemetry"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/workqueue"
)

var tracer = otel.Tracer("aleutian.mlops.feedback")

const checkpointPrefix = "ckpt/learner/"

// LearnerConfig configures training.
type LearnerConfig struct {
	// ModelName is the artifact family. Default: "acceptance"
	ModelName string

	// MinExamples below which training fails. Default: 10
	MinExamples int

	// Alpha is the prior strength in pseudo-examples. Default: 10
	Alpha float64

	// HoldoutFraction is the share of newest examples used for evaluation.
	// Default: 0.2
	HoldoutFraction float64
}

// DefaultLearnerConfig returns the defaults.
func DefaultLearnerConfig() LearnerConfig {
	return LearnerConfig{
		ModelName:       "acceptance",
		MinExamples:     10,
		Alpha:           10,
		HoldoutFraction: 0.2,
	}
}

// Example is one labeled training row.
type Example struct {
	Seq      uint64
	Category datatypes.Category
	Label    float64
	At       time.Time
}

// CandidateHandler receives every newly trained artifact.
type CandidateHandler func(ctx context.Context, a datatypes.ModelArtifact)

// Learner retrains the acceptance model from the feedback log.
//
// Thread Safety: Safe for concurrent use. Retrains of one model family are
// serialized on the work queue.
type Learner struct {
	db       *store.DB
	registry *registry.Registry
	blobs    *artifactstore.Store
	queue    *workqueue.Queue
	bus      events.Publisher
	cfg      LearnerConfig
	logger   *slog.Logger
	now      func() time.Time

	onCandidate CandidateHandler
}

// LearnerOption configures a Learner.
type LearnerOption func(*Learner)

// WithCandidateHandler is invoked after a candidate is persisted.
func WithCandidateHandler(h CandidateHandler) LearnerOption {
	return func(l *Learner) { l.onCandidate = h }
}

// WithPublisher sets the event publisher.
func WithPublisher(p events.Publisher) LearnerOption {
	return func(l *Learner) { l.bus = p }
}

// WithLearnerLogger sets the logger.
func WithLearnerLogger(lg *slog.Logger) LearnerOption {
	return func(l *Learner) { l.logger = lg }
}

// WithLearnerClock overrides time.Now.
func WithLearnerClock(now func() time.Time) LearnerOption {
	return func(l *Learner) { l.now = now }
}

// NewLearner creates a learner.
func NewLearner(db *store.DB, reg *registry.Registry, blobs *artifactstore.Store, queue *workqueue.Queue, cfg LearnerConfig, opts ...LearnerOption) *Learner {
	def := DefaultLearnerConfig()
	if cfg.ModelName == "" {
		cfg.ModelName = def.ModelName
	}
	if cfg.MinExamples <= 0 {
		cfg.MinExamples = def.MinExamples
	}
	if cfg.Alpha <= 0 {
		cfg.Alpha = def.Alpha
	}
	if cfg.HoldoutFraction <= 0 || cfg.HoldoutFraction >= 1 {
		cfg.HoldoutFraction = def.HoldoutFraction
	}
	l := &Learner{
		db:       db,
		registry: reg,
		blobs:    blobs,
		queue:    queue,
		bus:      events.Discard{},
		cfg:      cfg,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ModelName returns the artifact family this learner trains.
func (l *Learner) ModelName() string { return l.cfg.ModelName }

// Trigger enqueues a retrain job. It never blocks on training. The
// returned handle completes when the job has run.
func (l *Learner) Trigger(reason string) (*workqueue.Handle, error) {
	return l.queue.Submit(workqueue.Job{
		ID:  "retrain/" + l.cfg.ModelName + "/" + reason,
		Key: "retrain/" + l.cfg.ModelName,
		Run: func(ctx context.Context) error {
			_, err := l.Retrain(ctx, reason)
			return err
		},
	})
}

// TriggerFunc adapts Trigger to the collector's RetrainTrigger.
func (l *Learner) TriggerFunc() RetrainTrigger {
	return func(reason string) {
		if _, err := l.Trigger(reason); err != nil {
			l.logger.Warn("retrain not enqueued", slog.String("reason", reason), slog.String("error", err.Error()))
		}
	}
}

// Checkpoint returns the last consumed feedback seq.
func (l *Learner) Checkpoint(ctx context.Context) (uint64, error) {
	var seq uint64
	err := l.db.GetJSON(ctx, checkpointPrefix+l.cfg.ModelName, &seq)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	return seq, err
}

// Examples reads the labeled feedback after the checkpoint, in seq order.
func (l *Learner) Examples(ctx context.Context, after uint64) ([]Example, error) {
	var out []Example
	err := l.db.ScanFrom(ctx, logPrefix, store.SeqKey(logPrefix, after+1), func(_ string, val []byte) error {
		var r Record
		if err := json.Unmarshal(val, &r); err != nil {
			return err
		}
		out = append(out, Example{Seq: r.Seq, Category: r.Category, Label: r.Feedback.Label(), At: r.Feedback.Timestamp})
		return nil
	})
	return out, err
}

// Retrain runs one training job.
//
// Description:
//
//	Reads feedback after the checkpoint, fits per-category acceptance
//	starting from the deployed artifact's parameters, evaluates on the
//	newest examples and persists the result as a candidate. The
//	checkpoint moves only after the blob and registry entry are written,
//	so a crash mid-job replays the same batch.
//
// Outputs:
//
//	datatypes.ModelArtifact - The new candidate.
//	error - *datatypes.TrainingError on bad data, or a storage error.
//	        The deployed artifact is never touched.
func (l *Learner) Retrain(ctx context.Context, reason string) (datatypes.ModelArtifact, error) {
	ctx, span := tracer.Start(ctx, "feedback.Retrain",
		trace.WithAttributes(attribute.String("model", l.cfg.ModelName), attribute.String("reason", reason)),
	)
	defer span.End()

	ckpt, err := l.Checkpoint(ctx)
	if err != nil {
		return datatypes.ModelArtifact{}, err
	}
	examples, err := l.Examples(ctx, ckpt)
	if err != nil {
		return datatypes.ModelArtifact{}, err
	}
	span.SetAttributes(attribute.Int("examples", len(examples)))

	priors := l.priors(ctx)
	params, metrics, err := Train(l.cfg, l.cfg.ModelName, examples, priors)
	if err != nil {
		telemetry.RecordError(span, err)
		l.logger.Warn("retrain failed",
			slog.String("model", l.cfg.ModelName),
			slog.Int("examples", len(examples)),
			slog.String("error", err.Error()),
		)
		l.bus.Publish(events.Event{
			Severity:  events.SeverityWarning,
			Component: "learner",
			Type:      "training_failed",
			Message:   err.Error(),
			Values:    map[string]float64{"examples": float64(len(examples))},
			Labels:    map[string]string{"model": l.cfg.ModelName, "reason": reason},
		})
		return datatypes.ModelArtifact{}, err
	}

	version, err := l.registry.NextVersion(ctx, l.cfg.ModelName)
	if err != nil {
		return datatypes.ModelArtifact{}, err
	}
	last := examples[len(examples)-1]
	artifact := datatypes.ModelArtifact{
		Name:             l.cfg.ModelName,
		Version:          version,
		Window:           datatypes.TimeWindow{Start: examples[0].At, End: last.At},
		Metrics:          metrics,
		CreatedAt:        l.now(),
		Status:           datatypes.ArtifactCandidate,
		Parameters:       params,
		TrainingExamples: len(examples),
	}

	artifact, err = l.blobs.Save(ctx, artifact)
	if err != nil {
		return datatypes.ModelArtifact{}, err
	}
	if err := l.registry.Register(ctx, artifact); err != nil {
		return datatypes.ModelArtifact{}, err
	}
	if err := l.db.PutJSON(ctx, checkpointPrefix+l.cfg.ModelName, last.Seq); err != nil {
		return datatypes.ModelArtifact{}, fmt.Errorf("advance learner checkpoint: %w", err)
	}

	l.logger.Info("candidate trained",
		slog.String("artifact_version", artifact.Ref()),
		slog.Int("examples", len(examples)),
		slog.Float64("f1", metrics.F1),
		slog.Uint64("checkpoint", last.Seq),
	)
	l.bus.Publish(events.Event{
		Severity:  events.SeverityInfo,
		Component: "learner",
		Type:      "candidate_trained",
		Message:   "new candidate " + artifact.Ref(),
		Values: map[string]float64{
			"accuracy": metrics.Accuracy,
			"f1":       metrics.F1,
			"examples": float64(len(examples)),
		},
		Labels: map[string]string{"artifact_version": artifact.Ref(), "reason": reason},
	})
	if l.onCandidate != nil {
		l.onCandidate(ctx, artifact)
	}
	return artifact, nil
}

// priors returns the deployed artifact's parameters, or nil.
func (l *Learner) priors(ctx context.Context) map[string]float64 {
	dep, err := l.registry.Latest(ctx, l.cfg.ModelName, datatypes.ArtifactDeployed)
	if err != nil {
		return nil
	}
	return dep.Parameters
}

// Train fits per-category calibrated acceptance.
//
// Description:
//
//	p_c = (sum of labels + prior_c * alpha) / (n_c + alpha), where prior_c
//	is priors[acceptance.<c>] or the base acceptance. Categories without
//	examples keep their prior. The newest HoldoutFraction of examples is
//	held out: parameters fitted on the rest predict "accepted" when
//	p_c >= 0.5, scored against label >= 0.5. The returned parameters are
//	fitted on all examples.
//
// Outputs:
//
//	map[string]float64 - Keyed by analyzer.ParamKey.
//	datatypes.EvalMetrics - Holdout scores.
//	error - *datatypes.TrainingError.
func Train(cfg LearnerConfig, model string, examples []Example, priors map[string]float64) (map[string]float64, datatypes.EvalMetrics, error) {
	if len(examples) < cfg.MinExamples {
		return nil, datatypes.EvalMetrics{}, &datatypes.TrainingError{
			Model: model, Examples: len(examples),
			Reason: fmt.Sprintf("need at least %d examples", cfg.MinExamples),
		}
	}
	if zeroVariance(examples) {
		return nil, datatypes.EvalMetrics{}, &datatypes.TrainingError{
			Model: model, Examples: len(examples), Reason: "labels have zero variance",
		}
	}

	split := len(examples) - int(math.Ceil(float64(len(examples))*cfg.HoldoutFraction))
	if split < 1 {
		split = 1
	}
	trainParams := fit(cfg.Alpha, examples[:split], priors)
	metrics := evaluate(trainParams, examples[split:], priors)

	params := fit(cfg.Alpha, examples, priors)
	for k, v := range params {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, datatypes.EvalMetrics{}, &datatypes.TrainingError{
				Model: model, Examples: len(examples), Reason: "non-finite parameter " + k,
			}
		}
	}
	return params, metrics, nil
}

func prior(priors map[string]float64, c datatypes.Category) float64 {
	if p, ok := priors[analyzer.ParamKey(c)]; ok && !math.IsNaN(p) {
		return p
	}
	return analyzer.BaseAcceptance
}

func fit(alpha float64, examples []Example, priors map[string]float64) map[string]float64 {
	sum := make(map[datatypes.Category]float64)
	n := make(map[datatypes.Category]float64)
	for _, e := range examples {
		sum[e.Category] += e.Label
		n[e.Category]++
	}
	params := make(map[string]float64, len(datatypes.AllCategories))
	for _, c := range datatypes.AllCategories {
		p0 := prior(priors, c)
		params[analyzer.ParamKey(c)] = (sum[c] + p0*alpha) / (n[c] + alpha)
	}
	return params
}

func evaluate(params map[string]float64, holdout []Example, priors map[string]float64) datatypes.EvalMetrics {
	var tp, fp, tn, fn float64
	for _, e := range holdout {
		p, ok := params[analyzer.ParamKey(e.Category)]
		if !ok {
			p = prior(priors, e.Category)
		}
		predicted := p >= 0.5
		actual := e.Label >= 0.5
		switch {
		case predicted && actual:
			tp++
		case predicted && !actual:
			fp++
		case !predicted && actual:
			fn++
		default:
			tn++
		}
	}
	var m datatypes.EvalMetrics
	if total := tp + fp + tn + fn; total > 0 {
		m.Accuracy = (tp + tn) / total
	}
	if tp+fp > 0 {
		m.Precision = tp / (tp + fp)
	}
	if tp+fn > 0 {
		m.Recall = tp / (tp + fn)
	}
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	return m
}

func zeroVariance(examples []Example) bool {
	first := examples[0].Label
	for _, e := range examples[1:] {
		if e.Label != first {
			return false
		}
	}
	return true
}
