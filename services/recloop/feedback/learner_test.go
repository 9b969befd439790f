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
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianMLOps/services/recloop/analyzer"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/artifactstore"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/datatypes"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/quality"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/registry"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/store"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/workqueue"
)

type learnerFixture struct {
	db         *store.DB
	issued     *Issued
	reg        *registry.Registry
	blobs      *artifactstore.Store
	learner    *Learner
	collector  *Collector
	candidates chan datatypes.ModelArtifact
}

func newLearnerFixture(t *testing.T, batch int) *learnerFixture {
	t.Helper()
	db := openDB(t)
	q := workqueue.New()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = q.Close(ctx)
	})

	f := &learnerFixture{
		db:         db,
		issued:     NewIssued(db),
		reg:        registry.New(db),
		blobs:      artifactstore.New(artifactstore.NewBadgerBlobs(db)),
		candidates: make(chan datatypes.ModelArtifact, 4),
	}
	f.learner = NewLearner(db, f.reg, f.blobs, q, DefaultLearnerConfig(),
		WithCandidateHandler(func(_ context.Context, a datatypes.ModelArtifact) { f.candidates <- a }),
	)
	f.collector = NewCollector(db, f.issued, CollectorConfig{BatchSize: batch}, WithTrigger(f.learner.TriggerFunc()))
	return f
}

// submit records n feedbacks on a performance recommendation, rejecting
// every index for which reject returns true.
func (f *learnerFixture) submit(t *testing.T, offset, n int, reject func(i int) bool) {
	t.Helper()
	issue(t, f.issued, datatypes.CategoryPerformance, "perf-1")
	for i := offset; i < offset+n; i++ {
		outcome := datatypes.OutcomeAccept
		if reject(i) {
			outcome = datatypes.OutcomeReject
		}
		_, err := f.collector.Collect(context.Background(), "perf-1", feedbackFor("perf-1", "dev", outcome, i))
		require.NoError(t, err)
	}
}

func (f *learnerFixture) awaitCandidate(t *testing.T) datatypes.ModelArtifact {
	t.Helper()
	select {
	case a := <-f.candidates:
		return a
	case <-time.After(5 * time.Second):
		t.Fatal("no candidate trained")
		return datatypes.ModelArtifact{}
	}
}

func everyTenth(i int) bool { return i%10 == 9 }

func TestLearner_BatchProducesCalibratedCandidate(t *testing.T) {
	f := newLearnerFixture(t, 100)
	f.submit(t, 0, 100, everyTenth)

	a := f.awaitCandidate(t)
	assert.Equal(t, "acceptance", a.Name)
	assert.Equal(t, "v1.0.0", a.Version)
	assert.Equal(t, datatypes.ArtifactCandidate, a.Status)
	assert.Equal(t, 100, a.TrainingExamples)
	assert.InDelta(t, 95.0/110.0, a.Parameters[analyzer.ParamKey(datatypes.CategoryPerformance)], 1e-9)
	assert.InDelta(t, analyzer.BaseAcceptance, a.Parameters[analyzer.ParamKey(datatypes.CategoryStyle)], 1e-9)
	assert.NotEmpty(t, a.Digest)

	// Holdout is the newest 20: all predicted accepted, two rejected.
	assert.InDelta(t, 0.9, a.Metrics.Accuracy, 1e-9)
	assert.InDelta(t, 0.9, a.Metrics.Precision, 1e-9)
	assert.InDelta(t, 1.0, a.Metrics.Recall, 1e-9)

	ckpt, err := f.learner.Checkpoint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(100), ckpt)

	stored, err := f.reg.Get(context.Background(), "acceptance", "v1.0.0")
	require.NoError(t, err)
	assert.Equal(t, datatypes.ArtifactCandidate, stored.Status)

	fetched, err := f.blobs.Fetch(context.Background(), stored)
	require.NoError(t, err)
	assert.Equal(t, a.Parameters, fetched.Parameters)
}

func TestLearner_LearnedScorerRaisesAcceptedCategory(t *testing.T) {
	f := newLearnerFixture(t, 100)
	f.submit(t, 0, 100, everyTenth)
	a := f.awaitCandidate(t)

	m := &datatypes.QualityMetrics{
		MaintainabilityIndex: 80,
		TestCoverage:         0.9,
		SecurityScore:        1,
		CyclomaticComplexity: 3,
		Halstead:             datatypes.Halstead{Effort: 2 * quality.EffortThreshold},
		Patterns:             []string{quality.PatternHighEffort},
	}
	ctx := context.Background()
	_, ruleCands, err := analyzer.NewRuleScorer().Score(ctx, m, analyzer.AnalysisContext{})
	require.NoError(t, err)
	_, learnedCands, err := analyzer.NewLearnedScorer(analyzer.NewRuleScorer(), a).Score(ctx, m, analyzer.AnalysisContext{})
	require.NoError(t, err)

	require.Len(t, ruleCands, 1)
	require.Len(t, learnedCands, 1)
	assert.Equal(t, datatypes.CategoryPerformance, learnedCands[0].Category)
	assert.GreaterOrEqual(t, learnedCands[0].Confidence, ruleCands[0].Confidence)
}

func TestLearner_FailedRunKeepsCheckpointAndReplays(t *testing.T) {
	f := newLearnerFixture(t, 1000)
	ctx := context.Background()
	f.submit(t, 0, 5, everyTenth)

	_, err := f.learner.Retrain(ctx, ReasonManual)
	var te *datatypes.TrainingError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 5, te.Examples)

	ckpt, err := f.learner.Checkpoint(ctx)
	require.NoError(t, err)
	assert.Zero(t, ckpt)

	f.submit(t, 5, 10, everyTenth)
	a, err := f.learner.Retrain(ctx, ReasonManual)
	require.NoError(t, err)
	assert.Equal(t, 15, a.TrainingExamples)

	// Nothing new after the checkpoint.
	_, err = f.learner.Retrain(ctx, ReasonManual)
	require.True(t, errors.As(err, &te))
	assert.Zero(t, te.Examples)

	list, err := f.reg.List(ctx, "acceptance")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestLearner_StartsFromDeployedParameters(t *testing.T) {
	f := newLearnerFixture(t, 1000)
	ctx := context.Background()
	f.submit(t, 0, 100, everyTenth)
	first, err := f.learner.Retrain(ctx, ReasonManual)
	require.NoError(t, err)
	require.NoError(t, f.reg.SetStatus(ctx, first.Name, first.Version, datatypes.ArtifactDeployed, "test"))

	f.submit(t, 100, 20, func(i int) bool { return i%2 == 0 })
	second, err := f.learner.Retrain(ctx, ReasonDrift)
	require.NoError(t, err)
	assert.Equal(t, "v1.1.0", second.Version)

	want := (10 + first.Parameters[analyzer.ParamKey(datatypes.CategoryPerformance)]*10) / 30
	assert.InDelta(t, want, second.Parameters[analyzer.ParamKey(datatypes.CategoryPerformance)], 1e-9)
}

func TestTrain_RejectsBadData(t *testing.T) {
	cfg := DefaultLearnerConfig()

	_, _, err := Train(cfg, "m", make([]Example, 3), nil)
	var te *datatypes.TrainingError
	require.True(t, errors.As(err, &te))
	assert.Contains(t, te.Reason, "at least")

	same := make([]Example, 20)
	for i := range same {
		same[i] = Example{Seq: uint64(i + 1), Category: datatypes.CategoryStyle, Label: 1}
	}
	_, _, err = Train(cfg, "m", same, nil)
	require.True(t, errors.As(err, &te))
	assert.Contains(t, te.Reason, "variance")
}

func TestTrain_UnseenCategoriesKeepPriors(t *testing.T) {
	examples := make([]Example, 0, 20)
	for i := 0; i < 20; i++ {
		examples = append(examples, Example{
			Seq:      uint64(i + 1),
			Category: datatypes.CategorySecurity,
			Label:    float64(i % 2),
		})
	}
	priors := map[string]float64{analyzer.ParamKey(datatypes.CategoryStyle): 0.7}

	params, _, err := Train(DefaultLearnerConfig(), "m", examples, priors)
	require.NoError(t, err)
	assert.InDelta(t, 0.7, params[analyzer.ParamKey(datatypes.CategoryStyle)], 1e-9)
	assert.InDelta(t, 0.5, params[analyzer.ParamKey(datatypes.CategorySecurity)], 1e-9)
	for _, c := range datatypes.AllCategories {
		assert.Contains(t, params, analyzer.ParamKey(c), fmt.Sprintf("category %s", c))
	}
}
