// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianMLOps/services/recloop/analyzer"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/datatypes"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/monitor"
)

var infraErr = &datatypes.DeploymentInfrastructureError{TargetID: "t", Err: errors.New("refused")}

func TestBreaker_OpensOnInfrastructureErrorsOnly(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 2, SuccessThreshold: 1, OpenTimeout: time.Minute})
	now := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		_ = b.Execute("t", func() error { return errors.New("bad request") })
	}
	assert.Equal(t, BreakerClosed, b.State(), "application errors do not count")

	_ = b.Execute("t", func() error { return infraErr })
	_ = b.Execute("t", func() error { return infraErr })
	assert.Equal(t, BreakerOpen, b.State())

	called := false
	err := b.Execute("t", func() error { called = true; return nil })
	assert.False(t, called)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	var infra *datatypes.DeploymentInfrastructureError
	assert.True(t, errors.As(err, &infra))

	now = now.Add(2 * time.Minute)
	require.NoError(t, b.Execute("t", func() error { return nil }))
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, SuccessThreshold: 2, OpenTimeout: time.Second})
	now := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }

	_ = b.Execute("t", func() error { return infraErr })
	require.Equal(t, BreakerOpen, b.State())

	now = now.Add(2 * time.Second)
	_ = b.Execute("t", func() error { return nil })
	assert.Equal(t, BreakerHalfOpen, b.State())
	_ = b.Execute("t", func() error { return infraErr })
	assert.Equal(t, BreakerOpen, b.State())
	assert.Equal(t, "OPEN", b.State().String())
}

func TestHealthGate_Evaluate(t *testing.T) {
	g := DefaultHealthGate()
	at := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

	res := g.Evaluate("percent:10", HealthStatus{Ready: true}, monitor.Snapshot{}, at)
	assert.True(t, res.Healthy, "no telemetry is not a breach")

	res = g.Evaluate("percent:10", HealthStatus{Ready: true, ErrorRate: 0.01},
		monitor.Snapshot{Requests: 10, ErrorRate: 0.2}, at)
	assert.False(t, res.Healthy)
	assert.InDelta(t, 0.2, res.ErrorRate, 1e-9, "worse source wins")

	res = g.Evaluate("switch:green", HealthStatus{Ready: true, AcceptanceRate: 0.9, AcceptanceSamples: 10},
		monitor.Snapshot{AcceptanceRate: 0.1, AcceptanceSamples: 5}, at)
	assert.False(t, res.Healthy)
	assert.InDelta(t, 0.1, res.AcceptanceRate, 1e-9)

	res = g.Evaluate("env:blue", HealthStatus{}, monitor.Snapshot{}, at)
	assert.Equal(t, []string{"target not ready"}, res.Breaches)
	assert.Equal(t, "env:blue", res.Step)
	assert.Equal(t, at, res.At)
}

func TestHTTPTarget_Contract(t *testing.T) {
	var rolledBack atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/agent/deployments", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var req PushRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "acceptance@v1.0.0", req.Artifact.Ref())
		assert.Equal(t, StepPercent, req.Step.Kind)
		_ = json.NewEncoder(w).Encode(map[string]string{"deployment_id": "agent-7"})
	})
	mux.HandleFunc("GET /v1/agent/deployments/agent-7/health", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(HealthStatus{Ready: true, Requests: 40, ErrorRate: 0.025})
	})
	mux.HandleFunc("POST /v1/agent/deployments/agent-7/rollback", func(w http.ResponseWriter, _ *http.Request) {
		rolledBack.Store(true)
		w.WriteHeader(http.StatusNoContent)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	target, err := NewHTTPTarget(HTTPTargetConfig{ID: "edge", BaseURL: srv.URL + "/", Token: "secret"})
	require.NoError(t, err)
	ctx := context.Background()

	id, err := target.Deploy(ctx, PushRequest{
		DeploymentID: "d1",
		Artifact:     datatypes.ModelArtifact{Name: "acceptance", Version: "v1.0.0"},
		Strategy:     datatypes.StrategyCanary,
		Step:         Step{Kind: StepPercent, Percent: 10},
	})
	require.NoError(t, err)
	assert.Equal(t, "agent-7", id)

	st, err := target.HealthCheck(ctx, id)
	require.NoError(t, err)
	assert.True(t, st.Ready)
	assert.Equal(t, 40, st.Requests)

	require.NoError(t, target.Rollback(ctx, id))
	assert.True(t, rolledBack.Load())
}

func TestHTTPTarget_ErrorClassification(t *testing.T) {
	var hits, status atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.Error(w, "nope", int(status.Load()))
	}))
	defer srv.Close()

	target, err := NewHTTPTarget(HTTPTargetConfig{
		ID:      "edge",
		BaseURL: srv.URL,
		Breaker: BreakerConfig{FailureThreshold: 2, OpenTimeout: time.Hour},
	})
	require.NoError(t, err)
	ctx := context.Background()

	status.Store(http.StatusBadRequest)
	_, err = target.Deploy(ctx, PushRequest{DeploymentID: "d1"})
	require.Error(t, err)
	var infra *datatypes.DeploymentInfrastructureError
	assert.False(t, errors.As(err, &infra), "4xx is an application error")

	status.Store(http.StatusServiceUnavailable)
	for i := 0; i < 2; i++ {
		_, err = target.Deploy(ctx, PushRequest{DeploymentID: "d1"})
		require.True(t, errors.As(err, &infra))
		assert.Equal(t, "edge", infra.TargetID)
	}
	assert.Equal(t, BreakerOpen, target.Breaker().State())

	before := hits.Load()
	_, err = target.Deploy(ctx, PushRequest{DeploymentID: "d1"})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, before, hits.Load(), "open circuit does not call the agent")
}

func TestNewHTTPTarget_Validation(t *testing.T) {
	_, err := NewHTTPTarget(HTTPTargetConfig{BaseURL: "http://x"})
	assert.Error(t, err)
	_, err = NewHTTPTarget(HTTPTargetConfig{ID: "x", BaseURL: "not a url"})
	assert.Error(t, err)
}

func TestLocalTarget_StepsAndRollback(t *testing.T) {
	rule := analyzer.NewRuleScorer()
	a := analyzer.New(rule)
	local := NewLocalTarget("", a, rule, nil)
	assert.Equal(t, DefaultLocalTargetID, local.ID())
	ctx := context.Background()

	art := datatypes.ModelArtifact{
		Name:       "acceptance",
		Version:    "v1.0.0",
		Parameters: map[string]float64{analyzer.ParamKey(datatypes.CategoryStyle): 0.6},
	}

	_, err := local.Deploy(ctx, PushRequest{DeploymentID: "d1", Artifact: art, Step: Step{Kind: StepInstance, Instance: 0, Instances: 4}})
	require.NoError(t, err)
	split, ok := a.Scorer().(*analyzer.SplitScorer)
	require.True(t, ok)
	assert.Equal(t, 25, split.Percent())
	assert.Equal(t, analyzer.RuleVersion, split.Stable().Version())

	// A later step replaces the split without nesting it.
	_, err = local.Deploy(ctx, PushRequest{DeploymentID: "d1", Artifact: art, Step: Step{Kind: StepInstance, Instance: 1, Instances: 4}})
	require.NoError(t, err)
	split = a.Scorer().(*analyzer.SplitScorer)
	assert.Equal(t, 50, split.Percent())
	assert.Equal(t, analyzer.RuleVersion, split.Stable().Version())

	st, err := local.HealthCheck(ctx, "d1")
	require.NoError(t, err)
	assert.True(t, st.Ready)

	require.NoError(t, local.Rollback(ctx, "d1"))
	assert.Equal(t, analyzer.RuleVersion, a.Scorer().Version())

	_, err = local.HealthCheck(ctx, "d1")
	assert.ErrorIs(t, err, ErrUnknownDeployment)
}

func TestLocalTarget_BlueGreenSwitch(t *testing.T) {
	rule := analyzer.NewRuleScorer()
	a := analyzer.New(rule)
	local := NewLocalTarget("local", a, rule, nil)
	ctx := context.Background()
	art := datatypes.ModelArtifact{
		Name:       "acceptance",
		Version:    "v1.0.0",
		Parameters: map[string]float64{analyzer.ParamKey(datatypes.CategoryStyle): 0.6},
	}

	_, err := local.Deploy(ctx, PushRequest{DeploymentID: "d1", Artifact: art, Step: Step{Kind: StepSwitch, Env: ColorBlue}})
	assert.Error(t, err, "switch before any env was prepared")

	_, err = local.Deploy(ctx, PushRequest{DeploymentID: "d1", Artifact: art, Step: Step{Kind: StepEnv, Env: ColorGreen}})
	require.NoError(t, err)
	assert.Equal(t, analyzer.RuleVersion, a.Scorer().Version(), "env only prepares")

	_, err = local.Deploy(ctx, PushRequest{DeploymentID: "d1", Artifact: art, Step: Step{Kind: StepSwitch, Env: ColorGreen}})
	require.NoError(t, err)
	assert.Equal(t, "acceptance@v1.0.0", a.Scorer().Version())

	_, err = local.Deploy(ctx, PushRequest{DeploymentID: "d1", Artifact: art, Step: Step{Kind: StepSwitch, Env: ColorBlue}})
	require.NoError(t, err)
	assert.Equal(t, analyzer.RuleVersion, a.Scorer().Version(), "switched back")

	_, err = local.Deploy(ctx, PushRequest{DeploymentID: "d2", Artifact: datatypes.ModelArtifact{Name: "x", Version: "v1.0.0"}, Step: Step{Kind: StepPercent, Percent: 100}})
	assert.Error(t, err, "artifact without parameters")
}
