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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianMLOps/services/recloop/analyzer"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/datatypes"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/events"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/monitor"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/registry"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/store"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/workqueue"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeTarget struct {
	id string

	// pushErr, when set, is consulted on every push attempt (1-based).
	pushErr func(attempt int, s Step) error
	// health, when set, returns the status after the latest accepted step.
	health func(s Step) HealthStatus

	mu        sync.Mutex
	attempts  int
	pushes    []Step
	rollbacks []string
}

func (f *fakeTarget) ID() string { return f.id }

func (f *fakeTarget) Deploy(_ context.Context, req PushRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	if f.pushErr != nil {
		if err := f.pushErr(f.attempts, req.Step); err != nil {
			return "", err
		}
	}
	f.pushes = append(f.pushes, req.Step)
	return "remote-" + req.DeploymentID, nil
}

func (f *fakeTarget) HealthCheck(_ context.Context, _ string) (HealthStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.health == nil || len(f.pushes) == 0 {
		return HealthStatus{Ready: true}, nil
	}
	return f.health(f.pushes[len(f.pushes)-1]), nil
}

func (f *fakeTarget) Rollback(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rollbacks = append(f.rollbacks, id)
	return nil
}

func (f *fakeTarget) steps() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.pushes))
	for i, s := range f.pushes {
		out[i] = s.String()
	}
	return out
}

func (f *fakeTarget) rollbackCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rollbacks)
}

func healthy(Step) HealthStatus { return HealthStatus{Ready: true} }

func failing(Step) HealthStatus { return HealthStatus{Ready: true, Requests: 100, ErrorRate: 0.5} }

// =============================================================================
// Fixture
// =============================================================================

type fixture struct {
	db   *store.DB
	reg  *registry.Registry
	bus  *events.Bus
	orch *Orchestrator
}

func fastConfig() Config {
	return Config{
		Instances:           3,
		CanaryPercent:       10,
		SoakDuration:        30 * time.Millisecond,
		HealthCheckInterval: 10 * time.Millisecond,
		MaxTries:            3,
		InitialBackoff:      time.Millisecond,
		MaxBackoff:          2 * time.Millisecond,
		RollbackTimeout:     time.Second,
	}
}

func openDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func newQueue(t *testing.T) *workqueue.Queue {
	t.Helper()
	q := workqueue.New()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = q.Close(ctx)
	})
	return q
}

func newFixture(t *testing.T, snapshots SnapshotSource, opts ...Option) *fixture {
	t.Helper()
	db := openDB(t)
	f := &fixture{db: db, reg: registry.New(db), bus: events.NewBus()}
	opts = append([]Option{WithConfig(fastConfig()), WithPublisher(f.bus)}, opts...)
	f.orch = New(db, f.reg, newQueue(t), snapshots, opts...)
	return f
}

func (f *fixture) artifact(t *testing.T, version string) datatypes.ModelArtifact {
	t.Helper()
	a := datatypes.ModelArtifact{
		Name:       "acceptance",
		Version:    version,
		CreatedAt:  time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC),
		Status:     datatypes.ArtifactCandidate,
		Parameters: map[string]float64{analyzer.ParamKey(datatypes.CategoryPerformance): 0.8},
	}
	require.NoError(t, f.reg.Register(context.Background(), a))
	return a
}

func (f *fixture) deploy(t *testing.T, a datatypes.ModelArtifact, target string, s datatypes.Strategy) datatypes.DeploymentRecord {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	id, err := f.orch.Deploy(ctx, a, target, s, Config{})
	require.NoError(t, err)
	rec, err := f.orch.Wait(ctx, id)
	require.NoError(t, err)
	return rec
}

func (f *fixture) status(t *testing.T, a datatypes.ModelArtifact) datatypes.ArtifactStatus {
	t.Helper()
	got, err := f.reg.Get(context.Background(), a.Name, a.Version)
	require.NoError(t, err)
	return got.Status
}

// =============================================================================
// Tests
// =============================================================================

func TestDeploy_ImmediatePromotes(t *testing.T) {
	f := newFixture(t, nil)
	target := &fakeTarget{id: "t1"}
	f.orch.AddTarget(target)

	var promoted []string
	f.orch.hooks = append(f.orch.hooks, func(_ context.Context, a datatypes.ModelArtifact, id string) {
		promoted = append(promoted, a.Ref()+"/"+id)
	})

	v1 := f.artifact(t, "v1.0.0")
	rec := f.deploy(t, v1, "t1", datatypes.StrategyImmediate)

	assert.Equal(t, datatypes.StatePromoted, rec.State)
	assert.Equal(t, datatypes.OutcomeSuccess, rec.Outcome)
	assert.Empty(t, rec.PreviousVersion)
	assert.Equal(t, []string{"percent:100"}, target.steps())
	require.Len(t, rec.HealthChecks, 1)
	assert.True(t, rec.HealthChecks[0].Healthy)

	active, ok := f.orch.Active("t1")
	require.True(t, ok)
	assert.Equal(t, "v1.0.0", active.Version)
	assert.Equal(t, datatypes.ArtifactDeployed, f.status(t, v1))
	assert.Equal(t, []string{"acceptance@v1.0.0/t1"}, promoted)

	history, err := f.orch.History(context.Background(), rec.ID)
	require.NoError(t, err)
	var states []datatypes.DeploymentState
	for _, h := range history {
		if len(states) == 0 || states[len(states)-1] != h.State {
			states = append(states, h.State)
		}
	}
	assert.Equal(t, []datatypes.DeploymentState{
		datatypes.StatePending, datatypes.StateInProgress,
		datatypes.StateHealthChecking, datatypes.StatePromoted,
	}, states)
}

func TestDeploy_FailedGateRollsBackAndKeepsPrevious(t *testing.T) {
	f := newFixture(t, nil)
	target := &fakeTarget{id: "t1"}
	f.orch.AddTarget(target)

	v1 := f.artifact(t, "v1.0.0")
	first := f.deploy(t, v1, "t1", datatypes.StrategyImmediate)
	require.Equal(t, datatypes.OutcomeSuccess, first.Outcome)

	ch, unsubscribe := f.bus.SubscribeChan(8)
	defer unsubscribe()

	target.health = failing
	v2 := f.artifact(t, "v1.1.0")
	rec := f.deploy(t, v2, "t1", datatypes.StrategyImmediate)

	assert.Equal(t, datatypes.StateRolledBack, rec.State)
	assert.Equal(t, datatypes.OutcomeRolledBack, rec.Outcome)
	assert.Equal(t, "v1.0.0", rec.PreviousVersion)
	assert.Contains(t, rec.Error, "error rate")
	require.Len(t, rec.HealthChecks, 1)
	assert.False(t, rec.HealthChecks[0].Healthy)
	assert.Equal(t, 1, target.rollbackCount())

	active, ok := f.orch.Active("t1")
	require.True(t, ok)
	assert.Equal(t, "v1.0.0", active.Version)
	assert.Equal(t, datatypes.ArtifactDeployed, f.status(t, v1))
	assert.Equal(t, datatypes.ArtifactCandidate, f.status(t, v2))

	select {
	case e := <-ch:
		assert.Equal(t, "deploy_rolled_back", e.Type)
		assert.Equal(t, "t1", e.Labels["target_id"])
	case <-time.After(time.Second):
		t.Fatal("no rollback event")
	}

	// The first deployment remains promoted.
	got, err := f.orch.Get(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatePromoted, got.State)
}

func TestDeploy_PromotionRetiresSupersededRecord(t *testing.T) {
	f := newFixture(t, nil)
	f.orch.AddTarget(&fakeTarget{id: "t1"})

	v1, v2 := f.artifact(t, "v1.0.0"), f.artifact(t, "v1.1.0")
	first := f.deploy(t, v1, "t1", datatypes.StrategyImmediate)
	second := f.deploy(t, v2, "t1", datatypes.StrategyImmediate)
	require.Equal(t, datatypes.StatePromoted, second.State)

	old, err := f.orch.Get(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.StateRetired, old.State)
	assert.Equal(t, datatypes.ArtifactRetired, f.status(t, v1))
	assert.Equal(t, datatypes.ArtifactDeployed, f.status(t, v2))
}

func TestDeploy_CanaryLatencyRegressionRollsBackWithinOneInterval(t *testing.T) {
	mon := monitor.New(monitor.DefaultConfig())
	a := analyzer.New(analyzer.NewRuleScorer())
	local := NewLocalTarget("local", a, analyzer.NewRuleScorer(), mon)

	f := newFixture(t, mon)
	f.orch.AddTarget(local)
	v1 := f.artifact(t, "v1.0.0")

	// The canary share of traffic is slow.
	for i := 0; i < 50; i++ {
		mon.Record(monitor.Observation{ArtifactVersion: v1.Ref(), TargetID: "local", Latency: 400 * time.Millisecond})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	interval := 200 * time.Millisecond
	start := time.Now()
	id, err := f.orch.Deploy(ctx, v1, "local", datatypes.StrategyCanary, Config{
		SoakDuration:        10 * time.Second,
		HealthCheckInterval: interval,
	})
	require.NoError(t, err)
	rec, err := f.orch.Wait(ctx, id)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), interval)
	assert.Equal(t, datatypes.OutcomeRolledBack, rec.Outcome)
	require.Len(t, rec.HealthChecks, 1)
	assert.Equal(t, "percent:10", rec.HealthChecks[0].Step)
	assert.InDelta(t, 400, rec.HealthChecks[0].LatencyP95Ms, 1e-9)

	assert.Equal(t, analyzer.RuleVersion, a.Scorer().Version(), "scorer restored")
	_, ok := f.orch.Active("local")
	assert.False(t, ok)
}

func TestDeploy_CanarySoaksThenPromotes(t *testing.T) {
	mon := monitor.New(monitor.DefaultConfig())
	a := analyzer.New(analyzer.NewRuleScorer())
	f := newFixture(t, mon)
	f.orch.AddTarget(NewLocalTarget("local", a, analyzer.NewRuleScorer(), mon))
	v1 := f.artifact(t, "v1.0.0")

	rec := f.deploy(t, v1, "local", datatypes.StrategyCanary)
	require.Equal(t, datatypes.OutcomeSuccess, rec.Outcome, rec.Error)

	// At least the immediate gate plus one ticked gate, then the full push.
	require.GreaterOrEqual(t, len(rec.HealthChecks), 3)
	assert.Equal(t, "percent:10", rec.HealthChecks[0].Step)
	assert.Equal(t, "percent:100", rec.HealthChecks[len(rec.HealthChecks)-1].Step)
	assert.Equal(t, v1.Ref(), a.Scorer().Version())
}

func TestDeploy_RollingRollsBackPushedInstances(t *testing.T) {
	f := newFixture(t, nil)
	target := &fakeTarget{id: "t1", health: func(s Step) HealthStatus {
		if s.Kind == StepInstance && s.Instance == 1 {
			return failing(s)
		}
		return healthy(s)
	}}
	f.orch.AddTarget(target)

	rec := f.deploy(t, f.artifact(t, "v1.0.0"), "t1", datatypes.StrategyRolling)

	assert.Equal(t, datatypes.OutcomeRolledBack, rec.Outcome)
	assert.Equal(t, []string{"instance:1/3", "instance:2/3"}, target.steps())
	require.Len(t, rec.HealthChecks, 2)
	assert.True(t, rec.HealthChecks[0].Healthy)
	assert.False(t, rec.HealthChecks[1].Healthy)
	assert.Contains(t, rec.Error, "instance:2/3")
	assert.Equal(t, []string{"remote-" + rec.ID}, target.rollbacks)
}

func TestDeploy_BlueGreenSwitchesAndSwitchesBack(t *testing.T) {
	f := newFixture(t, nil)
	target := &fakeTarget{id: "t1"}
	f.orch.AddTarget(target)

	first := f.deploy(t, f.artifact(t, "v1.0.0"), "t1", datatypes.StrategyBlueGreen)
	require.Equal(t, datatypes.OutcomeSuccess, first.Outcome)
	assert.Equal(t, []string{"env:green", "switch:green"}, target.steps())

	target.health = func(s Step) HealthStatus {
		if s.Kind == StepSwitch {
			return failing(s)
		}
		return healthy(s)
	}
	second := f.deploy(t, f.artifact(t, "v1.1.0"), "t1", datatypes.StrategyBlueGreen)

	assert.Equal(t, datatypes.OutcomeRolledBack, second.Outcome)
	assert.Equal(t, []string{
		"env:green", "switch:green",
		"env:blue", "switch:blue", "switch:green",
	}, target.steps())
	active, _ := f.orch.Active("t1")
	assert.Equal(t, "v1.0.0", active.Version)

	// The target is still on green, so the next rollout prepares blue.
	target.health = nil
	third := f.deploy(t, f.artifact(t, "v1.2.0"), "t1", datatypes.StrategyBlueGreen)
	require.Equal(t, datatypes.OutcomeSuccess, third.Outcome)
	assert.Equal(t, []string{"env:blue", "switch:blue"}, target.steps()[5:])
}

func TestDeploy_InfrastructureErrorsRetryThenFail(t *testing.T) {
	f := newFixture(t, nil)
	down := &fakeTarget{id: "down", pushErr: func(int, Step) error {
		return &datatypes.DeploymentInfrastructureError{TargetID: "down", Err: errors.New("connection refused")}
	}}
	f.orch.AddTarget(down)

	ch, unsubscribe := f.bus.SubscribeChan(8)
	defer unsubscribe()

	rec := f.deploy(t, f.artifact(t, "v1.0.0"), "down", datatypes.StrategyImmediate)

	assert.Equal(t, datatypes.StateRolledBack, rec.State)
	assert.Equal(t, datatypes.OutcomeFailed, rec.Outcome)
	assert.Equal(t, 3, down.attempts)
	assert.Contains(t, rec.Error, "attempt 3")
	assert.Equal(t, 1, down.rollbackCount(), "rollback is attempted")

	select {
	case e := <-ch:
		assert.Equal(t, events.SeverityCritical, e.Severity)
		assert.Equal(t, "deploy_failed", e.Type)
	case <-time.After(time.Second):
		t.Fatal("no critical event")
	}
}

func TestDeploy_TransientInfrastructureErrorRecovers(t *testing.T) {
	f := newFixture(t, nil)
	flaky := &fakeTarget{id: "flaky", pushErr: func(attempt int, _ Step) error {
		if attempt < 3 {
			return &datatypes.DeploymentInfrastructureError{TargetID: "flaky", Err: errors.New("timeout")}
		}
		return nil
	}}
	f.orch.AddTarget(flaky)

	rec := f.deploy(t, f.artifact(t, "v1.0.0"), "flaky", datatypes.StrategyImmediate)
	assert.Equal(t, datatypes.OutcomeSuccess, rec.Outcome)
	assert.Equal(t, 3, flaky.attempts)
}

func TestDeploy_ApplicationErrorIsNotRetried(t *testing.T) {
	f := newFixture(t, nil)
	target := &fakeTarget{id: "t1", pushErr: func(int, Step) error { return errors.New("artifact rejected") }}
	f.orch.AddTarget(target)

	rec := f.deploy(t, f.artifact(t, "v1.0.0"), "t1", datatypes.StrategyImmediate)
	assert.Equal(t, datatypes.OutcomeFailed, rec.Outcome)
	assert.Equal(t, 1, target.attempts)
	assert.Zero(t, target.rollbackCount(), "nothing was pushed")
}

func TestCancel_RunsRollbackPath(t *testing.T) {
	f := newFixture(t, nil)
	target := &fakeTarget{id: "t1"}
	f.orch.AddTarget(target)

	ctx := context.Background()
	id, err := f.orch.Deploy(ctx, f.artifact(t, "v1.0.0"), "t1", datatypes.StrategyCanary, Config{
		SoakDuration:        time.Minute,
		HealthCheckInterval: 5 * time.Millisecond,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, err := f.orch.Get(ctx, id)
		return err == nil && len(rec.HealthChecks) >= 2
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, f.orch.Cancel(id))
	rec, err := f.orch.Wait(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, datatypes.StateRolledBack, rec.State)
	assert.Equal(t, datatypes.OutcomeRolledBack, rec.Outcome)
	assert.Equal(t, 1, target.rollbackCount())
	_, ok := f.orch.Active("t1")
	assert.False(t, ok)

	assert.ErrorIs(t, f.orch.Cancel(id), ErrIllegalTransition)
	assert.ErrorIs(t, f.orch.Cancel("nope"), ErrUnknownDeployment)
}

func TestDeploy_TargetsAreIsolated(t *testing.T) {
	f := newFixture(t, nil)
	a := &fakeTarget{id: "a"}
	b := &fakeTarget{id: "b"}
	f.orch.AddTarget(a)
	f.orch.AddTarget(b)

	v1, v2 := f.artifact(t, "v1.0.0"), f.artifact(t, "v1.1.0")
	f.deploy(t, v1, "a", datatypes.StrategyImmediate)
	f.deploy(t, v1, "b", datatypes.StrategyImmediate)

	b.health = failing
	rec := f.deploy(t, v2, "b", datatypes.StrategyImmediate)
	require.Equal(t, datatypes.OutcomeRolledBack, rec.Outcome)
	assert.Zero(t, a.rollbackCount())

	rec = f.deploy(t, v2, "a", datatypes.StrategyImmediate)
	require.Equal(t, datatypes.OutcomeSuccess, rec.Outcome)

	activeA, _ := f.orch.Active("a")
	activeB, _ := f.orch.Active("b")
	assert.Equal(t, "v1.1.0", activeA.Version)
	assert.Equal(t, "v1.0.0", activeB.Version)
	assert.Equal(t, datatypes.ArtifactDeployed, f.status(t, v1), "still active on b")
}

func TestDeploy_Validation(t *testing.T) {
	f := newFixture(t, nil)
	f.orch.AddTarget(&fakeTarget{id: "t1"})
	ctx := context.Background()
	a := f.artifact(t, "v1.0.0")

	_, err := f.orch.Deploy(ctx, a, "t1", "big_bang", Config{})
	assert.ErrorIs(t, err, ErrInvalidStrategy)

	_, err = f.orch.Deploy(ctx, a, "missing", datatypes.StrategyImmediate, Config{})
	assert.ErrorIs(t, err, ErrUnknownTarget)

	_, err = f.orch.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrUnknownDeployment)
}

func TestRestore_ReloadsActiveAndClosesInterrupted(t *testing.T) {
	f := newFixture(t, nil)
	f.orch.AddTarget(&fakeTarget{id: "t1"})
	v1 := f.artifact(t, "v1.0.0")
	promoted := f.deploy(t, v1, "t1", datatypes.StrategyImmediate)

	ctx := context.Background()
	interrupted := datatypes.DeploymentRecord{
		ID:              "crashed",
		ArtifactName:    "acceptance",
		ArtifactVersion: "v1.1.0",
		TargetID:        "t1",
		Strategy:        datatypes.StrategyRolling,
		State:           datatypes.StateInProgress,
	}
	require.NoError(t, f.orch.save(ctx, interrupted))

	restarted := New(f.db, f.reg, newQueue(t), nil)
	restarted.AddTarget(&fakeTarget{id: "t1"})
	require.NoError(t, restarted.Restore(ctx))

	active, ok := restarted.Active("t1")
	require.True(t, ok)
	assert.Equal(t, "v1.0.0", active.Version)

	rec, err := restarted.Get(ctx, "crashed")
	require.NoError(t, err)
	assert.Equal(t, datatypes.StateRolledBack, rec.State)
	assert.Equal(t, datatypes.OutcomeFailed, rec.Outcome)

	rec, err = restarted.Get(ctx, promoted.ID)
	require.NoError(t, err)
	assert.Equal(t, datatypes.StatePromoted, rec.State)
}

func TestTransitions(t *testing.T) {
	legal := [][2]datatypes.DeploymentState{
		{datatypes.StatePending, datatypes.StateInProgress},
		{datatypes.StateInProgress, datatypes.StateHealthChecking},
		{datatypes.StateHealthChecking, datatypes.StateInProgress},
		{datatypes.StateHealthChecking, datatypes.StatePromoted},
		{datatypes.StateHealthChecking, datatypes.StateRolledBack},
		{datatypes.StatePromoted, datatypes.StateRetired},
	}
	for _, e := range legal {
		assert.True(t, CanTransition(e[0], e[1]), "%s -> %s", e[0], e[1])
	}

	illegal := [][2]datatypes.DeploymentState{
		{datatypes.StatePending, datatypes.StatePromoted},
		{datatypes.StateInProgress, datatypes.StatePromoted},
		{datatypes.StateRolledBack, datatypes.StateInProgress},
		{datatypes.StatePromoted, datatypes.StateRolledBack},
		{datatypes.StateRetired, datatypes.StatePromoted},
	}
	for _, e := range illegal {
		err := checkTransition(e[0], e[1])
		assert.ErrorIs(t, err, ErrIllegalTransition, "%s -> %s", e[0], e[1])
	}
}
