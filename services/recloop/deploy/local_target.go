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
	"fmt"
	"sync"

	"github.com/AleutianAI/AleutianMLOps/services/recloop/analyzer"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/monitor"
)

// DefaultLocalTargetID names the in-process target.
const DefaultLocalTargetID = "local"

// SnapshotSource returns monitor telemetry for (artifact ref, target).
type SnapshotSource interface {
	Snapshot(artifact, target string) monitor.Snapshot
}

type localRollout struct {
	artifactRef string
	previous    analyzer.Scorer
	pushed      bool
}

// LocalTarget deploys to the in-process analyzer by swapping its scorer.
//
// Percent and instance steps install a SplitScorer that sends the given
// share of units to the new artifact. A blue-green env step only prepares
// the idle scorer; the switch step installs it. Rollback restores the
// scorer that was active when the deployment began.
//
// Thread Safety: Safe for concurrent use.
type LocalTarget struct {
	id        string
	analyzer  *analyzer.Analyzer
	base      analyzer.Scorer
	snapshots SnapshotSource

	mu       sync.Mutex
	rollouts map[string]*localRollout
	envs     map[Color]analyzer.Scorer
}

// NewLocalTarget creates a target over a. base is the scorer learned
// artifacts fall back to, usually the RuleScorer.
func NewLocalTarget(id string, a *analyzer.Analyzer, base analyzer.Scorer, snapshots SnapshotSource) *LocalTarget {
	if id == "" {
		id = DefaultLocalTargetID
	}
	return &LocalTarget{
		id:        id,
		analyzer:  a,
		base:      base,
		snapshots: snapshots,
		rollouts:  make(map[string]*localRollout),
		envs:      make(map[Color]analyzer.Scorer),
	}
}

// ID implements Target.
func (l *LocalTarget) ID() string { return l.id }

// Deploy implements Target.
func (l *LocalTarget) Deploy(_ context.Context, req PushRequest) (string, error) {
	if req.DeploymentID == "" {
		return "", fmt.Errorf("local target: deployment id is required")
	}
	if len(req.Artifact.Parameters) == 0 {
		return "", fmt.Errorf("local target: artifact %s has no parameters", req.Artifact.Ref())
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	r, ok := l.rollouts[req.DeploymentID]
	if !ok {
		r = &localRollout{artifactRef: req.Artifact.Ref(), previous: stableOf(l.analyzer.Scorer())}
		l.rollouts[req.DeploymentID] = r
	}
	learned := analyzer.NewLearnedScorer(l.base, req.Artifact)

	switch req.Step.Kind {
	case StepPercent:
		l.install(r, learned, req.Step.Percent)
	case StepInstance:
		n := req.Step.Instances
		if n <= 0 {
			n = 1
		}
		l.install(r, learned, (req.Step.Instance+1)*100/n)
	case StepEnv:
		if _, ok := l.envs[req.Step.Env.Other()]; !ok {
			l.envs[req.Step.Env.Other()] = r.previous
		}
		l.envs[req.Step.Env] = learned
	case StepSwitch:
		s, ok := l.envs[req.Step.Env]
		if !ok {
			return "", fmt.Errorf("local target: switch to %s before env was prepared", req.Step.Env)
		}
		l.analyzer.SetScorer(s)
		r.pushed = true
	default:
		return "", fmt.Errorf("local target: unknown step %q", req.Step.Kind)
	}
	return req.DeploymentID, nil
}

func (l *LocalTarget) install(r *localRollout, learned analyzer.Scorer, percent int) {
	if percent >= 100 {
		l.analyzer.SetScorer(learned)
	} else {
		l.analyzer.SetScorer(analyzer.NewSplitScorer(r.previous, learned, percent))
	}
	r.pushed = true
}

// stableOf unwraps an in-flight split so a new rollout never nests one.
func stableOf(s analyzer.Scorer) analyzer.Scorer {
	if split, ok := s.(*analyzer.SplitScorer); ok {
		return split.Stable()
	}
	return s
}

// HealthCheck implements Target. Telemetry comes from the monitor.
func (l *LocalTarget) HealthCheck(_ context.Context, deploymentID string) (HealthStatus, error) {
	l.mu.Lock()
	r, ok := l.rollouts[deploymentID]
	l.mu.Unlock()
	if !ok {
		return HealthStatus{}, fmt.Errorf("%w: %s", ErrUnknownDeployment, deploymentID)
	}
	st := HealthStatus{Ready: true}
	if l.snapshots == nil {
		return st, nil
	}
	snap := l.snapshots.Snapshot(r.artifactRef, l.id)
	st.Requests = snap.Requests
	st.ErrorRate = snap.ErrorRate
	st.LatencyP95 = snap.P95
	st.AcceptanceRate = snap.AcceptanceRate
	st.AcceptanceSamples = snap.AcceptanceSamples
	return st, nil
}

// Rollback implements Target.
func (l *LocalTarget) Rollback(_ context.Context, deploymentID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.rollouts[deploymentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDeployment, deploymentID)
	}
	if r.pushed {
		l.analyzer.SetScorer(r.previous)
	}
	delete(l.rollouts, deploymentID)
	return nil
}

// Release forgets a finished deployment.
func (l *LocalTarget) Release(deploymentID string) {
	l.mu.Lock()
	delete(l.rollouts, deploymentID)
	l.mu.Unlock()
}
