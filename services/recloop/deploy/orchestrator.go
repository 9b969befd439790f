// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package deploy rolls trained artifacts out to serving targets.
//
// # Description
//
// The Orchestrator drives one DeploymentRecord per attempt through the
// state machine in state.go. Work runs on the workqueue keyed by target,
// so rollouts to one target never overlap while different targets proceed
// independently. Every transition is appended to the store, and a failed
// health gate, an exhausted push retry or a cancellation all run the
// rollback path, leaving the previous artifact active.
package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianMLOps/services/recloop/datatypes"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/events"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/monitor"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/registry"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/store"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/telemetry"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/workqueue"
)

var tracer = otel.Tracer("aleutian.mlops.deploy")

const recordPrefix = "dep/"

// =============================================================================
// Configuration
// =============================================================================

// Config tunes one rollout. Zero fields take the orchestrator's defaults.
type Config struct {
	// Instances replaced one by one in a rolling rollout. Default: 3
	Instances int `yaml:"instances" json:"instances,omitempty" validate:"gte=0"`

	// CanaryPercent of traffic during the canary soak. Default: 10
	CanaryPercent int `yaml:"canary_percent" json:"canary_percent,omitempty" validate:"gte=0,lte=100"`

	// SoakDuration of the canary phase. Default: 5m
	SoakDuration time.Duration `yaml:"soak_duration" json:"soak_duration,omitempty"`

	// HealthCheckInterval between gates while soaking. Default: 30s
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval,omitempty"`

	// RetainDuration keeps the old blue-green color after a switch. Default: 10m
	RetainDuration time.Duration `yaml:"retain_duration" json:"retain_duration,omitempty"`

	// MaxTries per push before an infrastructure error escalates. Default: 4
	MaxTries int `yaml:"max_tries" json:"max_tries,omitempty" validate:"gte=0"`

	// InitialBackoff and MaxBackoff bound the retry schedule.
	// Defaults: 500ms and 10s
	InitialBackoff time.Duration `yaml:"initial_backoff" json:"initial_backoff,omitempty"`
	MaxBackoff     time.Duration `yaml:"max_backoff" json:"max_backoff,omitempty"`

	// RollbackTimeout bounds the rollback path, which runs detached from
	// the rollout context. Default: 30s
	RollbackTimeout time.Duration `yaml:"rollback_timeout" json:"rollback_timeout,omitempty"`

	// Gate bounds. A zero gate takes the defaults.
	Gate HealthGate `yaml:"gate" json:"gate"`
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		Instances:           3,
		CanaryPercent:       10,
		SoakDuration:        5 * time.Minute,
		HealthCheckInterval: 30 * time.Second,
		RetainDuration:      10 * time.Minute,
		MaxTries:            4,
		InitialBackoff:      500 * time.Millisecond,
		MaxBackoff:          10 * time.Second,
		RollbackTimeout:     30 * time.Second,
		Gate:                DefaultHealthGate(),
	}
}

// merge fills c's zero fields from def.
func (c Config) merge(def Config) Config {
	if c.Instances <= 0 {
		c.Instances = def.Instances
	}
	if c.CanaryPercent <= 0 {
		c.CanaryPercent = def.CanaryPercent
	}
	if c.SoakDuration <= 0 {
		c.SoakDuration = def.SoakDuration
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = def.HealthCheckInterval
	}
	if c.RetainDuration <= 0 {
		c.RetainDuration = def.RetainDuration
	}
	if c.MaxTries <= 0 {
		c.MaxTries = def.MaxTries
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = def.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.RollbackTimeout <= 0 {
		c.RollbackTimeout = def.RollbackTimeout
	}
	if c.Gate == (HealthGate{}) {
		c.Gate = def.Gate
	}
	return c
}

// =============================================================================
// Orchestrator
// =============================================================================

// PromotionHook runs after an artifact is promoted on a target.
type PromotionHook func(ctx context.Context, artifact datatypes.ModelArtifact, targetID string)

// releaser is implemented by targets that keep per-deployment state.
type releaser interface {
	Release(deploymentID string)
}

type targetState struct {
	target Target
	active atomic.Pointer[datatypes.ModelArtifact]

	// Written only by the target's serialized rollout job.
	color      Color
	promotedID string
}

type rollout struct {
	cancel context.CancelFunc
	handle *workqueue.Handle
}

// Orchestrator deploys artifacts to registered targets.
//
// Thread Safety: Safe for concurrent use.
type Orchestrator struct {
	db        *store.DB
	reg       *registry.Registry
	queue     *workqueue.Queue
	snapshots SnapshotSource
	cfg       Config
	bus       events.Publisher
	logger    *slog.Logger
	now       func() time.Time
	hooks     []PromotionHook

	mu       sync.Mutex
	targets  map[string]*targetState
	rollouts map[string]*rollout
	records  map[string]datatypes.DeploymentRecord
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConfig sets the default rollout config.
func WithConfig(c Config) Option {
	return func(o *Orchestrator) { o.cfg = c.merge(DefaultConfig()) }
}

// WithPublisher sets the event publisher.
func WithPublisher(p events.Publisher) Option { return func(o *Orchestrator) { o.bus = p } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(o *Orchestrator) { o.logger = l } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// WithPromotionHook adds a hook run after every promotion.
func WithPromotionHook(h PromotionHook) Option {
	return func(o *Orchestrator) { o.hooks = append(o.hooks, h) }
}

// New creates an orchestrator.
//
// Inputs:
//
//	db - Deployment record log.
//	reg - Artifact registry. May be nil, in which case statuses are not
//	      recorded and Restore cannot reload active artifacts.
//	queue - Background work queue.
//	snapshots - Monitor telemetry for the health gate. May be nil.
func New(db *store.DB, reg *registry.Registry, queue *workqueue.Queue, snapshots SnapshotSource, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		db:        db,
		reg:       reg,
		queue:     queue,
		snapshots: snapshots,
		cfg:       DefaultConfig(),
		bus:       events.Discard{},
		logger:    slog.Default(),
		now:       time.Now,
		targets:   make(map[string]*targetState),
		rollouts:  make(map[string]*rollout),
		records:   make(map[string]datatypes.DeploymentRecord),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// AddTarget registers t, replacing any target with the same ID.
func (o *Orchestrator) AddTarget(t Target) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.targets[t.ID()] = &targetState{target: t, color: ColorBlue}
}

// Targets returns the registered target IDs.
func (o *Orchestrator) Targets() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, 0, len(o.targets))
	for id := range o.targets {
		out = append(out, id)
	}
	return out
}

// Config returns the default rollout config.
func (o *Orchestrator) Config() Config {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg
}

// SetGate replaces the default health gate for rollouts started later.
func (o *Orchestrator) SetGate(g HealthGate) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cfg.Gate = g
}

// Active returns the promoted artifact of a target.
func (o *Orchestrator) Active(targetID string) (datatypes.ModelArtifact, bool) {
	ts, err := o.target(targetID)
	if err != nil {
		return datatypes.ModelArtifact{}, false
	}
	a := ts.active.Load()
	if a == nil {
		return datatypes.ModelArtifact{}, false
	}
	return a.WithStatus(a.Status), true
}

func (o *Orchestrator) target(id string) (*targetState, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ts, ok := o.targets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, id)
	}
	return ts, nil
}

// Deploy starts a rollout and returns its ID without waiting.
//
// Description:
//
//	Creates a Pending record and enqueues the rollout keyed by target.
//	The rollout context is detached from ctx; use Cancel to stop it.
//
// Inputs:
//
//	ctx - Context for the initial record write.
//	artifact - The artifact to roll out. Must carry parameters.
//	targetID - A registered target.
//	strategy - Rollout strategy.
//	cfg - Per-rollout overrides. Zero fields take the defaults.
//
// Outputs:
//
//	string - The deployment ID.
//	error - ErrInvalidStrategy, ErrUnknownTarget, or a store/queue error.
func (o *Orchestrator) Deploy(ctx context.Context, artifact datatypes.ModelArtifact, targetID string, strategy datatypes.Strategy, cfg Config) (string, error) {
	if !strategy.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidStrategy, strategy)
	}
	if artifact.Name == "" || artifact.Version == "" {
		return "", fmt.Errorf("deploy: artifact name and version are required")
	}
	ts, err := o.target(targetID)
	if err != nil {
		return "", err
	}
	cfg = cfg.merge(o.Config())

	rec := datatypes.DeploymentRecord{
		ID:              uuid.NewString(),
		ArtifactName:    artifact.Name,
		ArtifactVersion: artifact.Version,
		TargetID:        targetID,
		Strategy:        strategy,
		State:           datatypes.StatePending,
		StartedAt:       o.now(),
	}
	if err := o.save(ctx, rec); err != nil {
		return "", err
	}

	rctx, cancel := context.WithCancel(context.Background())
	art := artifact.WithStatus(artifact.Status)

	o.mu.Lock()
	defer o.mu.Unlock()
	h, err := o.queue.Submit(workqueue.Job{
		ID:  "deploy/" + rec.ID,
		Key: "deploy/" + targetID,
		Run: func(qctx context.Context) error {
			stop := context.AfterFunc(qctx, cancel)
			defer stop()
			return o.run(rctx, rec, ts, art, cfg)
		},
	})
	if err != nil {
		cancel()
		rec.State, rec.Outcome, rec.EndedAt, rec.Error = datatypes.StateRolledBack, datatypes.OutcomeFailed, o.now(), err.Error()
		o.saveLocked(context.Background(), rec)
		return "", fmt.Errorf("enqueue deployment %s: %w", rec.ID, err)
	}
	o.rollouts[rec.ID] = &rollout{cancel: cancel, handle: h}

	o.logger.Info("deployment queued",
		slog.String("deployment_id", rec.ID),
		slog.String("artifact_version", artifact.Ref()),
		slog.String("target_id", targetID),
		slog.String("strategy", string(strategy)),
	)
	return rec.ID, nil
}

// Wait blocks until the rollout finishes or ctx is done, then returns the
// latest record.
func (o *Orchestrator) Wait(ctx context.Context, id string) (datatypes.DeploymentRecord, error) {
	o.mu.Lock()
	r, ok := o.rollouts[id]
	o.mu.Unlock()
	if ok {
		if _, err := r.handle.Wait(ctx); err != nil {
			return datatypes.DeploymentRecord{}, err
		}
	}
	return o.Get(ctx, id)
}

// Cancel stops a queued or running rollout. The rollback path runs and
// the outcome is rolled-back.
func (o *Orchestrator) Cancel(id string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if r, ok := o.rollouts[id]; ok {
		r.cancel()
		o.logger.Info("deployment cancel requested", slog.String("deployment_id", id))
		return nil
	}
	if rec, ok := o.records[id]; ok {
		return fmt.Errorf("%w: deployment %s is already %s", ErrIllegalTransition, id, rec.State)
	}
	return fmt.Errorf("%w: %s", ErrUnknownDeployment, id)
}

// Get returns the latest record of a deployment.
func (o *Orchestrator) Get(ctx context.Context, id string) (datatypes.DeploymentRecord, error) {
	o.mu.Lock()
	rec, ok := o.records[id]
	o.mu.Unlock()
	if ok {
		return rec.Clone(), nil
	}

	var latest []byte
	err := o.db.Scan(ctx, recordPrefix+id+"/", func(_ string, val []byte) error {
		latest = val
		return nil
	})
	if err != nil {
		return datatypes.DeploymentRecord{}, err
	}
	if latest == nil {
		return datatypes.DeploymentRecord{}, fmt.Errorf("%w: %s", ErrUnknownDeployment, id)
	}
	if err := json.Unmarshal(latest, &rec); err != nil {
		return datatypes.DeploymentRecord{}, fmt.Errorf("decode deployment %s: %w", id, err)
	}
	return rec, nil
}

// History returns every persisted version of a deployment record, oldest
// first.
func (o *Orchestrator) History(ctx context.Context, id string) ([]datatypes.DeploymentRecord, error) {
	var out []datatypes.DeploymentRecord
	err := o.db.Scan(ctx, recordPrefix+id+"/", func(_ string, val []byte) error {
		var rec datatypes.DeploymentRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, err
}

// Restore reloads records after a restart.
//
// Description:
//
//	Rollouts interrupted mid-flight are closed as rolled back with outcome
//	failed. The latest promoted record per registered target becomes its
//	active artifact again, loaded from the registry.
func (o *Orchestrator) Restore(ctx context.Context) error {
	latest := make(map[string]datatypes.DeploymentRecord)
	var order []string
	err := o.db.Scan(ctx, recordPrefix, func(_ string, val []byte) error {
		var rec datatypes.DeploymentRecord
		if err := json.Unmarshal(val, &rec); err != nil {
			return err
		}
		if _, seen := latest[rec.ID]; !seen {
			order = append(order, rec.ID)
		}
		latest[rec.ID] = rec
		return nil
	})
	if err != nil {
		return fmt.Errorf("restore deployments: %w", err)
	}

	promoted := make(map[string]datatypes.DeploymentRecord)
	for _, id := range order {
		rec := latest[id]
		if !rec.State.Terminal() {
			rec.State, rec.Outcome, rec.EndedAt = datatypes.StateRolledBack, datatypes.OutcomeFailed, o.now()
			rec.Error = "interrupted by restart"
			if err := o.save(ctx, rec); err != nil {
				return err
			}
			o.logger.Warn("interrupted deployment closed",
				slog.String("deployment_id", rec.ID),
				slog.String("target_id", rec.TargetID),
			)
		}
		o.mu.Lock()
		o.records[rec.ID] = rec
		o.mu.Unlock()
		if rec.State == datatypes.StatePromoted {
			if cur, ok := promoted[rec.TargetID]; !ok || rec.EndedAt.After(cur.EndedAt) {
				promoted[rec.TargetID] = rec
			}
		}
	}

	for targetID, rec := range promoted {
		ts, err := o.target(targetID)
		if err != nil || o.reg == nil {
			continue
		}
		a, err := o.reg.Get(ctx, rec.ArtifactName, rec.ArtifactVersion)
		if err != nil {
			o.logger.Warn("promoted artifact not reloaded",
				slog.String("target_id", targetID),
				slog.String("artifact_version", rec.ArtifactName+"@"+rec.ArtifactVersion),
				slog.String("error", err.Error()),
			)
			continue
		}
		ts.active.Store(&a)
		ts.promotedID = rec.ID
	}
	return nil
}

// =============================================================================
// Records
// =============================================================================

func (o *Orchestrator) save(ctx context.Context, rec datatypes.DeploymentRecord) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.saveLocked(ctx, rec)
}

func (o *Orchestrator) saveLocked(ctx context.Context, rec datatypes.DeploymentRecord) error {
	o.records[rec.ID] = rec.Clone()
	seq, err := o.db.NextSeq("dep")
	if err != nil {
		return err
	}
	if err := o.db.PutJSON(ctx, store.SeqKey(recordPrefix+rec.ID+"/", seq), rec); err != nil {
		return fmt.Errorf("persist deployment %s: %w", rec.ID, err)
	}
	return nil
}

// transition moves rec to state `to` and persists it.
func (o *Orchestrator) transition(ctx context.Context, rec *datatypes.DeploymentRecord, to datatypes.DeploymentState) error {
	if err := checkTransition(rec.State, to); err != nil {
		return err
	}
	rec.State = to
	return o.save(ctx, *rec)
}

func (o *Orchestrator) forget(id string) {
	o.mu.Lock()
	delete(o.rollouts, id)
	o.mu.Unlock()
}

// =============================================================================
// Rollout
// =============================================================================

// execution is the mutable state of one running rollout.
type execution struct {
	o     *Orchestrator
	ts    *targetState
	rec   *datatypes.DeploymentRecord
	art   datatypes.ModelArtifact
	cfg   Config
	span  trace.Span
	depID string

	// pushed lists the steps the target accepted, in order.
	pushed   []Step
	switched bool
	from     Color
}

func (o *Orchestrator) run(ctx context.Context, rec datatypes.DeploymentRecord, ts *targetState, art datatypes.ModelArtifact, cfg Config) error {
	defer o.forget(rec.ID)

	ctx, span := tracer.Start(ctx, "deploy.Rollout",
		trace.WithAttributes(
			attribute.String("deployment.id", rec.ID),
			attribute.String("artifact.version", art.Ref()),
			attribute.String("target.id", rec.TargetID),
			attribute.String("strategy", string(rec.Strategy)),
		),
	)
	defer span.End()

	if prev := ts.active.Load(); prev != nil {
		rec.PreviousVersion = prev.Version
	}
	ex := &execution{o: o, ts: ts, rec: &rec, art: art, cfg: cfg, span: span, depID: rec.ID, from: ts.color}

	err := ctx.Err()
	if err == nil {
		err = ex.execute(ctx)
	}
	if err == nil {
		err = o.promote(ctx, ex)
	}
	if err != nil {
		telemetry.RecordError(span, err)
		return o.abort(ex, err)
	}
	return nil
}

func (ex *execution) execute(ctx context.Context) error {
	switch ex.rec.Strategy {
	case datatypes.StrategyImmediate:
		return ex.stepAndGate(ctx, Step{Kind: StepPercent, Percent: 100})

	case datatypes.StrategyRolling:
		n := ex.cfg.Instances
		for i := 0; i < n; i++ {
			if err := ex.stepAndGate(ctx, Step{Kind: StepInstance, Instance: i, Instances: n}); err != nil {
				return err
			}
		}
		return nil

	case datatypes.StrategyCanary:
		canary := Step{Kind: StepPercent, Percent: ex.cfg.CanaryPercent}
		if err := ex.step(ctx, canary); err != nil {
			return err
		}
		if err := ex.soak(ctx, canary); err != nil {
			return err
		}
		return ex.stepAndGate(ctx, Step{Kind: StepPercent, Percent: 100})

	case datatypes.StrategyBlueGreen:
		idle := ex.from.Other()
		if err := ex.stepAndGate(ctx, Step{Kind: StepEnv, Env: idle}); err != nil {
			return err
		}
		if err := ex.step(ctx, Step{Kind: StepSwitch, Env: idle}); err != nil {
			return err
		}
		ex.switched = true
		return ex.gate(ctx, Step{Kind: StepSwitch, Env: idle})
	}
	return fmt.Errorf("%w: %q", ErrInvalidStrategy, ex.rec.Strategy)
}

func (ex *execution) stepAndGate(ctx context.Context, s Step) error {
	if err := ex.step(ctx, s); err != nil {
		return err
	}
	return ex.gate(ctx, s)
}

// step pushes s with retries and leaves the record in HealthChecking.
func (ex *execution) step(ctx context.Context, s Step) error {
	if err := ex.o.transition(ctx, ex.rec, datatypes.StateInProgress); err != nil {
		return err
	}
	id, err := ex.push(ctx, PushRequest{
		DeploymentID: ex.rec.ID,
		Artifact:     ex.art,
		Strategy:     ex.rec.Strategy,
		Step:         s,
	})
	if err != nil {
		return err
	}
	if id != "" {
		ex.depID = id
	}
	ex.pushed = append(ex.pushed, s)
	ex.span.AddEvent("step pushed", trace.WithAttributes(attribute.String("step", s.String())))
	return ex.o.transition(ctx, ex.rec, datatypes.StateHealthChecking)
}

func (ex *execution) push(ctx context.Context, req PushRequest) (string, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = ex.cfg.InitialBackoff
	b.MaxInterval = ex.cfg.MaxBackoff

	attempt := 0
	return backoff.Retry(ctx, func() (string, error) {
		attempt++
		id, err := ex.ts.target.Deploy(ctx, req)
		if err == nil {
			return id, nil
		}
		var infra *datatypes.DeploymentInfrastructureError
		if errors.As(err, &infra) {
			infra.Attempt = attempt
			return "", err
		}
		return "", backoff.Permanent(err)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(ex.cfg.MaxTries)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			ex.o.logger.Warn("deployment push failed, retrying",
				slog.String("deployment_id", ex.rec.ID),
				slog.String("target_id", ex.rec.TargetID),
				slog.String("step", req.Step.String()),
				slog.Duration("wait", wait),
				slog.String("error", err.Error()),
			)
		}),
	)
}

// gate evaluates the health gate once and records the result.
func (ex *execution) gate(ctx context.Context, s Step) error {
	st, err := ex.ts.target.HealthCheck(ctx, ex.depID)
	if err != nil {
		return fmt.Errorf("health check at %s: %w", s, err)
	}
	var snap monitor.Snapshot
	if ex.o.snapshots != nil {
		snap = ex.o.snapshots.Snapshot(ex.art.Ref(), ex.rec.TargetID)
	}
	res := ex.cfg.Gate.Evaluate(s.String(), st, snap, ex.o.now())
	ex.rec.HealthChecks = append(ex.rec.HealthChecks, res)
	if err := ex.o.save(ctx, *ex.rec); err != nil {
		return err
	}
	if !res.Healthy {
		return &datatypes.DeploymentHealthFailure{
			DeploymentID: ex.rec.ID,
			TargetID:     ex.rec.TargetID,
			Step:         res.Step,
			Breaches:     res.Breaches,
		}
	}
	return nil
}

// soak gates s every HealthCheckInterval until SoakDuration has elapsed.
// The first gate runs immediately after the push.
func (ex *execution) soak(ctx context.Context, s Step) error {
	deadline := time.Now().Add(ex.cfg.SoakDuration)
	ticker := time.NewTicker(ex.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		if err := ex.gate(ctx, s); err != nil {
			return err
		}
		if !time.Now().Before(deadline) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// =============================================================================
// Outcomes
// =============================================================================

func (o *Orchestrator) promote(ctx context.Context, ex *execution) error {
	rec := ex.rec
	rec.Outcome, rec.EndedAt = datatypes.OutcomeSuccess, o.now()
	if err := o.transition(ctx, rec, datatypes.StatePromoted); err != nil {
		return err
	}

	art := ex.art.WithStatus(datatypes.ArtifactDeployed)
	prev := ex.ts.active.Swap(&art)
	if ex.switched {
		ex.ts.color = ex.from.Other()
		o.logger.Info("previous environment retained",
			slog.String("target_id", rec.TargetID),
			slog.String("color", string(ex.from)),
			slog.Time("retain_until", o.now().Add(ex.cfg.RetainDuration)),
		)
	}

	o.retirePrevious(ctx, ex.ts, rec.ID)
	o.recordStatuses(ctx, art, prev, rec.TargetID)
	if r, ok := ex.ts.target.(releaser); ok {
		r.Release(ex.depID)
	}
	for _, h := range o.hooks {
		h(ctx, art, rec.TargetID)
	}

	o.logger.Info("deployment promoted",
		slog.String("deployment_id", rec.ID),
		slog.String("artifact_version", art.Ref()),
		slog.String("target_id", rec.TargetID),
	)
	o.bus.Publish(events.Event{
		Severity:  events.SeverityInfo,
		Component: "deploy",
		Type:      "deploy_promoted",
		Message:   fmt.Sprintf("%s promoted on %s", art.Ref(), rec.TargetID),
		Labels:    o.labels(*rec),
	})
	return nil
}

// retirePrevious moves the target's earlier promoted record to Retired.
func (o *Orchestrator) retirePrevious(ctx context.Context, ts *targetState, newID string) {
	oldID := ts.promotedID
	ts.promotedID = newID
	if oldID == "" {
		return
	}
	old, err := o.Get(ctx, oldID)
	if err == nil {
		old.EndedAt = o.now()
		err = o.transition(ctx, &old, datatypes.StateRetired)
	}
	if err != nil {
		o.logger.Warn("superseded deployment not retired",
			slog.String("deployment_id", oldID),
			slog.String("error", err.Error()),
		)
	}
}

func (o *Orchestrator) recordStatuses(ctx context.Context, art datatypes.ModelArtifact, prev *datatypes.ModelArtifact, targetID string) {
	if o.reg == nil {
		return
	}
	reason := "promoted on " + targetID
	if err := o.reg.SetStatus(ctx, art.Name, art.Version, datatypes.ArtifactDeployed, reason); err != nil {
		o.logger.Warn("artifact status not recorded",
			slog.String("artifact_version", art.Ref()),
			slog.String("error", err.Error()),
		)
	}
	if prev == nil || prev.Ref() == art.Ref() || o.activeElsewhere(prev.Ref(), targetID) {
		return
	}
	if err := o.reg.SetStatus(ctx, prev.Name, prev.Version, datatypes.ArtifactRetired, "superseded on "+targetID); err != nil {
		o.logger.Warn("artifact status not recorded",
			slog.String("artifact_version", prev.Ref()),
			slog.String("error", err.Error()),
		)
	}
}

func (o *Orchestrator) activeElsewhere(ref, targetID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, ts := range o.targets {
		if id == targetID {
			continue
		}
		if a := ts.active.Load(); a != nil && a.Ref() == ref {
			return true
		}
	}
	return false
}

// abort runs the rollback path for cause and closes the record.
func (o *Orchestrator) abort(ex *execution, cause error) error {
	rec := ex.rec
	outcome := datatypes.OutcomeRolledBack
	sev, typ := events.SeverityWarning, "deploy_rolled_back"

	var infra *datatypes.DeploymentInfrastructureError
	var health *datatypes.DeploymentHealthFailure
	switch {
	case errors.As(cause, &health):
	case errors.Is(cause, context.Canceled), errors.Is(cause, context.DeadlineExceeded):
		sev, typ = events.SeverityInfo, "deploy_cancelled"
	case errors.As(cause, &infra):
		outcome = datatypes.OutcomeFailed
		sev, typ = events.SeverityCritical, "deploy_failed"
	default:
		outcome = datatypes.OutcomeFailed
		sev, typ = events.SeverityCritical, "deploy_failed"
	}

	ctx, cancel := context.WithTimeout(context.Background(), ex.cfg.RollbackTimeout)
	defer cancel()

	msgs := []string{cause.Error()}
	if rbErr := ex.rollback(ctx, infra != nil); rbErr != nil {
		msgs = append(msgs, "rollback: "+rbErr.Error())
	}

	if rec.State == datatypes.StatePromoted {
		// Promotion bookkeeping failed after the record was promoted.
		rec.Error = strings.Join(msgs, "; ")
		_ = o.save(ctx, *rec)
		return cause
	}
	rec.Outcome, rec.EndedAt, rec.Error = outcome, o.now(), strings.Join(msgs, "; ")
	if err := o.transition(ctx, rec, datatypes.StateRolledBack); err != nil {
		o.logger.Error("deployment record not closed",
			slog.String("deployment_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}

	level := slog.LevelWarn
	if sev == events.SeverityCritical {
		level = slog.LevelError
	}
	o.logger.Log(ctx, level, "deployment rolled back",
		slog.String("deployment_id", rec.ID),
		slog.String("artifact_version", ex.art.Ref()),
		slog.String("target_id", rec.TargetID),
		slog.String("outcome", string(outcome)),
		slog.String("error", rec.Error),
	)
	o.bus.Publish(events.Event{
		Severity:  sev,
		Component: "deploy",
		Type:      typ,
		Message:   fmt.Sprintf("%s on %s: %s", ex.art.Ref(), rec.TargetID, cause.Error()),
		Values:    map[string]float64{"steps_pushed": float64(len(ex.pushed))},
		Labels:    o.labels(*rec),
	})
	return cause
}

// rollback undoes what the target accepted. A blue-green rollout that
// already switched first switches back to the old color.
func (ex *execution) rollback(ctx context.Context, attempt bool) error {
	if len(ex.pushed) == 0 && !attempt {
		return nil
	}
	var errs []error
	if ex.switched {
		back := Step{Kind: StepSwitch, Env: ex.from}
		if _, err := ex.ts.target.Deploy(ctx, PushRequest{
			DeploymentID: ex.rec.ID,
			Artifact:     ex.art,
			Strategy:     ex.rec.Strategy,
			Step:         back,
		}); err != nil {
			errs = append(errs, fmt.Errorf("switch back to %s: %w", ex.from, err))
		}
	}
	if err := ex.ts.target.Rollback(ctx, ex.depID); err != nil {
		errs = append(errs, err)
	}
	ex.o.logger.Info("deployment rollback issued",
		slog.String("deployment_id", ex.rec.ID),
		slog.String("target_id", ex.rec.TargetID),
		slog.Int("steps_undone", len(ex.pushed)),
	)
	return errors.Join(errs...)
}

func (o *Orchestrator) labels(rec datatypes.DeploymentRecord) map[string]string {
	return map[string]string{
		"deployment_id":    rec.ID,
		"target_id":        rec.TargetID,
		"artifact_version": rec.ArtifactName + "@" + rec.ArtifactVersion,
		"strategy":         string(rec.Strategy),
	}
}
