// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.
package recloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianMLOps/services/recloop/analyzer"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/artifactstore"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/config"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/datatypes"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/deploy"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/drift"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/events"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/feedback"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/monitor"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/patterngraph"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/quality"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/registry"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/store"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/workqueue"
)

// ServiceVersion is reported by the health endpoint.
const ServiceVersion = "0.4.0"

// Service owns every component of the loop.
//
// Description:
//
//	NewService builds the components bottom-up from a config, restores
//	persisted state, and leaves the background loops stopped. Run starts
//	them together with the HTTP listener; Close releases the store.
//
// Thread Safety: Safe for concurrent use once constructed.
type Service struct {
	cfg        config.Config
	configPath string
	logger     *slog.Logger

	db        *store.DB
	registry  *registry.Registry
	blobs     *artifactstore.Store
	bus       *events.Bus
	hub       *events.Hub
	queue     *workqueue.Queue
	base      analyzer.Scorer
	analyzer  *analyzer.Analyzer
	graph     *patterngraph.Engine
	issued    *feedback.Issued
	collector *feedback.Collector
	learner   *feedback.Learner
	detector  *drift.Detector
	scanner   *drift.Scanner
	monitor   *monitor.Monitor
	influx    *monitor.InfluxSink
	deployer  *deploy.Orchestrator
	local     *deploy.LocalTarget
	pipeline  *Pipeline
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithConfigPath enables hot reload of the file the config came from.
func WithConfigPath(path string) ServiceOption { return func(s *Service) { s.configPath = path } }

// WithServiceLogger sets the logger shared by every component.
func WithServiceLogger(l *slog.Logger) ServiceOption { return func(s *Service) { s.logger = l } }

// NewService wires the loop from cfg.
//
// Inputs:
//
//	ctx - Context for opening backends and restoring state.
//	cfg - A validated configuration.
//
// Outputs:
//
//	*Service - Ready to Run.
//	error - Store, artifact backend or target construction failures.
func NewService(ctx context.Context, cfg config.Config, opts ...ServiceOption) (*Service, error) {
	s := &Service{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	lg := s.logger

	storeCfg := cfg.Storage.Store()
	storeCfg.Logger = lg.With(slog.String("component", "store"))
	db, err := store.Open(storeCfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	s.db = db
	if err := s.build(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.restore(ctx); err != nil {
		s.shutdownQueue()
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) build(ctx context.Context) error {
	cfg, lg := s.cfg, s.logger

	s.registry = registry.New(s.db, registry.WithLogger(lg))
	blobs, err := artifactstore.Open(ctx, cfg.ArtifactStore, s.db)
	if err != nil {
		return fmt.Errorf("open artifact store: %w", err)
	}
	s.blobs = blobs

	s.bus = events.NewBus()
	s.bus.Subscribe(events.LogHandler(lg))
	s.hub = events.NewHub(lg)
	s.bus.Subscribe(s.hub)

	s.queue = workqueue.New(workqueue.WithLogger(lg))

	s.base = analyzer.NewRuleScorer()
	s.analyzer = analyzer.New(s.base,
		analyzer.WithCacheSize(cfg.Analyzer.CacheSize),
		analyzer.WithCacheTTL(cfg.Analyzer.CacheTTL),
		analyzer.WithLogger(lg),
	)
	s.graph = patterngraph.NewEngine(patterngraph.DefaultCatalog(),
		patterngraph.WithPathDecay(cfg.Graph.PathDecay),
		patterngraph.WithMaturityK(cfg.Graph.MaturityK),
		patterngraph.WithCatalogPriors(cfg.Graph.CatalogPriors),
		patterngraph.WithLogger(lg),
	)

	s.detector = drift.NewDetector(cfg.Drift.Config, drift.WithLogger(lg))

	monOpts := []monitor.Option{
		monitor.WithPublisher(s.bus),
		monitor.WithSampleSink(s.detector),
		monitor.WithLogger(lg),
	}
	if cfg.Monitor.Influx.Enabled() {
		sink, err := monitor.NewInfluxSink(cfg.Monitor.Influx)
		if err != nil {
			return fmt.Errorf("open influx sink: %w", err)
		}
		s.influx = sink
		monOpts = append(monOpts, monitor.WithPointSink(sink))
	}
	s.monitor = monitor.New(cfg.Monitor.Config, monOpts...)

	s.deployer = deploy.New(s.db, s.registry, s.queue, s.monitor,
		deploy.WithConfig(cfg.Deploy.Config),
		deploy.WithPublisher(s.bus),
		deploy.WithLogger(lg),
		deploy.WithPromotionHook(s.onPromoted),
	)
	s.local = deploy.NewLocalTarget(cfg.Deploy.LocalTargetID, s.analyzer, s.base, s.monitor)
	s.deployer.AddTarget(s.local)
	for _, tc := range cfg.Targets {
		t, err := deploy.NewHTTPTarget(tc)
		if err != nil {
			return fmt.Errorf("target %s: %w", tc.ID, err)
		}
		s.deployer.AddTarget(t)
	}

	s.learner = feedback.NewLearner(s.db, s.registry, s.blobs, s.queue,
		feedback.LearnerConfig{
			ModelName:       cfg.Feedback.ModelName,
			MinExamples:     cfg.Feedback.MinExamples,
			Alpha:           cfg.Feedback.Alpha,
			HoldoutFraction: cfg.Feedback.HoldoutFraction,
		},
		feedback.WithCandidateHandler(s.onCandidate),
		feedback.WithPublisher(s.bus),
		feedback.WithLearnerLogger(lg),
	)
	s.issued = feedback.NewIssued(s.db)
	s.collector = feedback.NewCollector(s.db, s.issued,
		feedback.CollectorConfig{
			BatchSize:     cfg.Feedback.BatchSize,
			Ceiling:       cfg.Feedback.Ceiling,
			CheckInterval: cfg.Feedback.CheckInterval,
		},
		feedback.WithTrigger(s.learner.TriggerFunc()),
		feedback.WithCollectorLogger(lg),
	)

	scanInterval := cfg.Drift.ScanInterval
	if scanInterval <= 0 {
		scanInterval = drift.DefaultScanInterval
	}
	s.scanner = drift.NewScanner(s.detector,
		drift.WithInterval(scanInterval),
		drift.WithRetrainer(drift.Retrainer(s.learner.TriggerFunc())),
		drift.WithPublisher(s.bus),
		drift.WithCheckpointStore(s.db),
		drift.WithScannerLogger(lg),
	)

	s.pipeline = NewPipeline(quality.NewExtractor(), s.analyzer, s.graph, s.issued, s.collector,
		WithRecorder(s.monitor),
		WithSampleSink(s.detector),
		WithTargetID(s.local.ID()),
		WithBatchConcurrency(cfg.Analyzer.BatchConcurrency),
		WithPipelineLogger(lg),
	)
	return nil
}

// restore reloads graph, deployments, drift and feedback progress.
func (s *Service) restore(ctx context.Context) error {
	if _, err := s.graph.Load(ctx, s.db, store.ErrNotFound); err != nil {
		return fmt.Errorf("load graph: %w", err)
	}
	if err := s.deployer.Restore(ctx); err != nil {
		return err
	}
	if a, ok := s.deployer.Active(s.local.ID()); ok {
		s.analyzer.SetScorer(analyzer.NewLearnedScorer(s.base, a))
		s.logger.Info("serving restored artifact",
			slog.String("artifact_version", a.Ref()),
			slog.String("target_id", s.local.ID()),
		)
	}
	if err := s.scanner.Restore(ctx); err != nil {
		return fmt.Errorf("restore drift scanner: %w", err)
	}
	ckpt, err := s.learner.Checkpoint(ctx)
	if err != nil {
		return fmt.Errorf("read learner checkpoint: %w", err)
	}
	return s.collector.Recover(ctx, ckpt)
}

// onCandidate rolls a freshly trained artifact out to the local target.
func (s *Service) onCandidate(ctx context.Context, a datatypes.ModelArtifact) {
	if !s.cfg.Feedback.AutoDeploy {
		return
	}
	strategy := datatypes.Strategy(s.cfg.Feedback.AutoDeployStrategy)
	if strategy == "" {
		strategy = datatypes.StrategyCanary
	}
	id, err := s.deployer.Deploy(ctx, a, s.local.ID(), strategy, deploy.Config{})
	if err != nil {
		s.logger.Error("candidate not deployed",
			slog.String("artifact_version", a.Ref()),
			slog.String("error", err.Error()),
		)
		return
	}
	s.logger.Info("candidate deploying",
		slog.String("artifact_version", a.Ref()),
		slog.String("deployment_id", id),
		slog.String("strategy", string(strategy)),
	)
}

// onPromoted resets state that was computed under the previous model.
func (s *Service) onPromoted(_ context.Context, a datatypes.ModelArtifact, targetID string) {
	if targetID != s.local.ID() {
		return
	}
	s.analyzer.Invalidate()
	if err := s.detector.Rebaseline(); err != nil {
		s.logger.Warn("drift baseline not reset",
			slog.String("artifact_version", a.Ref()),
			slog.String("error", err.Error()),
		)
	}
}

// applyReload applies the hot-reloadable subset of a changed config.
func (s *Service) applyReload(r config.Reloadable) {
	s.deployer.SetGate(r.Gate)
	s.detector.SetThreshold(r.DriftThreshold)
	s.logger.Info("configuration reloaded",
		slog.Float64("drift_threshold", r.DriftThreshold),
		slog.Float64("gate_max_error_rate", r.Gate.MaxErrorRate),
	)
}

// =============================================================================
// Accessors
// =============================================================================

// Pipeline returns the synchronous analysis pipeline.
func (s *Service) Pipeline() *Pipeline { return s.pipeline }

// Deployer returns the deployment orchestrator.
func (s *Service) Deployer() *deploy.Orchestrator { return s.deployer }

// Learner returns the continuous learner.
func (s *Service) Learner() *feedback.Learner { return s.learner }

// Bus returns the event bus.
func (s *Service) Bus() *events.Bus { return s.bus }

// Graph returns the pattern graph engine.
func (s *Service) Graph() *patterngraph.Engine { return s.graph }

// DB returns the store.
func (s *Service) DB() *store.DB { return s.db }

// =============================================================================
// Lifecycle
// =============================================================================

// Run starts the background loops and serves HTTP until ctx is done.
//
// The graph is checkpointed once more on the way out.
func (s *Service) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Server.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { s.graph.RunCheckpoints(gctx, s.db, s.cfg.Graph.CheckpointInterval); return nil })
	g.Go(func() error { s.collector.RunCeiling(gctx); return nil })
	g.Go(func() error { s.scanner.Run(gctx); return nil })
	g.Go(func() error { s.monitor.Run(gctx); return nil })
	if s.configPath != "" {
		g.Go(func() error {
			err := config.Watch(gctx, s.configPath, s.cfg.Reloadable(), s.applyReload, s.logger)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("config watch stopped", slog.String("error", err.Error()))
			}
			return nil
		})
	}
	g.Go(func() error {
		s.logger.Info("listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	finalCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
	defer cancel()
	if _, cerr := s.graph.Checkpoint(finalCtx, s.db); cerr != nil {
		s.logger.Warn("final graph checkpoint failed", slog.String("error", cerr.Error()))
	}
	return err
}

func (s *Service) shutdownTimeout() time.Duration {
	if s.cfg.Server.ShutdownTimeout > 0 {
		return s.cfg.Server.ShutdownTimeout
	}
	return 30 * time.Second
}

func (s *Service) shutdownQueue() {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout())
	defer cancel()
	if err := s.queue.Close(ctx); err != nil {
		s.logger.Warn("work queue not drained", slog.String("error", err.Error()))
	}
}

// Close drains queued jobs and closes the store and sinks.
func (s *Service) Close() error {
	s.shutdownQueue()
	if s.influx != nil {
		s.influx.Close()
	}
	return s.db.Close()
}
