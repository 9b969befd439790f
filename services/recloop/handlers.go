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
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianMLOps/services/recloop/datatypes"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/deploy"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/feedback"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/registry"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/telemetry"
)

// Handlers serves the loop's HTTP API.
type Handlers struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandlers creates handlers over svc.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc, logger: svc.logger}
}

func (h *Handlers) requestLogger(c *gin.Context, handler string) *slog.Logger {
	lg := h.logger.With(slog.String("handler", handler))
	if id := telemetry.TraceID(c.Request.Context()); id != "" {
		lg = lg.With(slog.String("trace_id", id))
	}
	return lg
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_REQUEST"})
}

// HandleAnalyze handles POST /v1/loop/analyze.
//
// Description:
//
//	Runs one unit through the pipeline. A unit whose metrics cannot be
//	computed still answers 200, with status "unavailable".
//
// Request Body:
//
//	AnalyzeRequest
//
// Response:
//
//	200 OK: datatypes.RecommendationSet
//	400 Bad Request: Validation error
//	500 Internal Server Error: Processing error
func (h *Handlers) HandleAnalyze(c *gin.Context) {
	logger := h.requestLogger(c, "HandleAnalyze")

	var req AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("invalid request body", slog.String("error", err.Error()))
		badRequest(c, err)
		return
	}

	set, err := h.svc.pipeline.AnalyzeWith(c.Request.Context(), req.Unit(), req.Context())
	if err != nil {
		logger.Error("analyze failed", slog.String("unit_id", req.ID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "ANALYZE_FAILED"})
		return
	}
	c.JSON(http.StatusOK, set)
}

// HandleAnalyzeBatch handles POST /v1/loop/analyze/batch.
func (h *Handlers) HandleAnalyzeBatch(c *gin.Context) {
	logger := h.requestLogger(c, "HandleAnalyzeBatch")

	var req BatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	units := make([]datatypes.CodeUnit, 0, len(req.Units))
	for _, u := range req.Units {
		units = append(units, u.Unit())
	}
	sets, err := h.svc.pipeline.AnalyzeBatch(c.Request.Context(), units)
	if err != nil {
		logger.Error("batch analyze failed", slog.Int("units", len(units)), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "ANALYZE_FAILED"})
		return
	}
	c.JSON(http.StatusOK, BatchResponse{Sets: sets})
}

// HandleAnalyzeDiff handles POST /v1/loop/analyze/diff.
//
// Description:
//
//	Turns every changed file of a unified diff into a unit and analyzes
//	them in parallel. Deleted files and unsupported languages are listed
//	as skipped.
//
// Response:
//
//	200 OK: DiffResult
//	400 Bad Request: Missing or unparseable patch
func (h *Handlers) HandleAnalyzeDiff(c *gin.Context) {
	logger := h.requestLogger(c, "HandleAnalyzeDiff")

	var req DiffRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := h.svc.pipeline.AnalyzeDiff(c.Request.Context(), req.Patch, nil)
	if err != nil {
		if errors.Is(err, ErrInvalidDiff) {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_DIFF"})
			return
		}
		logger.Error("diff analyze failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "ANALYZE_FAILED"})
		return
	}
	c.JSON(http.StatusOK, res)
}

// HandleFeedback handles POST /v1/loop/feedback and
// POST /v1/loop/recommendations/:id/feedback.
//
// Description:
//
//	Stores a developer's response. Resubmitting the same feedback is
//	acknowledged with duplicate=true and changes nothing.
//
// Request Body:
//
//	datatypes.DeveloperFeedback
//
// Response:
//
//	200 OK: feedback.Ack
//	400 Bad Request: Validation error or ID mismatch
//	404 Not Found: The recommendation was never issued
func (h *Handlers) HandleFeedback(c *gin.Context) {
	logger := h.requestLogger(c, "HandleFeedback")

	var fb datatypes.DeveloperFeedback
	if err := c.ShouldBindJSON(&fb); err != nil {
		badRequest(c, err)
		return
	}
	ack, err := h.svc.pipeline.SubmitFeedback(c.Request.Context(), c.Param("id"), fb)
	if err != nil {
		switch {
		case errors.Is(err, feedback.ErrUnknownRecommendation):
			c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "UNKNOWN_RECOMMENDATION"})
		case errors.Is(err, feedback.ErrInvalidFeedback), errors.Is(err, feedback.ErrRecommendationMismatch):
			badRequest(c, err)
		default:
			logger.Error("feedback not stored",
				slog.String("recommendation_id", fb.RecommendationID),
				slog.String("error", err.Error()),
			)
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "FEEDBACK_FAILED"})
		}
		return
	}
	c.JSON(http.StatusOK, ack)
}

// HandleRetrain handles POST /v1/loop/retrain.
func (h *Handlers) HandleRetrain(c *gin.Context) {
	var req RetrainRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, err)
			return
		}
	}
	if req.Reason == "" {
		req.Reason = feedback.ReasonManual
	}
	if _, err := h.svc.learner.Trigger(req.Reason); err != nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Code: "QUEUE_CLOSED"})
		return
	}
	c.JSON(http.StatusAccepted, RetrainResponse{Model: h.svc.learner.ModelName(), Reason: req.Reason})
}

// HandleMonitorSnapshot handles GET /v1/loop/monitor/snapshot.
//
// Query Parameters:
//
//	target - Target ID. Default: the local target.
//	artifact - Artifact ref (name@version). Default: the scorer serving
//	           the target.
func (h *Handlers) HandleMonitorSnapshot(c *gin.Context) {
	target := c.DefaultQuery("target", h.svc.local.ID())
	artifact := c.Query("artifact")
	if artifact == "" {
		if a, ok := h.svc.deployer.Active(target); ok {
			artifact = a.Ref()
		} else if target == h.svc.local.ID() {
			artifact = h.svc.analyzer.Scorer().Version()
		}
	}
	if artifact == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "artifact is required for a target with nothing deployed", Code: "INVALID_REQUEST"})
		return
	}
	c.JSON(http.StatusOK, h.svc.monitor.Snapshot(artifact, target))
}

// HandleDriftLatest handles GET /v1/loop/drift/latest.
func (h *Handlers) HandleDriftLatest(c *gin.Context) {
	r, ok := h.svc.scanner.Latest()
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "no drift scan has completed", Code: "NO_DRIFT_REPORT"})
		return
	}
	c.JSON(http.StatusOK, r)
}

// HandleDriftScan handles POST /v1/loop/drift/scan.
//
// Description:
//
//	Scans the current window now instead of waiting for the interval.
//	Returns 409 while the baseline or window is still filling.
func (h *Handlers) HandleDriftScan(c *gin.Context) {
	r, _, err := h.svc.scanner.Scan(c.Request.Context())
	if err != nil {
		var dde *datatypes.DriftDetectionError
		if errors.As(err, &dde) {
			c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "DRIFT_DEFERRED"})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "DRIFT_SCAN_FAILED"})
		return
	}
	c.JSON(http.StatusOK, r)
}

// HandleDeploy handles POST /v1/loop/deployments.
//
// Description:
//
//	Starts a rollout of a registered artifact. The rollout runs in the
//	background; poll GET /v1/loop/deployments/:id for its state.
//
// Response:
//
//	202 Accepted: DeployResponse
//	400 Bad Request: Validation error or unknown strategy
//	404 Not Found: Unknown artifact or target
func (h *Handlers) HandleDeploy(c *gin.Context) {
	logger := h.requestLogger(c, "HandleDeploy")

	var req DeployRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	ctx := c.Request.Context()
	art, err := h.svc.registry.Get(ctx, req.ArtifactName, req.ArtifactVersion)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "UNKNOWN_ARTIFACT"})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "REGISTRY_FAILED"})
		return
	}

	id, err := h.svc.deployer.Deploy(ctx, art, req.TargetID, req.Strategy, req.Config)
	if err != nil {
		switch {
		case errors.Is(err, deploy.ErrUnknownTarget):
			c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "UNKNOWN_TARGET"})
		case errors.Is(err, deploy.ErrInvalidStrategy):
			badRequest(c, err)
		default:
			logger.Error("deploy not started",
				slog.String("artifact_version", art.Ref()),
				slog.String("target_id", req.TargetID),
				slog.String("error", err.Error()),
			)
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "DEPLOY_FAILED"})
		}
		return
	}
	c.JSON(http.StatusAccepted, DeployResponse{DeploymentID: id})
}

// HandleGetDeployment handles GET /v1/loop/deployments/:id.
func (h *Handlers) HandleGetDeployment(c *gin.Context) {
	rec, err := h.svc.deployer.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, deploy.ErrUnknownDeployment) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "UNKNOWN_DEPLOYMENT"})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "DEPLOYMENT_READ_FAILED"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

// HandleCancelDeployment handles POST /v1/loop/deployments/:id/cancel.
//
// Cancelling runs the rollback path; the record ends rolled_back.
func (h *Handlers) HandleCancelDeployment(c *gin.Context) {
	id := c.Param("id")
	if err := h.svc.deployer.Cancel(id); err != nil {
		switch {
		case errors.Is(err, deploy.ErrUnknownDeployment):
			c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "UNKNOWN_DEPLOYMENT"})
		case errors.Is(err, deploy.ErrIllegalTransition):
			c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "DEPLOYMENT_FINISHED"})
		default:
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "CANCEL_FAILED"})
		}
		return
	}
	c.JSON(http.StatusAccepted, DeployResponse{DeploymentID: id})
}

// HandleListArtifacts handles GET /v1/loop/artifacts/:name.
func (h *Handlers) HandleListArtifacts(c *gin.Context) {
	name := c.Param("name")
	list, err := h.svc.registry.List(c.Request.Context(), name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "REGISTRY_FAILED"})
		return
	}
	if list == nil {
		list = []datatypes.ModelArtifact{}
	}
	c.JSON(http.StatusOK, ArtifactsResponse{Name: name, Artifacts: list})
}

// HandleHealth handles GET /v1/loop/health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	ids := h.svc.deployer.Targets()
	targets := make([]TargetStatus, 0, len(ids))
	for _, id := range ids {
		ts := TargetStatus{ID: id}
		if a, ok := h.svc.deployer.Active(id); ok {
			ts.ActiveArtifact = a.Ref()
		}
		targets = append(targets, ts)
	}
	c.JSON(http.StatusOK, HealthResponse{
		Status:        "healthy",
		Version:       ServiceVersion,
		ScorerVersion: h.svc.analyzer.Scorer().Version(),
		Targets:       targets,
		EventClients:  h.svc.hub.Clients(),
	})
}
