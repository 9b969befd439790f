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
	"time"

	"github.com/AleutianAI/AleutianMLOps/services/recloop/analyzer"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/datatypes"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/deploy"
)

// =============================================================================
// Requests
// =============================================================================

// AnalyzeRequest is the body of POST /v1/loop/analyze.
type AnalyzeRequest struct {
	ID           string    `json:"id" binding:"required"`
	Path         string    `json:"path"`
	Source       string    `json:"source" binding:"required"`
	Language     string    `json:"language" binding:"required"`
	Lines        int       `json:"lines" binding:"gte=0"`
	ModifiedAt   time.Time `json:"modified_at"`
	CoverageHint *float64  `json:"coverage_hint" binding:"omitempty,gte=0,lte=1"`

	ProjectID          string  `json:"project_id"`
	ReviewerExperience float64 `json:"reviewer_experience" binding:"gte=0,lte=1"`
}

// Unit converts the request into a CodeUnit.
func (r AnalyzeRequest) Unit() datatypes.CodeUnit {
	return datatypes.CodeUnit{
		ID:           r.ID,
		Path:         r.Path,
		Source:       r.Source,
		Language:     r.Language,
		Lines:        r.Lines,
		ModifiedAt:   r.ModifiedAt,
		CoverageHint: r.CoverageHint,
	}
}

// Context returns the scorer hints carried by the request.
func (r AnalyzeRequest) Context() analyzer.AnalysisContext {
	return analyzer.AnalysisContext{ProjectID: r.ProjectID, ReviewerExperience: r.ReviewerExperience}
}

// BatchRequest is the body of POST /v1/loop/analyze/batch.
type BatchRequest struct {
	Units []AnalyzeRequest `json:"units" binding:"required,min=1,dive"`
}

// DiffRequest is the body of POST /v1/loop/analyze/diff.
type DiffRequest struct {
	Patch string `json:"patch" binding:"required"`
}

// DeployRequest is the body of POST /v1/loop/deployments.
type DeployRequest struct {
	ArtifactName    string             `json:"artifact_name" binding:"required"`
	ArtifactVersion string             `json:"artifact_version" binding:"required"`
	TargetID        string             `json:"target_id" binding:"required"`
	Strategy        datatypes.Strategy `json:"strategy" binding:"required,oneof=immediate rolling canary blue_green"`

	// Config overrides the orchestrator defaults for this rollout. Zero
	// fields keep the default.
	Config deploy.Config `json:"config"`
}

// RetrainRequest is the optional body of POST /v1/loop/retrain.
type RetrainRequest struct {
	Reason string `json:"reason"`
}

// =============================================================================
// Responses
// =============================================================================

// ErrorResponse is returned for every failed request.
type ErrorResponse struct {
	// Error is the error message.
	Error string `json:"error"`

	// Code is a stable machine-readable code.
	Code string `json:"code,omitempty"`
}

// BatchResponse is returned by the batch endpoint.
type BatchResponse struct {
	Sets []*datatypes.RecommendationSet `json:"sets"`
}

// DeployResponse is returned when a rollout is accepted.
type DeployResponse struct {
	DeploymentID string `json:"deployment_id"`
}

// ArtifactsResponse lists the versions of one model family.
type ArtifactsResponse struct {
	Name      string                    `json:"name"`
	Artifacts []datatypes.ModelArtifact `json:"artifacts"`
}

// RetrainResponse is returned when a retrain is enqueued.
type RetrainResponse struct {
	Model  string `json:"model"`
	Reason string `json:"reason"`
}

// TargetStatus is the serving state of one target.
type TargetStatus struct {
	ID             string `json:"id"`
	ActiveArtifact string `json:"active_artifact,omitempty"`
}

// HealthResponse is returned by GET /v1/loop/health.
type HealthResponse struct {
	Status        string         `json:"status"`
	Version       string         `json:"version"`
	ScorerVersion string         `json:"scorer_version"`
	Targets       []TargetStatus `json:"targets"`
	EventClients  int            `json:"event_clients"`
}
