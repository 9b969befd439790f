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
	"time"

	"github.com/AleutianAI/AleutianMLOps/services/recloop/datatypes"
)

// Color is a blue-green environment.
type Color string

const (
	ColorBlue  Color = "blue"
	ColorGreen Color = "green"
)

// Other returns the opposite color.
func (c Color) Other() Color {
	if c == ColorGreen {
		return ColorBlue
	}
	return ColorGreen
}

// Step kinds.
const (
	StepPercent  = "percent"
	StepInstance = "instance"
	StepEnv      = "env"
	StepSwitch   = "switch"
)

// Step is one push of a rollout.
type Step struct {
	Kind string `json:"kind"`

	// Percent of traffic for StepPercent.
	Percent int `json:"percent,omitempty"`

	// Instance index of Instances for StepInstance.
	Instance  int `json:"instance,omitempty"`
	Instances int `json:"instances,omitempty"`

	// Env is the color prepared by StepEnv or activated by StepSwitch.
	Env Color `json:"env,omitempty"`
}

// String renders the step for logs and health check records.
func (s Step) String() string {
	switch s.Kind {
	case StepPercent:
		return fmt.Sprintf("percent:%d", s.Percent)
	case StepInstance:
		return fmt.Sprintf("instance:%d/%d", s.Instance+1, s.Instances)
	case StepEnv:
		return "env:" + string(s.Env)
	case StepSwitch:
		return "switch:" + string(s.Env)
	}
	return s.Kind
}

// PushRequest is sent to a target for each rollout step.
type PushRequest struct {
	DeploymentID string                  `json:"deployment_id"`
	Artifact     datatypes.ModelArtifact `json:"artifact"`
	Strategy     datatypes.Strategy      `json:"strategy"`
	Step         Step                    `json:"step"`
}

// HealthStatus is what a target reports about a pushed step.
type HealthStatus struct {
	Ready             bool          `json:"ready"`
	Requests          int           `json:"requests"`
	ErrorRate         float64       `json:"error_rate"`
	LatencyP95        time.Duration `json:"latency_p95"`
	AcceptanceRate    float64       `json:"acceptance_rate"`
	AcceptanceSamples int           `json:"acceptance_samples"`
}

// Target receives artifacts.
//
// Deploy returns the target-side ID of the pushed step; HealthCheck and
// Rollback take that ID. Implementations wrap transport failures in
// *datatypes.DeploymentInfrastructureError so the orchestrator retries them.
type Target interface {
	ID() string
	Deploy(ctx context.Context, req PushRequest) (string, error)
	HealthCheck(ctx context.Context, deploymentID string) (HealthStatus, error)
	Rollback(ctx context.Context, deploymentID string) error
}
