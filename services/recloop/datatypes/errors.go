// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// Error Taxonomy
// =============================================================================
//
// None of these errors is fatal to the pipeline. The default posture is to
// keep serving the last known-good artifact and surface the failure.

// AnalysisError reports a code unit that could not be analyzed.
//
// Callers treat it as "metrics unavailable" for that unit and skip every
// quality-gated step.
type AnalysisError struct {
	UnitID   string
	Language string
	Reason   string
	Err      error
}

func (e *AnalysisError) Error() string {
	msg := fmt.Sprintf("analysis of unit %q (%s) failed: %s", e.UnitID, e.Language, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AnalysisError) Unwrap() error { return e.Err }

// TrainingError reports a retraining run that produced no candidate.
// The previously deployed artifact stays in service.
type TrainingError struct {
	Model    string
	Examples int
	Reason   string
	Err      error
}

func (e *TrainingError) Error() string {
	msg := fmt.Sprintf("training %s on %d examples failed: %s", e.Model, e.Examples, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TrainingError) Unwrap() error { return e.Err }

// DeploymentHealthFailure reports a health gate breach. It always leads to
// automatic rollback.
type DeploymentHealthFailure struct {
	DeploymentID string
	TargetID     string
	Step         string
	Breaches     []string
}

func (e *DeploymentHealthFailure) Error() string {
	return fmt.Sprintf("deployment %s on target %s failed health gate at %s: %s",
		e.DeploymentID, e.TargetID, e.Step, strings.Join(e.Breaches, "; "))
}

// DeploymentInfrastructureError reports an unreachable or failing target.
// It is retried with backoff before escalating.
type DeploymentInfrastructureError struct {
	TargetID string
	Attempt  int
	Err      error
}

func (e *DeploymentInfrastructureError) Error() string {
	return fmt.Sprintf("target %s infrastructure error (attempt %d): %v", e.TargetID, e.Attempt, e.Err)
}

func (e *DeploymentInfrastructureError) Unwrap() error { return e.Err }

// DriftDetectionError reports a scan that lacked enough data for a reliable
// statistic. The scan is deferred to the next window.
type DriftDetectionError struct {
	WindowStart time.Time
	WindowEnd   time.Time
	Reason      string
}

func (e *DriftDetectionError) Error() string {
	return fmt.Sprintf("drift detection over [%s, %s] deferred: %s",
		e.WindowStart.Format(time.RFC3339), e.WindowEnd.Format(time.RFC3339), e.Reason)
}
