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
	"fmt"
	"math"
	"time"

	"github.com/AleutianAI/AleutianMLOps/services/recloop/datatypes"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/monitor"
)

// HealthGate bounds a rollout step.
type HealthGate struct {
	MaxErrorRate      float64       `yaml:"max_error_rate" json:"max_error_rate" validate:"gte=0,lte=1"`
	MaxLatencyP95     time.Duration `yaml:"max_latency_p95" json:"max_latency_p95"`
	MinAcceptanceRate float64       `yaml:"min_acceptance_rate" json:"min_acceptance_rate" validate:"gte=0,lte=1"`
}

// DefaultHealthGate returns the default bounds.
func DefaultHealthGate() HealthGate {
	return HealthGate{
		MaxErrorRate:      0.05,
		MaxLatencyP95:     250 * time.Millisecond,
		MinAcceptanceRate: 0.3,
	}
}

// Evaluate combines the target's status with the monitor snapshot.
//
// Error rate and p95 take the worse of the two sources. Acceptance uses
// whichever sources have samples, taking the lower; with none it is not
// checked. A target that is not ready is a breach.
func (g HealthGate) Evaluate(step string, st HealthStatus, snap monitor.Snapshot, at time.Time) datatypes.HealthCheckResult {
	errRate := st.ErrorRate
	if snap.Requests > 0 {
		errRate = math.Max(errRate, snap.ErrorRate)
	}
	p95 := st.LatencyP95
	if snap.P95 > p95 {
		p95 = snap.P95
	}

	acceptance, haveAcceptance := 0.0, false
	if st.AcceptanceSamples > 0 {
		acceptance, haveAcceptance = st.AcceptanceRate, true
	}
	if snap.AcceptanceSamples > 0 {
		if !haveAcceptance || snap.AcceptanceRate < acceptance {
			acceptance = snap.AcceptanceRate
		}
		haveAcceptance = true
	}

	res := datatypes.HealthCheckResult{
		At:             at,
		Step:           step,
		ErrorRate:      errRate,
		LatencyP95Ms:   monitor.Millis(p95),
		AcceptanceRate: acceptance,
	}
	if !st.Ready {
		res.Breaches = append(res.Breaches, "target not ready")
	}
	if errRate > g.MaxErrorRate {
		res.Breaches = append(res.Breaches, fmt.Sprintf("error rate %.3f > %.3f", errRate, g.MaxErrorRate))
	}
	if g.MaxLatencyP95 > 0 && p95 > g.MaxLatencyP95 {
		res.Breaches = append(res.Breaches, fmt.Sprintf("p95 latency %s > %s", p95, g.MaxLatencyP95))
	}
	if haveAcceptance && acceptance < g.MinAcceptanceRate {
		res.Breaches = append(res.Breaches, fmt.Sprintf("acceptance %.3f < %.3f", acceptance, g.MinAcceptanceRate))
	}
	res.Healthy = len(res.Breaches) == 0
	return res
}
