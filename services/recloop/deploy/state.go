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

	"github.com/AleutianAI/AleutianMLOps/services/recloop/datatypes"
)

// transitions lists the legal edges of the deployment state machine.
//
//	Pending ──► InProgress ──► HealthChecking ──► Promoted ──► Retired
//	   │            │   ▲            │
//	   │            │   └────────────┤ (next step)
//	   └────────────┴────────────────┴──► RolledBack
var transitions = map[datatypes.DeploymentState][]datatypes.DeploymentState{
	datatypes.StatePending:        {datatypes.StateInProgress, datatypes.StateRolledBack},
	datatypes.StateInProgress:     {datatypes.StateHealthChecking, datatypes.StateRolledBack},
	datatypes.StateHealthChecking: {datatypes.StateInProgress, datatypes.StatePromoted, datatypes.StateRolledBack},
	datatypes.StatePromoted:       {datatypes.StateRetired},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to datatypes.DeploymentState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to datatypes.DeploymentState) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}
