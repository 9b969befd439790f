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

import "errors"

var (
	// ErrUnknownTarget is returned for a target ID that was never added.
	ErrUnknownTarget = errors.New("unknown deployment target")

	// ErrUnknownDeployment is returned for an ID with no record.
	ErrUnknownDeployment = errors.New("unknown deployment")

	// ErrIllegalTransition is returned when a record would move along an
	// edge the state machine does not have.
	ErrIllegalTransition = errors.New("illegal deployment state transition")

	// ErrInvalidStrategy is returned for an unknown rollout strategy.
	ErrInvalidStrategy = errors.New("invalid deployment strategy")

	// ErrCircuitOpen is returned while a target's breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)
