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

import "errors"

// Sentinel errors for the loop service.
var (
	// ErrEmptyBatch indicates a batch with no units.
	ErrEmptyBatch = errors.New("batch contains no units")

	// ErrInvalidDiff indicates a patch that does not parse.
	ErrInvalidDiff = errors.New("invalid diff")

	// ErrModelUnavailable indicates an artifact missing from the registry.
	ErrModelUnavailable = errors.New("model artifact unavailable")
)
