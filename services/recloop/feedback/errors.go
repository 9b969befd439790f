// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package feedback

import "errors"

var (
	// ErrUnknownRecommendation is returned when feedback names a
	// recommendation that was never issued.
	ErrUnknownRecommendation = errors.New("unknown recommendation")

	// ErrInvalidFeedback wraps struct validation failures.
	ErrInvalidFeedback = errors.New("invalid feedback")

	// ErrRecommendationMismatch is returned when the path ID and the body
	// ID disagree.
	ErrRecommendationMismatch = errors.New("recommendation id mismatch")
)
