// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package quality

import "github.com/AleutianAI/AleutianMLOps/services/recloop/datatypes"

// Pattern IDs detected from a metrics snapshot. They seed the pattern graph.
const (
	PatternHighComplexity     = "high_complexity"
	PatternCodeDuplication    = "code_duplication"
	PatternLowMaintainability = "low_maintainability"
	PatternMissingTests       = "missing_tests"
	PatternSecuritySmell      = "security_smell"
	PatternLongUnit           = "long_unit"
	PatternDeepNesting        = "deep_nesting"
	PatternHighEffort         = "high_effort"
)

// Detection thresholds.
const (
	ComplexityThreshold      = 10
	DuplicationThreshold     = 0.1
	MaintainabilityThreshold = 40.0
	CoverageThreshold        = 0.5
	LongUnitLines            = 200
	NestingThreshold         = 4
	EffortThreshold          = 250000.0
)

// DetectPatterns returns the pattern IDs a snapshot exhibits, in a fixed
// order. Missing tests is only reported when coverage was measured.
func DetectPatterns(m *datatypes.QualityMetrics, unit datatypes.CodeUnit) []string {
	var out []string
	if m.CyclomaticComplexity > ComplexityThreshold {
		out = append(out, PatternHighComplexity)
	}
	if m.DuplicationRatio > DuplicationThreshold {
		out = append(out, PatternCodeDuplication)
	}
	if m.MaintainabilityIndex < MaintainabilityThreshold {
		out = append(out, PatternLowMaintainability)
	}
	if unit.CoverageHint != nil && m.TestCoverage < CoverageThreshold {
		out = append(out, PatternMissingTests)
	}
	if len(m.SecurityFindings) > 0 {
		out = append(out, PatternSecuritySmell)
	}
	if m.LinesOfCode > LongUnitLines {
		out = append(out, PatternLongUnit)
	}
	if m.MaxNesting > NestingThreshold {
		out = append(out, PatternDeepNesting)
	}
	if m.Halstead.Effort > EffortThreshold {
		out = append(out, PatternHighEffort)
	}
	return out
}
