// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package patterngraph

import (
	"github.com/AleutianAI/AleutianMLOps/services/recloop/datatypes"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/quality"
)

// Remedy node IDs shipped with the default catalog.
const (
	RemedyExtractFunction = "remedy.extract_function"
	RemedyDeduplicate     = "remedy.deduplicate"
	RemedyAddTests        = "remedy.add_tests"
	RemedySimplifyModule  = "remedy.simplify_module"
	RemedySanitizeInputs  = "remedy.sanitize_inputs"
	RemedySplitFile       = "remedy.split_file"
	RemedyEarlyReturn     = "remedy.early_return"
	RemedyOptimizeHotPath = "remedy.optimize_hot_path"
)

// Catalog is the seed content of a new graph.
type Catalog struct {
	Patterns []string
	Remedies []Node

	// Defaults maps a pattern to the remedy that addresses it directly.
	Defaults map[string]string

	// Priors are optional starting edges.
	Priors []Edge
}

// DefaultRemedy returns the remedy that directly addresses pattern.
func (c Catalog) DefaultRemedy(pattern string) (string, bool) {
	r, ok := c.Defaults[pattern]
	return r, ok
}

// DefaultCatalog returns the built-in patterns, remedies and priors.
func DefaultCatalog() Catalog {
	remedy := func(id string, cat datatypes.Category, delta float64, rationale string) Node {
		return Node{ID: id, Kind: KindRemedy, Category: cat, PredictedDelta: delta, Rationale: rationale}
	}
	c := Catalog{
		Patterns: []string{
			quality.PatternHighComplexity,
			quality.PatternCodeDuplication,
			quality.PatternLowMaintainability,
			quality.PatternMissingTests,
			quality.PatternSecuritySmell,
			quality.PatternLongUnit,
			quality.PatternDeepNesting,
			quality.PatternHighEffort,
		},
		Remedies: []Node{
			remedy(RemedyExtractFunction, datatypes.CategoryRefactoring, 0.10, "extract smaller functions from the branching logic"),
			remedy(RemedyDeduplicate, datatypes.CategoryRefactoring, 0.08, "consolidate duplicated blocks into a shared helper"),
			remedy(RemedyAddTests, datatypes.CategoryRefactoring, 0.06, "add unit tests around the changed behaviour"),
			remedy(RemedySimplifyModule, datatypes.CategoryRefactoring, 0.07, "reduce the unit's responsibilities to raise maintainability"),
			remedy(RemedySanitizeInputs, datatypes.CategorySecurity, 0.12, "validate and parameterize external inputs"),
			remedy(RemedySplitFile, datatypes.CategoryStyle, 0.03, "split the unit into cohesive files"),
			remedy(RemedyEarlyReturn, datatypes.CategoryStyle, 0.04, "flatten nesting with guard clauses"),
			remedy(RemedyOptimizeHotPath, datatypes.CategoryPerformance, 0.05, "hoist invariants and cache repeated computation"),
		},
		Defaults: map[string]string{
			quality.PatternHighComplexity:     RemedyExtractFunction,
			quality.PatternCodeDuplication:    RemedyDeduplicate,
			quality.PatternLowMaintainability: RemedySimplifyModule,
			quality.PatternMissingTests:       RemedyAddTests,
			quality.PatternSecuritySmell:      RemedySanitizeInputs,
			quality.PatternLongUnit:           RemedySplitFile,
			quality.PatternDeepNesting:        RemedyEarlyReturn,
			quality.PatternHighEffort:         RemedyOptimizeHotPath,
		},
	}
	for p, r := range c.Defaults {
		c.Priors = append(c.Priors, Edge{From: p, To: r, Weight: 1})
	}
	c.Priors = append(c.Priors,
		Edge{From: quality.PatternHighComplexity, To: RemedyEarlyReturn, Weight: 0.5},
		Edge{From: quality.PatternDeepNesting, To: RemedyExtractFunction, Weight: 0.5},
		Edge{From: quality.PatternLongUnit, To: RemedyExtractFunction, Weight: 0.5},
		Edge{From: quality.PatternCodeDuplication, To: RemedySimplifyModule, Weight: 0.3},
		Edge{From: quality.PatternHighComplexity, To: quality.PatternMissingTests, Weight: 0.3},
	)
	return c
}
