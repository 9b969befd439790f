// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package quality computes deterministic static metrics for a code unit.
//
// # Description
//
// The Extractor parses a unit with tree-sitter and derives cyclomatic
// complexity, Halstead measures, lines of code, nesting depth, a
// duplication ratio, a maintainability index and a security score. The
// computation is pure: the same source always yields the same snapshot.
//
// # Thread Safety
//
// Extractor is safe for concurrent use. Each call builds its own parser.
package quality

import (
	"context"
	"fmt"
	"math"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianMLOps/services/recloop/datatypes"
)

var tracer = otel.Tracer("aleutian.mlops.quality")

// Extractor computes QualityMetrics from CodeUnits.
type Extractor struct {
	security *SecurityScanner
}

// NewExtractor creates an extractor with the default security rule table.
func NewExtractor() *Extractor {
	return &Extractor{security: NewSecurityScanner()}
}

// Extract computes the metrics snapshot of unit.
//
// Description:
//
//	Parses the unit in its declared language and walks the syntax tree
//	once, collecting branch points, Halstead tokens, code rows and nesting
//	depth. Duplication and security are computed over the source lines.
//
// Inputs:
//
//	ctx - Context for cancellation of the parse.
//	unit - The code unit. Language must be supported.
//
// Outputs:
//
//	*datatypes.QualityMetrics - The snapshot, including detected patterns.
//	error - *datatypes.AnalysisError if the unit is empty, the language is
//	        unsupported, or the source does not parse.
func (e *Extractor) Extract(ctx context.Context, unit datatypes.CodeUnit) (*datatypes.QualityMetrics, error) {
	lang := NormalizeLanguage(unit.Language)
	ctx, span := tracer.Start(ctx, "quality.Extract",
		trace.WithAttributes(
			attribute.String("unit.id", unit.ID),
			attribute.String("unit.language", lang),
		),
	)
	defer span.End()

	if strings.TrimSpace(unit.Source) == "" {
		return nil, &datatypes.AnalysisError{UnitID: unit.ID, Language: lang, Reason: "empty source"}
	}
	g, ok := grammars[lang]
	if !ok {
		return nil, &datatypes.AnalysisError{UnitID: unit.ID, Language: lang, Reason: "unsupported language"}
	}

	src := []byte(unit.Source)
	parser := sitter.NewParser()
	parser.SetLanguage(g.language())
	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, &datatypes.AnalysisError{UnitID: unit.ID, Language: lang, Reason: "parse failed", Err: err}
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		line := firstErrorLine(root)
		return nil, &datatypes.AnalysisError{
			UnitID:   unit.ID,
			Language: lang,
			Reason:   fmt.Sprintf("syntax error near line %d", line),
		}
	}

	w := newWalker(g, src)
	w.walk(root, 0)

	lines := strings.Split(unit.Source, "\n")
	loc := len(w.codeRows)
	dup := duplicationRatio(lines, w.codeRows, loc)
	hal := w.halstead.measures()
	cc := w.branches + 1

	coverage := 0.0
	if unit.CoverageHint != nil {
		coverage = clamp01(*unit.CoverageHint)
	}

	findings := e.security.Scan(unit.Source)
	metrics := &datatypes.QualityMetrics{
		UnitID:               unit.ID,
		CyclomaticComplexity: cc,
		Halstead:             hal,
		LinesOfCode:          loc,
		MaxNesting:           w.maxNesting,
		MaintainabilityIndex: MaintainabilityIndex(hal.Volume, cc, loc, dup),
		DuplicationRatio:     dup,
		TestCoverage:         coverage,
		SecurityScore:        SecurityScore(len(findings)),
		SecurityFindings:     findings,
	}
	metrics.Patterns = DetectPatterns(metrics, unit)

	span.SetAttributes(
		attribute.Int("metrics.cyclomatic", cc),
		attribute.Int("metrics.loc", loc),
		attribute.Float64("metrics.maintainability", metrics.MaintainabilityIndex),
	)
	return metrics, nil
}

// MaintainabilityIndex returns the normalized maintainability index.
//
// The classic formula 171 - 5.2 ln(V) - 0.23 CC - 16.2 ln(LOC) is rescaled
// to [0,100] and then reduced by up to half for duplicated code. The value
// decreases monotonically with complexity and with duplication.
func MaintainabilityIndex(volume float64, cc, loc int, dup float64) float64 {
	v := math.Max(volume, 1)
	l := math.Max(float64(loc), 1)
	raw := 171 - 5.2*math.Log(v) - 0.23*float64(cc) - 16.2*math.Log(l)
	mi := math.Max(0, raw*100/171)
	mi *= 1 - 0.5*clamp01(dup)
	return math.Min(100, math.Max(0, mi))
}

// SecurityScore maps a finding count to [0,1]. Five or more findings
// score zero.
func SecurityScore(findings int) float64 {
	return 1 - math.Min(1, 0.2*float64(findings))
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(1, math.Max(0, v))
}

func firstErrorLine(n *sitter.Node) int {
	if n.IsError() || n.IsMissing() {
		return int(n.StartPoint().Row) + 1
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		child := n.Child(i)
		if child != nil && child.HasError() {
			return firstErrorLine(child)
		}
	}
	return int(n.StartPoint().Row) + 1
}

// =============================================================================
// Tree Walk
// =============================================================================

type walker struct {
	g          *grammar
	src        []byte
	branches   int
	maxNesting int
	codeRows   map[int]bool
	halstead   *halsteadCounter
}

func newWalker(g *grammar, src []byte) *walker {
	return &walker{
		g:        g,
		src:      src,
		codeRows: make(map[int]bool),
		halstead: newHalsteadCounter(),
	}
}

func (w *walker) walk(n *sitter.Node, depth int) {
	typ := n.Type()
	if w.g.comments[typ] {
		return
	}
	if w.g.branches[typ] {
		w.branches++
	}

	childDepth := depth
	if w.g.nesting[typ] && !isElseIf(n) {
		childDepth = depth + 1
		if childDepth > w.maxNesting {
			w.maxNesting = childDepth
		}
	}

	if w.g.literals[typ] || n.ChildCount() == 0 {
		w.leaf(n, typ)
		return
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		if child := n.Child(i); child != nil {
			w.walk(child, childDepth)
		}
	}
}

func (w *walker) leaf(n *sitter.Node, typ string) {
	if n.IsMissing() {
		return
	}
	text := n.Content(w.src)
	if strings.TrimSpace(text) == "" {
		return
	}
	for row := int(n.StartPoint().Row); row <= int(n.EndPoint().Row); row++ {
		w.codeRows[row] = true
	}
	switch {
	case w.g.identifiers[typ] || w.g.literals[typ]:
		w.halstead.operand(text)
	default:
		w.halstead.operator(typ)
	}
}

// isElseIf reports whether n is the alternative branch of a parent if, so
// an else-if chain does not count as deeper nesting.
func isElseIf(n *sitter.Node) bool {
	p := n.Parent()
	if p == nil {
		return false
	}
	switch n.Type() {
	case "if_statement", "if_expression":
		return p.Type() == n.Type() || p.Type() == "else_clause"
	}
	return false
}
