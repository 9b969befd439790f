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
	"context"
	"log/slog"
	"math"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// =============================================================================
// Personalized PageRank
// =============================================================================

// PageRank configuration constants.
const (
	// DefaultDampingFactor is the probability of following an edge rather
	// than restarting at a seed.
	DefaultDampingFactor = 0.85

	// DefaultMaxIterations bounds power iteration.
	DefaultMaxIterations = 100

	// DefaultConvergence stops iteration when the largest score change
	// falls below it.
	DefaultConvergence = 1e-6
)

// PageRankOptions configures the walk.
type PageRankOptions struct {
	// DampingFactor must be in [0, 1]. Default: 0.85
	DampingFactor float64

	// MaxIterations must be > 0. Default: 100
	MaxIterations int

	// Convergence must be > 0. Default: 1e-6
	Convergence float64
}

// Validate applies defaults for invalid values.
func (o *PageRankOptions) Validate() {
	if o.DampingFactor < 0 || o.DampingFactor > 1 {
		o.DampingFactor = DefaultDampingFactor
	}
	if o.MaxIterations <= 0 {
		o.MaxIterations = DefaultMaxIterations
	}
	if o.Convergence <= 0 {
		o.Convergence = DefaultConvergence
	}
}

// DefaultPageRankOptions returns the standard configuration.
func DefaultPageRankOptions() *PageRankOptions {
	return &PageRankOptions{
		DampingFactor: DefaultDampingFactor,
		MaxIterations: DefaultMaxIterations,
		Convergence:   DefaultConvergence,
	}
}

// PageRankResult is the stationary distribution of a personalized walk.
type PageRankResult struct {
	// Scores maps node ID to stationary weight. Scores sum to ~1.
	Scores map[string]float64

	// Iterations actually performed.
	Iterations int

	// Converged reports convergence before MaxIterations.
	Converged bool

	// MaxDiff is the final largest per-node change.
	MaxDiff float64
}

// PersonalizedPageRank runs a weighted random walk with restart at seeds.
//
// Description:
//
//	At every step the walker follows an outgoing edge with probability
//	proportional to its weight, or with probability 1-d jumps back to a
//	uniformly chosen seed. Mass reaching a sink (no positive out-weight)
//	is returned to the seeds, so no rank leaks out of the graph.
//
//	Nodes are processed in sorted ID order and summed into index-addressed
//	slices, so results are bit-for-bit reproducible for the same snapshot.
//
// Inputs:
//
//	ctx - Checked between iterations.
//	s - The snapshot to walk.
//	seeds - Restart nodes. Unknown IDs are ignored.
//	opts - Configuration. Nil uses defaults.
//
// Outputs:
//
//	*PageRankResult - Empty scores if no seed is known.
//
// Thread Safety: Safe for concurrent use; the snapshot is immutable.
func PersonalizedPageRank(ctx context.Context, s *Snapshot, seeds []string, opts *PageRankOptions) *PageRankResult {
	ctx, span := tracer.Start(ctx, "patterngraph.PersonalizedPageRank",
		trace.WithAttributes(
			attribute.Int("node_count", s.NodeCount()),
			attribute.Int("edge_count", s.EdgeCount()),
			attribute.Int("seed_count", len(seeds)),
		),
	)
	defer span.End()

	if opts == nil {
		opts = DefaultPageRankOptions()
	} else {
		opts.Validate()
	}

	ids := s.NodeIDs()
	n := len(ids)
	index := make(map[string]int, n)
	for i, id := range ids {
		index[id] = i
	}

	restart := make([]float64, n)
	known := 0
	for _, seed := range seeds {
		if i, ok := index[seed]; ok && restart[i] == 0 {
			restart[i] = 1
			known++
		}
	}
	if known == 0 {
		return &PageRankResult{Scores: map[string]float64{}, Converged: true}
	}
	for i := range restart {
		restart[i] /= float64(known)
	}

	// Transition lists in sorted order.
	type arc struct {
		to int
		p  float64
	}
	arcs := make([][]arc, n)
	sink := make([]bool, n)
	for i, id := range ids {
		total := s.OutWeight(id)
		if total <= 0 {
			sink[i] = true
			continue
		}
		for _, e := range s.Outgoing(id) {
			if e.Weight > 0 {
				arcs[i] = append(arcs[i], arc{to: index[e.To], p: e.Weight / total})
			}
		}
	}

	d := opts.DampingFactor
	scores := append([]float64(nil), restart...)
	next := make([]float64, n)

	var iterations int
	var converged bool
	var maxDiff float64
	for iter := 0; iter < opts.MaxIterations; iter++ {
		if ctx.Err() != nil {
			span.AddEvent("cancelled", trace.WithAttributes(attribute.Int("iterations_completed", iter)))
			break
		}

		sinkMass := 0.0
		for i := 0; i < n; i++ {
			if sink[i] {
				sinkMass += scores[i]
			}
		}
		for i := 0; i < n; i++ {
			next[i] = ((1 - d) + d*sinkMass) * restart[i]
		}
		for i := 0; i < n; i++ {
			if scores[i] == 0 {
				continue
			}
			for _, a := range arcs[i] {
				next[a.to] += d * scores[i] * a.p
			}
		}

		maxDiff = 0
		for i := 0; i < n; i++ {
			if diff := math.Abs(next[i] - scores[i]); diff > maxDiff {
				maxDiff = diff
			}
		}
		scores, next = next, scores
		iterations = iter + 1
		if maxDiff < opts.Convergence {
			converged = true
			break
		}
	}

	out := make(map[string]float64, n)
	for i, id := range ids {
		if scores[i] > 0 {
			out[id] = scores[i]
		}
	}

	slog.Debug("personalized pagerank completed",
		slog.Int("iterations", iterations),
		slog.Bool("converged", converged),
		slog.Float64("max_diff", maxDiff),
	)
	span.SetAttributes(
		attribute.Int("iterations", iterations),
		attribute.Bool("converged", converged),
	)
	return &PageRankResult{Scores: out, Iterations: iterations, Converged: converged, MaxDiff: maxDiff}
}

// distances returns BFS hop counts from the seed set over positive edges.
func distances(s *Snapshot, seeds []string) map[string]int {
	dist := make(map[string]int)
	var queue []string
	for _, seed := range seeds {
		if _, ok := s.Node(seed); ok {
			if _, seen := dist[seed]; !seen {
				dist[seed] = 0
				queue = append(queue, seed)
			}
		}
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, e := range s.Outgoing(cur) {
			if e.Weight <= 0 {
				continue
			}
			if _, seen := dist[e.To]; !seen {
				dist[e.To] = dist[cur] + 1
				queue = append(queue, e.To)
			}
		}
	}
	return dist
}
