// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package patterngraph ranks remedies for detected code patterns with a
// personalized PageRank walk over a co-occurrence graph.
//
// # Description
//
// The graph holds pattern nodes (what the extractor detects) and remedy
// nodes (what a recommendation proposes). Edge weight is the historical
// strength of "pattern A co-occurs with / benefits from B", reinforced by
// accepted feedback.
//
// # Concurrency
//
// The active graph is an immutable Snapshot behind an atomic pointer.
// Rank reads the pointer once and walks that snapshot. Writers serialize
// on a mutex, build a new snapshot from a clone and swap it in. Online
// writes only add nodes or reweight edges; removal happens in Prune, an
// offline batch step.
package patterngraph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianMLOps/services/recloop/datatypes"
)

var tracer = otel.Tracer("aleutian.mlops.patterngraph")

// ErrUnknownRemedy is returned when reinforcing a remedy that is not in
// the graph.
var ErrUnknownRemedy = errors.New("unknown remedy node")

// Ranking constants.
const (
	// DefaultPathDecay discounts remedies by hop count from the seeds.
	DefaultPathDecay = 0.8

	// DefaultMaturityK is the total seed out-weight at which confidence
	// reaches half of its ceiling.
	DefaultMaturityK = 5.0

	// ColdStartConfidenceCap bounds confidence when the graph has no
	// evidence for the seeds.
	ColdStartConfidenceCap = 0.3

	// coOccurrenceShare is the part of a reinforcement that goes to
	// pattern-to-pattern edges.
	coOccurrenceShare = 0.5
)

// Ranked is one remedy recommended by the graph.
type Ranked struct {
	RemedyID       string
	Category       datatypes.Category
	Rationale      string
	PredictedDelta float64
	Score          float64
	Confidence     float64
	Distance       int
	Patterns       []string
}

// Ranking is the output of Rank.
type Ranking struct {
	Items           []Ranked
	LowConfidence   bool
	SnapshotVersion uint64
	Iterations      int
	Converged       bool
}

type options struct {
	decay     float64
	maturityK float64
	priors    bool
	pagerank  PageRankOptions
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures an Engine.
type Option func(*options)

// WithPathDecay sets the per-hop decay applied to stationary weight.
func WithPathDecay(d float64) Option {
	return func(o *options) { o.decay = d }
}

// WithMaturityK sets the evidence constant of the confidence ramp.
func WithMaturityK(k float64) Option {
	return func(o *options) { o.maturityK = k }
}

// WithCatalogPriors seeds the graph with the catalog's prior edges.
func WithCatalogPriors(enabled bool) Option {
	return func(o *options) { o.priors = enabled }
}

// WithPageRankOptions overrides the walk configuration.
func WithPageRankOptions(p PageRankOptions) Option {
	return func(o *options) { o.pagerank = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Engine owns the active snapshot.
//
// Thread Safety: Safe for concurrent use.
type Engine struct {
	active  atomic.Pointer[Snapshot]
	writeMu sync.Mutex
	catalog Catalog
	opts    options
}

// NewEngine builds an engine from a catalog.
func NewEngine(catalog Catalog, opts ...Option) *Engine {
	o := options{
		decay:     DefaultPathDecay,
		maturityK: DefaultMaturityK,
		pagerank:  *DefaultPageRankOptions(),
		logger:    slog.Default(),
		now:       time.Now,
	}
	for _, fn := range opts {
		fn(&o)
	}
	o.pagerank.Validate()
	if o.decay <= 0 || o.decay > 1 {
		o.decay = DefaultPathDecay
	}
	if o.maturityK <= 0 {
		o.maturityK = DefaultMaturityK
	}

	at := o.now()
	nodes := make(map[string]Node)
	for _, p := range catalog.Patterns {
		nodes[p] = Node{ID: p, Kind: KindPattern, LastTouched: at}
	}
	for _, r := range catalog.Remedies {
		r.Kind = KindRemedy
		r.LastTouched = at
		nodes[r.ID] = r
	}
	out := make(map[string]map[string]Edge)
	if o.priors {
		for _, e := range catalog.Priors {
			if _, ok := nodes[e.From]; !ok {
				continue
			}
			if _, ok := nodes[e.To]; !ok {
				continue
			}
			if out[e.From] == nil {
				out[e.From] = make(map[string]Edge)
			}
			e.LastTouched = at
			out[e.From][e.To] = e
		}
	}

	e := &Engine{catalog: catalog, opts: o}
	e.active.Store(newSnapshot(1, nodes, out, at))
	return e
}

// Catalog returns the catalog the engine was built from.
func (e *Engine) Catalog() Catalog { return e.catalog }

// Snapshot returns the active snapshot.
func (e *Engine) Snapshot() *Snapshot { return e.active.Load() }

// Rank returns remedies for the detected patterns.
//
// Description:
//
//	Runs personalized PageRank restarted at the known seed patterns. Every
//	remedy reachable from a seed scores its stationary weight times
//	decay^(hops-1). Confidence is the score relative to the best remedy,
//	scaled by how much evidence the seeds have (W/(W+K) for total seed
//	out-weight W).
//
//	If no seed has outgoing evidence the result is a uniform prior over
//	all remedies with confidence min(1/N, 0.3) and LowConfidence set.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	patterns - Detected pattern IDs. Unknown IDs are ignored.
//	limit - Maximum items returned; <= 0 means no limit.
//
// Outputs:
//
//	Ranking - Sorted by score descending, then remedy ID.
//	error - ctx.Err() if cancelled before the walk finished.
func (e *Engine) Rank(ctx context.Context, patterns []string, limit int) (Ranking, error) {
	s := e.Snapshot()
	ctx, span := tracer.Start(ctx, "patterngraph.Rank",
		trace.WithAttributes(
			attribute.Int64("snapshot.version", int64(s.Version())),
			attribute.Int("patterns", len(patterns)),
		),
	)
	defer span.End()

	var seeds []string
	for _, p := range patterns {
		if n, ok := s.Node(p); ok && n.Kind == KindPattern {
			seeds = append(seeds, p)
		}
	}
	sort.Strings(seeds)
	if len(seeds) == 0 {
		return Ranking{SnapshotVersion: s.Version(), Converged: true}, nil
	}

	evidence := 0.0
	for _, seed := range seeds {
		evidence += s.OutWeight(seed)
	}
	if evidence <= 0 {
		span.AddEvent("cold_start")
		return coldStart(s, seeds, limit), nil
	}

	pr := PersonalizedPageRank(ctx, s, seeds, &e.opts.pagerank)
	if err := ctx.Err(); err != nil {
		return Ranking{}, err
	}

	dist := distances(s, seeds)
	reachedBy := make(map[string][]string)
	for _, seed := range seeds {
		for id := range distances(s, []string{seed}) {
			reachedBy[id] = append(reachedBy[id], seed)
		}
	}

	var items []Ranked
	maxScore := 0.0
	for _, r := range s.Remedies() {
		d, ok := dist[r.ID]
		if !ok || d == 0 {
			continue
		}
		score := pr.Scores[r.ID] * math.Pow(e.opts.decay, float64(d-1))
		if score <= 0 {
			continue
		}
		if score > maxScore {
			maxScore = score
		}
		items = append(items, Ranked{
			RemedyID:       r.ID,
			Category:       r.Category,
			Rationale:      r.Rationale,
			PredictedDelta: r.PredictedDelta,
			Score:          score,
			Distance:       d,
			Patterns:       reachedBy[r.ID],
		})
	}

	maturity := evidence / (evidence + e.opts.maturityK)
	for i := range items {
		items[i].Confidence = clamp01(items[i].Score / maxScore * maturity)
	}
	sortRanked(items)
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}

	span.SetAttributes(attribute.Int("ranked", len(items)), attribute.Float64("maturity", maturity))
	return Ranking{
		Items:           items,
		SnapshotVersion: s.Version(),
		Iterations:      pr.Iterations,
		Converged:       pr.Converged,
	}, nil
}

func coldStart(s *Snapshot, seeds []string, limit int) Ranking {
	remedies := s.Remedies()
	if len(remedies) == 0 {
		return Ranking{LowConfidence: true, SnapshotVersion: s.Version(), Converged: true}
	}
	conf := math.Min(1/float64(len(remedies)), ColdStartConfidenceCap)
	items := make([]Ranked, 0, len(remedies))
	for _, r := range remedies {
		items = append(items, Ranked{
			RemedyID:       r.ID,
			Category:       r.Category,
			Rationale:      r.Rationale,
			PredictedDelta: r.PredictedDelta,
			Score:          1 / float64(len(remedies)),
			Confidence:     conf,
			Patterns:       append([]string(nil), seeds...),
		})
	}
	sortRanked(items)
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return Ranking{Items: items, LowConfidence: true, SnapshotVersion: s.Version(), Converged: true}
}

func sortRanked(items []Ranked) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		return items[i].RemedyID < items[j].RemedyID
	})
}

// =============================================================================
// Writes
// =============================================================================

// Reinforce records that a remedy was (or was not) useful for patterns.
//
// Description:
//
//	Adds delta to every pattern->remedy edge and half of a positive delta
//	to every pattern<->pattern co-occurrence edge. Weights never go below
//	zero and edges are never removed. Unknown patterns become new pattern
//	nodes.
//
// Inputs:
//
//	patterns - The patterns the recommendation was issued for.
//	remedyID - The remedy node. Must exist.
//	delta - Positive for acceptance, negative for rejection.
//
// Outputs:
//
//	error - ErrUnknownRemedy if remedyID is not a remedy node.
func (e *Engine) Reinforce(patterns []string, remedyID string, delta float64) error {
	if len(patterns) == 0 || delta == 0 || math.IsNaN(delta) {
		return nil
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	cur := e.Snapshot()
	if n, ok := cur.Node(remedyID); !ok || n.Kind != KindRemedy {
		return fmt.Errorf("%w: %s", ErrUnknownRemedy, remedyID)
	}

	at := e.opts.now()
	nodes, out := cur.clone()
	touch := func(id string) {
		n, ok := nodes[id]
		if !ok {
			n = Node{ID: id, Kind: KindPattern}
		}
		n.LastTouched = at
		nodes[id] = n
	}
	bump := func(from, to string, d float64) {
		if out[from] == nil {
			out[from] = make(map[string]Edge)
		}
		edge, ok := out[from][to]
		if !ok {
			edge = Edge{From: from, To: to}
		}
		edge.Weight = math.Max(0, edge.Weight+d)
		edge.LastTouched = at
		out[from][to] = edge
	}

	touch(remedyID)
	for _, p := range patterns {
		if n, ok := nodes[p]; ok && n.Kind == KindRemedy {
			continue
		}
		touch(p)
		bump(p, remedyID, delta)
	}
	if delta > 0 {
		for _, p := range patterns {
			for _, q := range patterns {
				if p != q {
					bump(p, q, delta*coOccurrenceShare)
				}
			}
		}
	}

	e.active.Store(newSnapshot(cur.Version()+1, nodes, out, at))
	return nil
}

// PruneStats summarizes a prune run.
type PruneStats struct {
	EdgesRemoved int    `json:"edges_removed"`
	NodesRemoved int    `json:"nodes_removed"`
	Version      uint64 `json:"version"`
}

// Prune removes weak edges and stale nodes.
//
// This is the offline maintenance step; it must not run while a serving
// pipeline depends on node identity. Edges with weight below minWeight are
// dropped. Pattern and remedy nodes that are not part of the catalog, have
// no remaining edges and were last touched before staleBefore are dropped.
func (e *Engine) Prune(minWeight float64, staleBefore time.Time) PruneStats {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	cur := e.Snapshot()
	nodes, out := cur.clone()
	var stats PruneStats

	for from, m := range out {
		for to, edge := range m {
			if edge.Weight < minWeight {
				delete(m, to)
				stats.EdgesRemoved++
			}
		}
		if len(m) == 0 {
			delete(out, from)
		}
	}

	inCatalog := make(map[string]bool)
	for _, p := range e.catalog.Patterns {
		inCatalog[p] = true
	}
	for _, r := range e.catalog.Remedies {
		inCatalog[r.ID] = true
	}
	linked := make(map[string]bool)
	for from, m := range out {
		linked[from] = true
		for to := range m {
			linked[to] = true
		}
	}
	for id, n := range nodes {
		if inCatalog[id] || linked[id] || !n.LastTouched.Before(staleBefore) {
			continue
		}
		delete(nodes, id)
		stats.NodesRemoved++
	}

	next := newSnapshot(cur.Version()+1, nodes, out, e.opts.now())
	e.active.Store(next)
	stats.Version = next.Version()

	e.opts.logger.Info("pattern graph pruned",
		slog.Int("edges_removed", stats.EdgesRemoved),
		slog.Int("nodes_removed", stats.NodesRemoved),
		slog.Uint64("version", stats.Version),
	)
	return stats
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(1, math.Max(0, v))
}
