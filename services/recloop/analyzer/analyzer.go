// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package analyzer scores code units through a pluggable backend and
// caches the results.
//
// # Description
//
// The Analyzer depends only on the Scorer contract. The active scorer sits
// behind an atomic pointer so it can be swapped on promotion while analysis
// calls are in flight; every swap purges the cache. Results are cached by
// content hash and scorer version with a bounded TTL, and concurrent
// identical requests share one computation.
//
// # Thread Safety
//
// Analyzer is safe for concurrent use.
package analyzer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianMLOps/services/recloop/datatypes"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/telemetry"
)

var tracer = otel.Tracer("aleutian.mlops.analyzer")

// Defaults for the result cache.
const (
	DefaultCacheSize = 4096
	DefaultCacheTTL  = 10 * time.Minute
)

// Result is the output of one analysis.
type Result struct {
	QualityScore  float64
	Candidates    []Candidate
	ScorerVersion string
	Cached        bool
}

func (r Result) clone() Result {
	out := r
	out.Candidates = append([]Candidate(nil), r.Candidates...)
	return out
}

// CacheStats reports cache effectiveness.
type CacheStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
	Size   int   `json:"size"`
}

type config struct {
	size   int
	ttl    time.Duration
	logger *slog.Logger
}

// Option configures an Analyzer.
type Option func(*config)

// WithCacheSize bounds the number of cached results.
func WithCacheSize(n int) Option {
	return func(c *config) { c.size = n }
}

// WithCacheTTL bounds how long a result is served from cache.
func WithCacheTTL(d time.Duration) Option {
	return func(c *config) { c.ttl = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

type scorerHolder struct {
	scorer Scorer
}

// Analyzer wraps a Scorer with caching and request coalescing.
type Analyzer struct {
	active atomic.Pointer[scorerHolder]
	cache  *expirable.LRU[string, Result]
	group  singleflight.Group
	logger *slog.Logger

	hits   atomic.Int64
	misses atomic.Int64
}

// New creates an Analyzer.
//
// Inputs:
//
//	scorer - Initial backend. Must not be nil.
//	opts - Cache size, TTL and logger.
//
// Outputs:
//
//	*Analyzer - Ready for use.
func New(scorer Scorer, opts ...Option) *Analyzer {
	cfg := config{size: DefaultCacheSize, ttl: DefaultCacheTTL, logger: slog.Default()}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.size <= 0 {
		cfg.size = DefaultCacheSize
	}
	if cfg.ttl <= 0 {
		cfg.ttl = DefaultCacheTTL
	}
	a := &Analyzer{
		cache:  expirable.NewLRU[string, Result](cfg.size, nil, cfg.ttl),
		logger: cfg.logger,
	}
	a.active.Store(&scorerHolder{scorer: scorer})
	return a
}

// Scorer returns the active backend.
func (a *Analyzer) Scorer() Scorer {
	return a.active.Load().scorer
}

// SetScorer swaps the active backend and purges the cache.
func (a *Analyzer) SetScorer(s Scorer) {
	prev := a.active.Swap(&scorerHolder{scorer: s})
	a.Invalidate()
	a.logger.Info("analyzer scorer swapped",
		slog.String("previous_version", prev.scorer.Version()),
		slog.String("scorer_version", s.Version()),
	)
}

// Invalidate purges every cached result.
func (a *Analyzer) Invalidate() {
	a.cache.Purge()
}

// Stats returns cache counters.
func (a *Analyzer) Stats() CacheStats {
	return CacheStats{Hits: a.hits.Load(), Misses: a.misses.Load(), Size: a.cache.Len()}
}

// Analyze scores a unit.
//
// Description:
//
//	Looks up the cache by content hash, scorer version and context
//	fingerprint. On a miss the scorer runs once per key even under
//	concurrent identical requests.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	unit - The analyzed unit (only its content hash is used).
//	m - The unit's metrics snapshot.
//	actx - Per-request hints.
//
// Outputs:
//
//	Result - Score and candidates. Cached reports a cache hit.
//	error - Non-nil if the scorer fails.
func (a *Analyzer) Analyze(ctx context.Context, unit datatypes.CodeUnit, m *datatypes.QualityMetrics, actx AnalysisContext) (Result, error) {
	scorer := resolve(a.Scorer(), m)
	key := cacheKey(unit, scorer.Version(), actx)

	ctx, span := tracer.Start(ctx, "analyzer.Analyze",
		trace.WithAttributes(
			attribute.String("unit.id", unit.ID),
			attribute.String("scorer.version", scorer.Version()),
		),
	)
	defer span.End()

	if r, ok := a.cache.Get(key); ok {
		a.hits.Add(1)
		span.SetAttributes(attribute.Bool("cache.hit", true))
		out := r.clone()
		out.Cached = true
		return out, nil
	}
	a.misses.Add(1)

	v, err, _ := a.group.Do(key, func() (interface{}, error) {
		score, cands, err := scorer.Score(ctx, m, actx)
		if err != nil {
			return nil, err
		}
		r := Result{QualityScore: score, Candidates: cands, ScorerVersion: scorer.Version()}
		// A swap during scoring would otherwise repopulate a purged cache
		// with a stale version.
		if resolve(a.Scorer(), m).Version() == r.ScorerVersion {
			a.cache.Add(key, r)
		}
		return r, nil
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return Result{}, fmt.Errorf("score unit %s: %w", unit.ID, err)
	}
	return v.(Result).clone(), nil
}

func cacheKey(unit datatypes.CodeUnit, version string, actx AnalysisContext) string {
	h := sha256.New()
	h.Write([]byte(actx.ProjectID))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatFloat(actx.ReviewerExperience, 'g', -1, 64)))
	if unit.CoverageHint != nil {
		h.Write([]byte(strconv.FormatFloat(*unit.CoverageHint, 'g', -1, 64)))
	}
	for _, p := range actx.Prior {
		h.Write([]byte{0})
		h.Write([]byte(string(p.Category) + "|" + p.PatternID))
	}
	return unit.ContentHash() + "|" + version + "|" + hex.EncodeToString(h.Sum(nil)[:8])
}
