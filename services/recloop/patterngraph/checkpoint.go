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
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// CheckpointKey is the store key holding the graph snapshot.
const CheckpointKey = "graph/snapshot"

// KV is the subset of the store the checkpoint needs.
type KV interface {
	PutJSON(ctx context.Context, key string, v any) error
	GetJSON(ctx context.Context, key string, v any) error
}

type checkpointDoc struct {
	Version   uint64    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	Nodes     []Node    `json:"nodes"`
	Edges     []Edge    `json:"edges"`
}

// Checkpoint persists the active snapshot.
func (e *Engine) Checkpoint(ctx context.Context, kv KV) (uint64, error) {
	s := e.Snapshot()
	doc := checkpointDoc{
		Version:   s.Version(),
		CreatedAt: s.CreatedAt(),
		Nodes:     s.Nodes(),
		Edges:     s.Edges(),
	}
	if err := kv.PutJSON(ctx, CheckpointKey, doc); err != nil {
		return 0, fmt.Errorf("checkpoint pattern graph: %w", err)
	}
	return s.Version(), nil
}

// Load replaces the active snapshot with the checkpoint in kv.
//
// Returns found=false and no error when no checkpoint exists. Catalog
// nodes missing from the checkpoint are re-added so a catalog upgrade is
// not lost on restore.
func (e *Engine) Load(ctx context.Context, kv KV, notFound error) (found bool, err error) {
	var doc checkpointDoc
	if err := kv.GetJSON(ctx, CheckpointKey, &doc); err != nil {
		if notFound != nil && errors.Is(err, notFound) {
			return false, nil
		}
		return false, fmt.Errorf("load pattern graph: %w", err)
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	nodes := make(map[string]Node, len(doc.Nodes))
	for _, n := range doc.Nodes {
		nodes[n.ID] = n
	}
	for _, p := range e.catalog.Patterns {
		if _, ok := nodes[p]; !ok {
			nodes[p] = Node{ID: p, Kind: KindPattern, LastTouched: doc.CreatedAt}
		}
	}
	for _, r := range e.catalog.Remedies {
		if _, ok := nodes[r.ID]; !ok {
			r.Kind = KindRemedy
			r.LastTouched = doc.CreatedAt
			nodes[r.ID] = r
		}
	}
	out := make(map[string]map[string]Edge)
	for _, edge := range doc.Edges {
		if _, ok := nodes[edge.From]; !ok {
			continue
		}
		if _, ok := nodes[edge.To]; !ok {
			continue
		}
		if out[edge.From] == nil {
			out[edge.From] = make(map[string]Edge)
		}
		out[edge.From][edge.To] = edge
	}

	version := doc.Version
	if cur := e.Snapshot(); cur.Version() >= version {
		version = cur.Version() + 1
	}
	e.active.Store(newSnapshot(version, nodes, out, doc.CreatedAt))
	return true, nil
}

// RunCheckpoints persists the snapshot every interval until ctx is done,
// skipping intervals with no writes. A final checkpoint is taken on exit.
func (e *Engine) RunCheckpoints(ctx context.Context, kv KV, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last uint64
	save := func(c context.Context) {
		if e.Snapshot().Version() == last {
			return
		}
		v, err := e.Checkpoint(c, kv)
		if err != nil {
			e.opts.logger.Warn("pattern graph checkpoint failed", slog.String("error", err.Error()))
			return
		}
		last = v
	}
	for {
		select {
		case <-ctx.Done():
			finalCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			save(finalCtx)
			cancel()
			return
		case <-ticker.C:
			save(ctx)
		}
	}
}
