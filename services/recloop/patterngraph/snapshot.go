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
	"sort"
	"time"

	"github.com/AleutianAI/AleutianMLOps/services/recloop/datatypes"
)

// NodeKind distinguishes detected patterns from the remedies they lead to.
type NodeKind string

const (
	KindPattern NodeKind = "pattern"
	KindRemedy  NodeKind = "remedy"
)

// Node is a vertex of the pattern graph.
type Node struct {
	ID             string             `json:"id"`
	Kind           NodeKind           `json:"kind"`
	Category       datatypes.Category `json:"category,omitempty"`
	Rationale      string             `json:"rationale,omitempty"`
	PredictedDelta float64            `json:"predicted_delta,omitempty"`
	LastTouched    time.Time          `json:"last_touched"`
}

// Edge is a weighted directed relation "From historically leads to To".
type Edge struct {
	From        string    `json:"from"`
	To          string    `json:"to"`
	Weight      float64   `json:"weight"`
	LastTouched time.Time `json:"last_touched"`
}

// Snapshot is an immutable view of the graph.
//
// Readers traverse a snapshot without locks. Writers never mutate a
// published snapshot; they clone it, change the clone and publish the
// clone.
type Snapshot struct {
	version   uint64
	createdAt time.Time
	nodes     map[string]Node
	out       map[string]map[string]Edge
	ids       []string // sorted node IDs
}

func newSnapshot(version uint64, nodes map[string]Node, out map[string]map[string]Edge, at time.Time) *Snapshot {
	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return &Snapshot{version: version, createdAt: at, nodes: nodes, out: out, ids: ids}
}

// Version increases with every published write.
func (s *Snapshot) Version() uint64 { return s.version }

// CreatedAt is when the snapshot was published.
func (s *Snapshot) CreatedAt() time.Time { return s.createdAt }

// NodeCount returns the number of nodes.
func (s *Snapshot) NodeCount() int { return len(s.nodes) }

// EdgeCount returns the number of edges.
func (s *Snapshot) EdgeCount() int {
	n := 0
	for _, m := range s.out {
		n += len(m)
	}
	return n
}

// Node looks up a node by ID.
func (s *Snapshot) Node(id string) (Node, bool) {
	n, ok := s.nodes[id]
	return n, ok
}

// NodeIDs returns all node IDs in sorted order. The slice must not be
// modified.
func (s *Snapshot) NodeIDs() []string { return s.ids }

// Nodes returns all nodes sorted by ID.
func (s *Snapshot) Nodes() []Node {
	out := make([]Node, 0, len(s.ids))
	for _, id := range s.ids {
		out = append(out, s.nodes[id])
	}
	return out
}

// Remedies returns remedy nodes sorted by ID.
func (s *Snapshot) Remedies() []Node {
	var out []Node
	for _, id := range s.ids {
		if n := s.nodes[id]; n.Kind == KindRemedy {
			out = append(out, n)
		}
	}
	return out
}

// Edges returns all edges sorted by (From, To).
func (s *Snapshot) Edges() []Edge {
	var out []Edge
	for _, from := range s.ids {
		out = append(out, s.Outgoing(from)...)
	}
	return out
}

// Outgoing returns the edges leaving id, sorted by target.
func (s *Snapshot) Outgoing(id string) []Edge {
	m := s.out[id]
	if len(m) == 0 {
		return nil
	}
	out := make([]Edge, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].To < out[j].To })
	return out
}

// OutWeight returns the total positive weight leaving id.
func (s *Snapshot) OutWeight(id string) float64 {
	w := 0.0
	for _, e := range s.Outgoing(id) {
		if e.Weight > 0 {
			w += e.Weight
		}
	}
	return w
}

// clone returns a deep copy that is safe to modify.
func (s *Snapshot) clone() (map[string]Node, map[string]map[string]Edge) {
	nodes := make(map[string]Node, len(s.nodes))
	for id, n := range s.nodes {
		nodes[id] = n
	}
	out := make(map[string]map[string]Edge, len(s.out))
	for from, m := range s.out {
		cp := make(map[string]Edge, len(m))
		for to, e := range m {
			cp[to] = e
		}
		out[from] = cp
	}
	return nodes, out
}
