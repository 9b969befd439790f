// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package drift

import (
	"math"
	"math/rand"
)

const eulerGamma = 0.5772156649

// isoNode is a node of an isolation tree. Leaves have left == nil.
type isoNode struct {
	feature     int
	split       float64
	left, right *isoNode
	size        int
}

// isolationForest scores points by how quickly random axis-aligned splits
// isolate them. Built once from the baseline and read-only afterwards.
type isolationForest struct {
	trees   []*isoNode
	subsize int
}

// buildForest grows trees over points (rows of equal length) using rng.
func buildForest(points [][]float64, trees, subsample int, rng *rand.Rand) *isolationForest {
	if subsample > len(points) {
		subsample = len(points)
	}
	maxDepth := int(math.Ceil(math.Log2(float64(max(subsample, 2)))))
	f := &isolationForest{trees: make([]*isoNode, 0, trees), subsize: subsample}
	idx := make([]int, len(points))
	for i := range idx {
		idx[i] = i
	}
	for t := 0; t < trees; t++ {
		rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
		sample := make([][]float64, subsample)
		for i := 0; i < subsample; i++ {
			sample[i] = points[idx[i]]
		}
		f.trees = append(f.trees, growTree(sample, 0, maxDepth, rng))
	}
	return f
}

func growTree(points [][]float64, depth, maxDepth int, rng *rand.Rand) *isoNode {
	if depth >= maxDepth || len(points) <= 1 {
		return &isoNode{size: len(points)}
	}
	dims := len(points[0])
	// Try each feature in random order until one has spread.
	for _, feat := range rng.Perm(dims) {
		lo, hi := points[0][feat], points[0][feat]
		for _, p := range points[1:] {
			lo = math.Min(lo, p[feat])
			hi = math.Max(hi, p[feat])
		}
		if hi <= lo {
			continue
		}
		split := lo + rng.Float64()*(hi-lo)
		var left, right [][]float64
		for _, p := range points {
			if p[feat] < split {
				left = append(left, p)
			} else {
				right = append(right, p)
			}
		}
		return &isoNode{
			feature: feat,
			split:   split,
			left:    growTree(left, depth+1, maxDepth, rng),
			right:   growTree(right, depth+1, maxDepth, rng),
			size:    len(points),
		}
	}
	return &isoNode{size: len(points)}
}

func pathLength(n *isoNode, x []float64, depth float64) float64 {
	for n.left != nil {
		if x[n.feature] < n.split {
			n = n.left
		} else {
			n = n.right
		}
		depth++
	}
	return depth + avgPath(n.size)
}

// avgPath is the expected path length of an unsuccessful BST search over
// n points.
func avgPath(n int) float64 {
	if n <= 1 {
		return 0
	}
	if n == 2 {
		return 1
	}
	fn := float64(n)
	return 2*(math.Log(fn-1)+eulerGamma) - 2*(fn-1)/fn
}

// score returns the anomaly score of x in (0,1]. Values near 1 are
// anomalous; values well below 0.5 are normal.
func (f *isolationForest) score(x []float64) float64 {
	if len(f.trees) == 0 {
		return 0
	}
	var total float64
	for _, t := range f.trees {
		total += pathLength(t, x, 0)
	}
	mean := total / float64(len(f.trees))
	c := avgPath(f.subsize)
	if c == 0 {
		return 0
	}
	return math.Pow(2, -mean/c)
}

// outlierRate returns the share of points scoring above threshold.
func (f *isolationForest) outlierRate(points [][]float64, threshold float64) float64 {
	if len(points) == 0 {
		return 0
	}
	var n int
	for _, p := range points {
		if f.score(p) > threshold {
			n++
		}
	}
	return float64(n) / float64(len(points))
}
