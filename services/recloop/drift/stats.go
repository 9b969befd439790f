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
	"sort"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

const (
	psiBins    = 10
	psiEpsilon = 1e-4

	// psiScale maps PSI onto [0,1]. PSI above 0.25 is a significant shift
	// by convention, so 0.5 saturates.
	psiScale = 0.5

	// psiNoiseQuantile bounds the PSI an unshifted pair of samples reaches.
	psiNoiseQuantile = 0.999

	// psiPseudoCount is added to every bin count before PSI is computed.
	psiPseudoCount = 0.5

	// ksAlpha001 is the two-sample KS critical coefficient at alpha 0.01.
	ksAlpha001 = 1.628
)

// quantileEdges returns the interior bin edges of sorted, deduplicated.
func quantileEdges(sorted []float64, bins int) []float64 {
	edges := make([]float64, 0, bins-1)
	for i := 1; i < bins; i++ {
		q := stat.Quantile(float64(i)/float64(bins), stat.Empirical, sorted, nil)
		if len(edges) == 0 || q > edges[len(edges)-1] {
			edges = append(edges, q)
		}
	}
	return edges
}

// binShares returns the fraction of values in each bin (len(edges)+1 bins).
// A value equal to an edge falls in the lower bin.
func binShares(values, edges []float64) []float64 {
	counts := make([]float64, len(edges)+1)
	for _, v := range values {
		counts[sort.SearchFloat64s(edges, v)]++
	}
	n := float64(len(values))
	for i := range counts {
		counts[i] /= n
	}
	return counts
}

// psi is the population stability index of window against baseline shares.
func psi(base, window []float64) float64 {
	var total float64
	for i := range base {
		b := base[i] + psiEpsilon
		w := window[i] + psiEpsilon
		total += (w - b) * math.Log(w/b)
	}
	return total
}

// psiShift is the PSI of a window of m values against a baseline of n
// values, net of sampling noise.
//
// Description:
//
//	Bin counts are smoothed with a pseudo-count so an empty bin in a small
//	window does not dominate. Without a shift, PSI·nm/(n+m) is close to
//	chi-square with bins-1 degrees of freedom, so the 0.999 quantile of
//	that distribution scaled by (1/n + 1/m) is subtracted. A window of 30
//	values must then move much further than a window of 200 to count.
func psiShift(base []float64, n int, window []float64, m int) float64 {
	k := len(base)
	if k < 2 || n == 0 || m == 0 {
		return 0
	}
	raw := psi(smoothShares(base, n), smoothShares(window, m))
	noise := distuv.ChiSquared{K: float64(k - 1)}.Quantile(psiNoiseQuantile) *
		(1/float64(n) + 1/float64(m))
	return math.Max(0, raw-noise)
}

func smoothShares(shares []float64, n int) []float64 {
	total := float64(n) + psiPseudoCount*float64(len(shares))
	out := make([]float64, len(shares))
	for i, s := range shares {
		out[i] = (s*float64(n) + psiPseudoCount) / total
	}
	return out
}

// ksScore normalizes the two-sample KS distance by twice the alpha 0.01
// critical value so that a distance at the critical value scores 0.5.
func ksScore(sortedBase, sortedWindow []float64) float64 {
	n, m := float64(len(sortedBase)), float64(len(sortedWindow))
	if n == 0 || m == 0 {
		return 0
	}
	d := stat.KolmogorovSmirnov(sortedBase, nil, sortedWindow, nil)
	crit := ksAlpha001 * math.Sqrt((n+m)/(n*m))
	return clamp01(d / (2 * crit))
}

func sortedCopy(v []float64) []float64 {
	out := make([]float64, len(v))
	copy(out, v)
	sort.Float64s(out)
	return out
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(1, math.Max(0, v))
}
