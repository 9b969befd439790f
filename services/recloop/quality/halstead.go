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

import (
	"math"

	"github.com/AleutianAI/AleutianMLOps/services/recloop/datatypes"
)

// halsteadCounter accumulates distinct and total operator/operand counts.
type halsteadCounter struct {
	operators map[string]int
	operands  map[string]int
	n1Total   int
	n2Total   int
}

func newHalsteadCounter() *halsteadCounter {
	return &halsteadCounter{
		operators: make(map[string]int),
		operands:  make(map[string]int),
	}
}

func (h *halsteadCounter) operator(tok string) {
	h.operators[tok]++
	h.n1Total++
}

func (h *halsteadCounter) operand(tok string) {
	h.operands[tok]++
	h.n2Total++
}

// measures returns volume, difficulty and effort.
//
//	V = N log2(n)   D = (n1/2)(N2/n2)   E = D V
func (h *halsteadCounter) measures() datatypes.Halstead {
	return HalsteadMeasures(len(h.operators), len(h.operands), h.n1Total, h.n2Total)
}

// HalsteadMeasures derives the Halstead triple from distinct operator and
// operand counts (n1, n2) and their totals (N1, N2).
func HalsteadMeasures(n1, n2, N1, N2 int) datatypes.Halstead {
	vocab := n1 + n2
	length := N1 + N2
	if vocab == 0 || length == 0 {
		return datatypes.Halstead{}
	}
	volume := float64(length) * math.Log2(float64(vocab))
	difficulty := 0.0
	if n2 > 0 {
		difficulty = (float64(n1) / 2) * (float64(N2) / float64(n2))
	}
	return datatypes.Halstead{
		Difficulty: difficulty,
		Effort:     difficulty * volume,
		Volume:     volume,
	}
}
