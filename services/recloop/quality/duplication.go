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
	"hash/fnv"
	"sort"
	"strings"
)

// duplicationWindow is the number of consecutive significant lines that
// must repeat to count as duplicated.
const duplicationWindow = 4

// minSignificantChars excludes lines like "}" or "end" that repeat
// everywhere and carry no structure.
const minSignificantChars = 4

// duplicationRatio returns the share of code lines that belong to a
// repeated window of normalized lines.
func duplicationRatio(lines []string, codeRows map[int]bool, loc int) float64 {
	if loc == 0 {
		return 0
	}

	rows := make([]int, 0, len(codeRows))
	for r := range codeRows {
		if r < len(lines) {
			rows = append(rows, r)
		}
	}
	sort.Ints(rows)

	var sig []int
	var norm []string
	for _, r := range rows {
		n := normalizeLine(lines[r])
		if len(n) < minSignificantChars {
			continue
		}
		sig = append(sig, r)
		norm = append(norm, n)
	}
	if len(norm) < 2*duplicationWindow {
		return 0
	}

	hashes := make([]uint64, len(norm)-duplicationWindow+1)
	counts := make(map[uint64]int, len(hashes))
	for i := range hashes {
		h := fnv.New64a()
		for _, l := range norm[i : i+duplicationWindow] {
			h.Write([]byte(l))
			h.Write([]byte{'\n'})
		}
		hashes[i] = h.Sum64()
		counts[hashes[i]]++
	}

	dupRows := make(map[int]bool)
	for i, h := range hashes {
		if counts[h] < 2 {
			continue
		}
		for _, r := range sig[i : i+duplicationWindow] {
			dupRows[r] = true
		}
	}
	return clamp01(float64(len(dupRows)) / float64(loc))
}

func normalizeLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
