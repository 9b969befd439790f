// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package diffunits turns a unified diff into code units for analysis.
package diffunits

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/AleutianAI/AleutianMLOps/services/recloop/datatypes"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/quality"
)

// ErrEmptyDiff is returned when the patch contains no file changes.
var ErrEmptyDiff = errors.New("diff contains no file changes")

// OriginalSource returns the pre-image of path, or an error if unavailable.
type OriginalSource func(path string) ([]byte, error)

// Skipped describes a file in the diff that produced no unit.
type Skipped struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Units parses patch and returns one CodeUnit per changed file.
//
// Description:
//
//	New files become units of their added lines. Modified files are
//	rebuilt by applying the hunks to the original when original is non-nil
//	and can supply the pre-image; otherwise the unit is the post-image of
//	the hunks alone, which may not parse on its own. Deleted files and
//	files in unsupported languages are skipped.
//
// Inputs:
//
//	patch - Unified diff text, single or multi-file.
//	original - Optional pre-image resolver.
//
// Outputs:
//
//	[]datatypes.CodeUnit - Units in diff order.
//	[]Skipped - Files that produced no unit.
//	error - Non-nil if the diff does not parse or is empty.
func Units(patch string, original OriginalSource) ([]datatypes.CodeUnit, []Skipped, error) {
	files, err := diff.NewMultiFileDiffReader(strings.NewReader(patch)).ReadAllFiles()
	if err != nil {
		return nil, nil, fmt.Errorf("parse diff: %w", err)
	}
	if len(files) == 0 {
		return nil, nil, ErrEmptyDiff
	}

	now := time.Now().UTC()
	var units []datatypes.CodeUnit
	var skipped []Skipped
	for _, fd := range files {
		path := cleanName(fd.NewName)
		if fd.NewName == "/dev/null" {
			skipped = append(skipped, Skipped{Path: cleanName(fd.OrigName), Reason: "deleted"})
			continue
		}
		lang := quality.LanguageFromPath(path)
		if lang == "" {
			skipped = append(skipped, Skipped{Path: path, Reason: "unsupported language"})
			continue
		}

		var src string
		if fd.OrigName != "/dev/null" && original != nil {
			if pre, err := original(cleanName(fd.OrigName)); err == nil {
				src = applyHunks(string(pre), fd.Hunks)
			}
		}
		if src == "" {
			src = postImage(fd.Hunks)
		}
		if strings.TrimSpace(src) == "" {
			skipped = append(skipped, Skipped{Path: path, Reason: "no added content"})
			continue
		}

		units = append(units, datatypes.CodeUnit{
			ID:         path,
			Path:       path,
			Source:     src,
			Language:   lang,
			Lines:      strings.Count(src, "\n") + 1,
			ModifiedAt: now,
		})
	}
	return units, skipped, nil
}

func cleanName(name string) string {
	for _, p := range []string{"a/", "b/"} {
		if strings.HasPrefix(name, p) {
			return name[len(p):]
		}
	}
	return name
}

func hunkLines(h *diff.Hunk) []string {
	return strings.Split(strings.TrimSuffix(string(h.Body), "\n"), "\n")
}

// postImage concatenates the context and added lines of every hunk.
func postImage(hunks []*diff.Hunk) string {
	var out []string
	for _, h := range hunks {
		for _, line := range hunkLines(h) {
			switch {
			case strings.HasPrefix(line, "+"):
				out = append(out, line[1:])
			case strings.HasPrefix(line, " "):
				out = append(out, line[1:])
			case line == "":
				out = append(out, "")
			}
		}
	}
	return strings.Join(out, "\n")
}

// applyHunks rebuilds the post-image of a modified file.
func applyHunks(original string, hunks []*diff.Hunk) string {
	orig := strings.Split(original, "\n")
	out := make([]string, 0, len(orig))
	idx := 0
	for _, h := range hunks {
		start := int(h.OrigStartLine) - 1
		for idx < start && idx < len(orig) {
			out = append(out, orig[idx])
			idx++
		}
		for _, line := range hunkLines(h) {
			switch {
			case strings.HasPrefix(line, "+"):
				out = append(out, line[1:])
			case strings.HasPrefix(line, "-"):
				idx++
			case strings.HasPrefix(line, "\\"):
				// "\ No newline at end of file"
			default:
				if idx < len(orig) {
					out = append(out, orig[idx])
					idx++
				}
			}
		}
	}
	out = append(out, orig[min(idx, len(orig)):]...)
	return strings.Join(out, "\n")
}
