// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.
package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianMLOps/services/recloop"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/datatypes"
)

func execute(t *testing.T, stdin string, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		analyzeJSON, analyzeLanguage, analyzeUseStore = false, "", false
	})
	require.NoError(t, rootCmd.Execute())
	return out.String()
}

const sample = `package sample

func Classify(n int) string {
	if n < 0 {
		return "negative"
	}
	if n == 0 {
		return "zero"
	}
	return "positive"
}
`

func TestVersion(t *testing.T) {
	out := execute(t, "", "version")
	assert.Contains(t, out, "aleutian-mlops dev")
	assert.Contains(t, out, recloop.ServiceVersion)
}

func TestAnalyze_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.go")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	out := execute(t, "", "analyze", path, "--json", "--log-level", "error")

	var set datatypes.RecommendationSet
	require.NoError(t, json.Unmarshal([]byte(out), &set))
	assert.Equal(t, datatypes.StatusOK, set.Status)
	require.NotNil(t, set.Metrics)
	assert.Equal(t, 3, set.Metrics.CyclomaticComplexity)
}

func TestAnalyze_UnknownExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	rootCmd.SetArgs([]string{"analyze", path})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := rootCmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--language")
}

func TestAnalyzeDiff_Stdin(t *testing.T) {
	patch := "diff --git a/x/new.go b/x/new.go\n" +
		"new file mode 100644\n" +
		"--- /dev/null\n" +
		"+++ b/x/new.go\n" +
		"@@ -0,0 +1,3 @@\n" +
		"+package x\n" +
		"+\n" +
		"+func One() int { return 1 }\n"

	out := execute(t, patch, "analyze-diff", "-", "--json", "--log-level", "error")

	var res recloop.DiffResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Len(t, res.Sets, 1)
	assert.Equal(t, datatypes.StatusOK, res.Sets[0].Status)
}
