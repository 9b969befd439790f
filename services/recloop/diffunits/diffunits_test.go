// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package diffunits

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const newFilePatch = `diff --git a/pkg/add.go b/pkg/add.go
new file mode 100644
--- /dev/null
+++ b/pkg/add.go
@@ -0,0 +1,5 @@
+package pkg
+
+func Add(a, b int) int {
+	return a + b
+}
diff --git a/README.md b/README.md
--- a/README.md
+++ b/README.md
@@ -1 +1 @@
-old
+new
`

const modifyPatch = "--- a/main.py\n" +
	"+++ b/main.py\n" +
	"@@ -1,3 +1,3 @@\n" +
	" def f(x):\n" +
	"-    return x\n" +
	"+    return x * 2\n" +
	" \n"

func TestUnits_NewFileAndSkipped(t *testing.T) {
	units, skipped, err := Units(newFilePatch, nil)
	require.NoError(t, err)
	require.Len(t, units, 1)

	u := units[0]
	assert.Equal(t, "pkg/add.go", u.ID)
	assert.Equal(t, "go", u.Language)
	assert.Equal(t, "package pkg\n\nfunc Add(a, b int) int {\n\treturn a + b\n}", u.Source)

	require.Len(t, skipped, 1)
	assert.Equal(t, "README.md", skipped[0].Path)
}

func TestUnits_AppliesHunksToOriginal(t *testing.T) {
	orig := "def f(x):\n    return x\n\nprint(f(2))\n"
	units, _, err := Units(modifyPatch, func(path string) ([]byte, error) {
		assert.Equal(t, "main.py", path)
		return []byte(orig), nil
	})
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, "def f(x):\n    return x * 2\n\nprint(f(2))\n", units[0].Source)
}

func TestUnits_FallsBackToPostImage(t *testing.T) {
	units, _, err := Units(modifyPatch, func(string) ([]byte, error) {
		return nil, errors.New("not checked out")
	})
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Contains(t, units[0].Source, "return x * 2")
	assert.NotContains(t, units[0].Source, "return x\n")
}

func TestUnits_Empty(t *testing.T) {
	_, _, err := Units("", nil)
	assert.ErrorIs(t, err, ErrEmptyDiff)
}
