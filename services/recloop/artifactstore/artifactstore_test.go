// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package artifactstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianMLOps/services/recloop/datatypes"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/store"
)

func testArtifact() datatypes.ModelArtifact {
	t0 := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	return datatypes.ModelArtifact{
		Name:    "acceptance",
		Version: "v1.3.0",
		Window:  datatypes.TimeWindow{Start: t0, End: t0.Add(24 * time.Hour)},
		Metrics: datatypes.EvalMetrics{Accuracy: 0.8, Precision: 0.7, Recall: 0.9, F1: 0.79},
		Status:  datatypes.ArtifactCandidate,
		Parameters: map[string]float64{
			"acceptance.security":    0.9,
			"acceptance.performance": 0.6,
		},
		TrainingExamples: 120,
	}
}

func TestPackage_DeterministicDigest(t *testing.T) {
	a := testArtifact()
	data1, d1, err := Package(a)
	require.NoError(t, err)
	data2, d2, err := Package(a)
	require.NoError(t, err)

	assert.Equal(t, data1, data2)
	assert.Equal(t, d1, d2)
	assert.Contains(t, d1, "sha256:")

	a.Parameters["acceptance.security"] = 0.1
	_, d3, err := Package(a)
	require.NoError(t, err)
	assert.NotEqual(t, d1, d3)
}

func TestStore_SaveFetchBadger(t *testing.T) {
	db, err := store.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	s, err := Open(context.Background(), Config{Kind: KindBadger}, db)
	require.NoError(t, err)

	saved, err := s.Save(context.Background(), testArtifact())
	require.NoError(t, err)
	assert.NotEmpty(t, saved.Digest)
	assert.Equal(t, "models/acceptance/v1.3.0.json", saved.BlobKey)

	stub := saved
	stub.Parameters = nil
	got, err := s.Fetch(context.Background(), stub)
	require.NoError(t, err)
	assert.Equal(t, testArtifact().Parameters, got.Parameters)
	assert.Equal(t, 120, got.TrainingExamples)
}

func TestStore_FetchDetectsTampering(t *testing.T) {
	db, err := store.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()
	blobs := NewBadgerBlobs(db)
	s := New(blobs)

	saved, err := s.Save(context.Background(), testArtifact())
	require.NoError(t, err)
	require.NoError(t, blobs.Put(context.Background(), saved.BlobKey, []byte(`{"parameters":{}}`)))

	_, err = s.Fetch(context.Background(), saved)
	assert.ErrorIs(t, err, ErrDigestMismatch)
}

func TestStore_FetchMissing(t *testing.T) {
	db, err := store.OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	_, err = New(NewBadgerBlobs(db)).Fetch(context.Background(), testArtifact())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOpen_Validation(t *testing.T) {
	_, err := Open(context.Background(), Config{Kind: "ftp"}, nil)
	assert.Error(t, err)

	_, err = Open(context.Background(), Config{Kind: KindBadger}, nil)
	assert.Error(t, err)

	_, err = Open(context.Background(), Config{Kind: KindS3, S3: S3Config{Endpoint: "localhost:9000"}}, nil)
	assert.Error(t, err, "missing credentials")

	_, err = Open(context.Background(), Config{Kind: KindGCS}, nil)
	assert.Error(t, err, "missing bucket")
}
