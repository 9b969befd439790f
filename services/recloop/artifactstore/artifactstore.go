// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package artifactstore keeps serialized model artifacts in a blob
// backend and verifies their digest on read.
package artifactstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianMLOps/services/recloop/datatypes"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/store"
)

var (
	// ErrNotFound is returned when a blob does not exist.
	ErrNotFound = errors.New("artifact blob not found")

	// ErrDigestMismatch is returned when a fetched blob's digest differs
	// from the artifact record.
	ErrDigestMismatch = errors.New("artifact digest mismatch")
)

// BlobStore is a flat key/value blob backend.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// Store packages and stores artifacts.
type Store struct {
	blobs BlobStore
}

// New wraps a backend.
func New(blobs BlobStore) *Store {
	return &Store{blobs: blobs}
}

// payload is the canonical blob content. Digest and BlobKey are excluded
// so the digest is a function of the model alone.
type payload struct {
	Name             string                `json:"name"`
	Version          string                `json:"version"`
	Window           datatypes.TimeWindow  `json:"window"`
	Metrics          datatypes.EvalMetrics `json:"metrics"`
	Parameters       map[string]float64    `json:"parameters"`
	TrainingExamples int                   `json:"training_examples"`
}

// Package serializes the model part of an artifact.
//
// encoding/json writes map keys in sorted order, so equal artifacts
// produce equal bytes and digests.
func Package(a datatypes.ModelArtifact) (data []byte, digest string, err error) {
	data, err = json.Marshal(payload{
		Name:             a.Name,
		Version:          a.Version,
		Window:           a.Window,
		Metrics:          a.Metrics,
		Parameters:       a.Parameters,
		TrainingExamples: a.TrainingExamples,
	})
	if err != nil {
		return nil, "", fmt.Errorf("package %s: %w", a.Ref(), err)
	}
	sum := sha256.Sum256(data)
	return data, "sha256:" + hex.EncodeToString(sum[:]), nil
}

// BlobKey returns the object key for an artifact.
func BlobKey(a datatypes.ModelArtifact) string {
	return "models/" + strings.ReplaceAll(a.Name, "/", "_") + "/" + a.Version + ".json"
}

// Save writes the artifact blob and returns the artifact with Digest and
// BlobKey set.
func (s *Store) Save(ctx context.Context, a datatypes.ModelArtifact) (datatypes.ModelArtifact, error) {
	data, digest, err := Package(a)
	if err != nil {
		return a, err
	}
	key := BlobKey(a)
	if err := s.blobs.Put(ctx, key, data); err != nil {
		return a, fmt.Errorf("store artifact %s: %w", a.Ref(), err)
	}
	out := a.WithStatus(a.Status)
	out.Digest = digest
	out.BlobKey = key
	return out, nil
}

// Fetch loads the parameters of a stored artifact and checks its digest.
func (s *Store) Fetch(ctx context.Context, a datatypes.ModelArtifact) (datatypes.ModelArtifact, error) {
	key := a.BlobKey
	if key == "" {
		key = BlobKey(a)
	}
	data, err := s.blobs.Get(ctx, key)
	if err != nil {
		return a, fmt.Errorf("fetch artifact %s: %w", a.Ref(), err)
	}
	if a.Digest != "" {
		sum := sha256.Sum256(data)
		if got := "sha256:" + hex.EncodeToString(sum[:]); got != a.Digest {
			return a, fmt.Errorf("%w: %s has %s, want %s", ErrDigestMismatch, a.Ref(), got, a.Digest)
		}
	}
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return a, fmt.Errorf("decode artifact %s: %w", a.Ref(), err)
	}
	out := a.WithStatus(a.Status)
	out.Parameters = p.Parameters
	out.Metrics = p.Metrics
	out.Window = p.Window
	out.TrainingExamples = p.TrainingExamples
	out.BlobKey = key
	return out, nil
}

// Backend kinds.
const (
	KindBadger = "badger"
	KindS3     = "s3"
	KindGCS    = "gcs"
)

// Config selects and configures the blob backend.
type Config struct {
	Kind string    `yaml:"kind" json:"kind" validate:"omitempty,oneof=badger s3 gcs"`
	S3   S3Config  `yaml:"s3" json:"s3"`
	GCS  GCSConfig `yaml:"gcs" json:"gcs"`
}

// Open builds the configured backend. The badger backend uses db.
func Open(ctx context.Context, cfg Config, db *store.DB) (*Store, error) {
	switch cfg.Kind {
	case "", KindBadger:
		if db == nil {
			return nil, fmt.Errorf("badger artifact store needs an open database")
		}
		return New(NewBadgerBlobs(db)), nil
	case KindS3:
		b, err := NewS3Blobs(cfg.S3)
		if err != nil {
			return nil, err
		}
		return New(b), nil
	case KindGCS:
		b, err := NewGCSBlobs(ctx, cfg.GCS)
		if err != nil {
			return nil, err
		}
		return New(b), nil
	default:
		return nil, fmt.Errorf("unknown artifact store kind %q", cfg.Kind)
	}
}
