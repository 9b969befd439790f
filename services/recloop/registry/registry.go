// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry is the versioned model artifact registry.
//
// Artifacts are immutable once registered. Their lifecycle status
// (candidate, deployed, retired) is an append-only event log per version,
// and the current status is the latest event.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"golang.org/x/mod/semver"

	"github.com/AleutianAI/AleutianMLOps/services/recloop/datatypes"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/store"
)

var (
	// ErrNotFound is returned for an unknown name or version.
	ErrNotFound = errors.New("artifact not found")

	// ErrExists is returned when registering a version twice.
	ErrExists = errors.New("artifact version already registered")

	// ErrInvalidVersion is returned for a version that is not semver.
	ErrInvalidVersion = errors.New("artifact version is not valid semver")
)

// StatusEvent is one lifecycle transition of an artifact version.
type StatusEvent struct {
	Name    string                   `json:"name"`
	Version string                   `json:"version"`
	Status  datatypes.ArtifactStatus `json:"status"`
	At      time.Time                `json:"at"`
	Reason  string                   `json:"reason,omitempty"`
}

// Registry stores artifacts in the embedded store.
//
// Thread Safety: Safe for concurrent use.
type Registry struct {
	db     *store.DB
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(r *Registry) { r.logger = l } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// New creates a registry on db.
func New(db *store.DB, opts ...Option) *Registry {
	r := &Registry{db: db, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func artKey(name, version string) string { return "art/" + name + "/" + version }

func eventPrefix(name, version string) string { return "artev/" + name + "/" + version + "/" }

// Register stores a new artifact version with its initial status.
//
// Outputs:
//
//	error - ErrExists if the version is already registered,
//	        ErrInvalidVersion if Version is not semver.
func (r *Registry) Register(ctx context.Context, a datatypes.ModelArtifact) error {
	if !semver.IsValid(a.Version) {
		return fmt.Errorf("%w: %q", ErrInvalidVersion, a.Version)
	}
	if a.Status == "" {
		a.Status = datatypes.ArtifactCandidate
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode artifact %s: %w", a.Ref(), err)
	}
	seq, err := r.db.NextSeq("artev")
	if err != nil {
		return err
	}
	ev := StatusEvent{Name: a.Name, Version: a.Version, Status: a.Status, At: r.now(), Reason: "registered"}

	err = r.db.Update(ctx, func(txn *badger.Txn) error {
		ok, err := store.PutIfAbsentTxn(txn, artKey(a.Name, a.Version), data)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrExists, a.Ref())
		}
		return store.PutJSONTxn(txn, store.SeqKey(eventPrefix(a.Name, a.Version), seq), ev)
	})
	if err != nil {
		return err
	}
	r.logger.Info("artifact registered",
		slog.String("artifact_version", a.Ref()),
		slog.String("status", string(a.Status)),
	)
	return nil
}

// SetStatus appends a status event for an existing version.
func (r *Registry) SetStatus(ctx context.Context, name, version string, status datatypes.ArtifactStatus, reason string) error {
	seq, err := r.db.NextSeq("artev")
	if err != nil {
		return err
	}
	ev := StatusEvent{Name: name, Version: version, Status: status, At: r.now(), Reason: reason}
	err = r.db.Update(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(artKey(name, version))); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: %s@%s", ErrNotFound, name, version)
			}
			return err
		}
		return store.PutJSONTxn(txn, store.SeqKey(eventPrefix(name, version), seq), ev)
	})
	if err != nil {
		return err
	}
	r.logger.Info("artifact status changed",
		slog.String("artifact_version", name+"@"+version),
		slog.String("status", string(status)),
		slog.String("reason", reason),
	)
	return nil
}

// Get returns one version with its current status.
func (r *Registry) Get(ctx context.Context, name, version string) (datatypes.ModelArtifact, error) {
	var a datatypes.ModelArtifact
	err := r.db.View(ctx, func(txn *badger.Txn) error {
		if err := store.GetJSONTxn(txn, artKey(name, version), &a); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: %s@%s", ErrNotFound, name, version)
			}
			return err
		}
		status, err := latestStatus(txn, name, version)
		if err != nil {
			return err
		}
		if status != "" {
			a.Status = status
		}
		return nil
	})
	return a, err
}

// History returns the status events of a version, oldest first.
func (r *Registry) History(ctx context.Context, name, version string) ([]StatusEvent, error) {
	var out []StatusEvent
	err := r.db.Scan(ctx, eventPrefix(name, version), func(_ string, val []byte) error {
		var ev StatusEvent
		if err := json.Unmarshal(val, &ev); err != nil {
			return err
		}
		out = append(out, ev)
		return nil
	})
	return out, err
}

func latestStatus(txn *badger.Txn, name, version string) (datatypes.ArtifactStatus, error) {
	prefix := []byte(eventPrefix(name, version))
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	// Reverse iteration seeks to the last key <= the given key.
	seek := append(append([]byte{}, prefix...), 0xFF)
	it.Seek(seek)
	if !it.ValidForPrefix(prefix) {
		return "", nil
	}
	var ev StatusEvent
	if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &ev) }); err != nil {
		return "", err
	}
	return ev.Status, nil
}

// List returns every version of name, newest semver first.
func (r *Registry) List(ctx context.Context, name string) ([]datatypes.ModelArtifact, error) {
	var out []datatypes.ModelArtifact
	prefix := "art/" + name + "/"
	err := r.db.View(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			version := strings.TrimPrefix(string(it.Item().Key()), prefix)
			if strings.Contains(version, "/") {
				continue
			}
			var a datatypes.ModelArtifact
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &a) }); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			status, err := latestStatus(txn, name, version)
			if err != nil {
				return err
			}
			if status != "" {
				a.Status = status
			}
			out = append(out, a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return semver.Compare(out[i].Version, out[j].Version) > 0
	})
	return out, nil
}

// Latest returns the newest version of name whose current status is
// status.
func (r *Registry) Latest(ctx context.Context, name string, status datatypes.ArtifactStatus) (datatypes.ModelArtifact, error) {
	all, err := r.List(ctx, name)
	if err != nil {
		return datatypes.ModelArtifact{}, err
	}
	for _, a := range all {
		if a.Status == status {
			return a, nil
		}
	}
	return datatypes.ModelArtifact{}, fmt.Errorf("%w: no %s artifact for %s", ErrNotFound, status, name)
}

// NextVersion returns the version following the newest registered one
// with the minor component bumped. The first version is v1.0.0.
func (r *Registry) NextVersion(ctx context.Context, name string) (string, error) {
	all, err := r.List(ctx, name)
	if err != nil {
		return "", err
	}
	if len(all) == 0 {
		return "v1.0.0", nil
	}
	return BumpMinor(all[0].Version)
}

// BumpMinor returns vMAJOR.(MINOR+1).0.
func BumpMinor(v string) (string, error) {
	if !semver.IsValid(v) {
		return "", fmt.Errorf("%w: %q", ErrInvalidVersion, v)
	}
	var major, minor int
	mm := strings.TrimPrefix(semver.MajorMinor(v), "v")
	if _, err := fmt.Sscanf(mm, "%d.%d", &major, &minor); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidVersion, v)
	}
	return fmt.Sprintf("v%d.%d.0", major, minor+1), nil
}
