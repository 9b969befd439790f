// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store is the embedded persistence layer of the recommendation loop.
//
// It wraps BadgerDB with the primitives the loop's append-only logs need:
// monotonically increasing sequence numbers per log, put-if-absent for
// idempotency indexes, JSON values and ordered prefix scans.
//
// Key layout (all keys are UTF-8 strings):
//
//	fb/<seq>                      feedback log
//	fbk/<dedupe-key>              feedback dedupe index
//	rec/<id>                      issued recommendations
//	art/<name>/<version>          model artifacts
//	artev/<name>/<version>/<seq>  artifact status events
//	dep/<id>/<seq>                deployment record transitions
//	graph/snapshot                pattern graph checkpoint
//	ckpt/<name>                   job checkpoints
//	blob/<key>                    artifact blobs
//
// License: BadgerDB is Apache 2.0 licensed (github.com/dgraph-io/badger).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("key not found")

// Config holds configuration for a store.
type Config struct {
	// Path is the directory for database files. Ignored when InMemory is true.
	Path string

	// InMemory disables disk persistence. Used by tests.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// Logger receives badger's internal log lines. Nil silences them.
	Logger *slog.Logger

	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval time.Duration

	// GCDiscardRatio is the garbage ratio that triggers a rewrite.
	GCDiscardRatio float64

	// ConflictRetries bounds how often Update retries on txn conflict.
	ConflictRetries int

	// SequenceBandwidth is how many sequence numbers are leased at once.
	SequenceBandwidth uint64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SyncWrites:        true,
		GCInterval:        5 * time.Minute,
		GCDiscardRatio:    0.5,
		ConflictRetries:   16,
		SequenceBandwidth: 128,
	}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{
		InMemory:          true,
		ConflictRetries:   64,
		SequenceBandwidth: 128,
	}
}

// badgerLogger adapts slog.Logger to badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// =============================================================================
// DB
// =============================================================================

// DB is a badger database with sequence leasing and background GC.
//
// Thread Safety: Safe for concurrent use.
type DB struct {
	bdb *badger.DB
	cfg Config

	seqMu sync.Mutex
	seqs  map[string]*badger.Sequence

	stopGC chan struct{}
	gcDone chan struct{}

	closeOnce sync.Once
}

// Open opens a database with the given configuration.
//
// Description:
//
//	Creates the directory if needed, opens badger and starts value log GC
//	when GCInterval is set on a persistent database.
//
// Inputs:
//
//	cfg - Database configuration. Path is required unless InMemory is true.
//
// Outputs:
//
//	*DB - The opened database. Caller must call Close().
//	error - Non-nil if the path is invalid or badger fails to open.
func Open(cfg Config) (*DB, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent store")
	}
	if cfg.ConflictRetries <= 0 {
		cfg.ConflictRetries = 16
	}
	if cfg.SequenceBandwidth == 0 {
		cfg.SequenceBandwidth = 128
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	d := &DB{
		bdb:  bdb,
		cfg:  cfg,
		seqs: make(map[string]*badger.Sequence),
	}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		d.stopGC = make(chan struct{})
		d.gcDone = make(chan struct{})
		go d.gcLoop()
	}
	return d, nil
}

// OpenInMemory opens an in-memory database.
func OpenInMemory() (*DB, error) {
	return Open(InMemoryConfig())
}

// Badger exposes the underlying handle.
func (d *DB) Badger() *badger.DB {
	return d.bdb
}

// Close releases leased sequences, stops GC and closes badger.
// Safe to call more than once.
func (d *DB) Close() error {
	var err error
	d.closeOnce.Do(func() {
		if d.stopGC != nil {
			close(d.stopGC)
			<-d.gcDone
		}
		d.seqMu.Lock()
		for _, s := range d.seqs {
			_ = s.Release()
		}
		d.seqs = nil
		d.seqMu.Unlock()
		err = d.bdb.Close()
	})
	return err
}

func (d *DB) gcLoop() {
	defer close(d.gcDone)
	ticker := time.NewTicker(d.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopGC:
			return
		case <-ticker.C:
			err := d.bdb.RunValueLogGC(d.cfg.GCDiscardRatio)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) && d.cfg.Logger != nil {
				d.cfg.Logger.Warn("value log GC failed", slog.String("error", err.Error()))
			}
		}
	}
}

// =============================================================================
// Transactions
// =============================================================================

// Update runs fn in a read-write transaction and commits it.
//
// Description:
//
//	Conflicting commits are retried up to ConflictRetries times with a
//	fresh transaction, so fn must be safe to run more than once.
//
// Inputs:
//
//	ctx - Checked before every attempt.
//	fn - Transaction body. Returning an error aborts without commit.
//
// Outputs:
//
//	error - fn's error, a commit error, or badger.ErrConflict after retries.
func (d *DB) Update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt <= d.cfg.ConflictRetries; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return fmt.Errorf("context cancelled: %w", cerr)
		}
		err = d.updateOnce(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func (d *DB) updateOnce(fn func(txn *badger.Txn) error) error {
	txn := d.bdb.NewTransaction(true)
	defer txn.Discard()
	if err := fn(txn); err != nil {
		return err
	}
	return txn.Commit()
}

// View runs fn in a read-only transaction.
func (d *DB) View(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context cancelled: %w", err)
	}
	txn := d.bdb.NewTransaction(false)
	defer txn.Discard()
	return fn(txn)
}

// =============================================================================
// Sequences
// =============================================================================

// NextSeq returns the next number of the named log sequence.
//
// Numbers are strictly increasing for the life of the store. Gaps appear
// after a restart because leases are released in bulk.
func (d *DB) NextSeq(name string) (uint64, error) {
	d.seqMu.Lock()
	defer d.seqMu.Unlock()
	if d.seqs == nil {
		return 0, errors.New("store is closed")
	}
	seq, ok := d.seqs[name]
	if !ok {
		var err error
		seq, err = d.bdb.GetSequence([]byte("seq/"+name), d.cfg.SequenceBandwidth)
		if err != nil {
			return 0, fmt.Errorf("lease sequence %s: %w", name, err)
		}
		d.seqs[name] = seq
	}
	n, err := seq.Next()
	if err != nil {
		return 0, fmt.Errorf("next %s: %w", name, err)
	}
	// Sequence starts at 0; reserve 0 to mean "no checkpoint".
	return n + 1, nil
}

// SeqKey formats a log key so that lexical order matches numeric order.
func SeqKey(prefix string, seq uint64) string {
	return fmt.Sprintf("%s%020d", prefix, seq)
}

// =============================================================================
// Helpers
// =============================================================================

// PutJSON stores v as JSON under key.
func (d *DB) PutJSON(ctx context.Context, key string, v any) error {
	return d.Update(ctx, func(txn *badger.Txn) error {
		return PutJSONTxn(txn, key, v)
	})
}

// GetJSON decodes the JSON value at key into v. Returns ErrNotFound if absent.
func (d *DB) GetJSON(ctx context.Context, key string, v any) error {
	return d.View(ctx, func(txn *badger.Txn) error {
		return GetJSONTxn(txn, key, v)
	})
}

// Scan visits every key with the given prefix in ascending order.
func (d *DB) Scan(ctx context.Context, prefix string, fn func(key string, val []byte) error) error {
	return d.ScanFrom(ctx, prefix, prefix, fn)
}

// ScanFrom visits keys with prefix that sort at or after start.
func (d *DB) ScanFrom(ctx context.Context, prefix, start string, fn func(key string, val []byte) error) error {
	return d.View(ctx, func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek([]byte(start)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("read %s: %w", item.Key(), err)
			}
			if err := fn(string(item.KeyCopy(nil)), val); err != nil {
				return err
			}
		}
		return nil
	})
}

// PutJSONTxn stores v as JSON inside txn.
func PutJSONTxn(txn *badger.Txn, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return txn.Set([]byte(key), data)
}

// GetJSONTxn decodes the value at key inside txn.
func GetJSONTxn(txn *badger.Txn, key string, v any) error {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

// PutIfAbsentTxn writes val at key only if key does not exist.
//
// Returns false when the key was already present. Two transactions racing
// on the same key conflict at commit, and the retry sees the winner's write.
func PutIfAbsentTxn(txn *badger.Txn, key string, val []byte) (bool, error) {
	_, err := txn.Get([]byte(key))
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, badger.ErrKeyNotFound) {
		return false, fmt.Errorf("probe %s: %w", key, err)
	}
	if err := txn.Set([]byte(key), val); err != nil {
		return false, err
	}
	return true, nil
}
