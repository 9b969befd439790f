// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package feedback stores developer feedback and retrains the acceptance
// model from it.
//
// # Description
//
// The Collector appends validated feedback to an idempotent log and counts
// records since the last retrain. An append writes only its dedupe key and
// its own log record, so concurrent writers never contend on a shared key. Crossing the batch size, or the time
// ceiling with pending records, fires exactly one retrain trigger. The
// Learner consumes the log from its checkpoint and produces a candidate
// ModelArtifact.
package feedback

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/AleutianMLOps/services/recloop/datatypes"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/store"
)

// Key prefixes of the feedback log.
const (
	logPrefix    = "fb/"
	dedupePrefix = "fbk/"
)

// Trigger reasons.
const (
	ReasonBatch   = "batch"
	ReasonCeiling = "ceiling"
	ReasonDrift   = "drift"
	ReasonManual  = "manual"
)

// Record is one stored feedback entry.
type Record struct {
	Seq      uint64                      `json:"seq"`
	Feedback datatypes.DeveloperFeedback `json:"feedback"`
	Category datatypes.Category          `json:"category"`
	UnitID   string                      `json:"unit_id"`
	StoredAt time.Time                   `json:"stored_at"`
}

// Aggregate counts outcomes for one category.
type Aggregate struct {
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
	Modified int `json:"modified"`
	Total    int `json:"total"`
}

// AcceptanceRate returns (accepted + modified/2) / total.
func (a Aggregate) AcceptanceRate() float64 {
	if a.Total == 0 {
		return 0
	}
	return (float64(a.Accepted) + 0.5*float64(a.Modified)) / float64(a.Total)
}

// Ack is the result of Collect.
type Ack struct {
	Seq              uint64               `json:"seq,omitempty"`
	Duplicate        bool                 `json:"duplicate"`
	RetrainTriggered bool                 `json:"retrain_triggered"`
	Issued           IssuedRecommendation `json:"-"`
}

// RetrainTrigger starts a retrain. It must not block.
type RetrainTrigger func(reason string)

// CollectorConfig configures a Collector.
type CollectorConfig struct {
	// BatchSize records trigger a retrain. Default: 100
	BatchSize int

	// Ceiling triggers a retrain when records are pending and no retrain
	// ran for this long. Default: 24h
	Ceiling time.Duration

	// CheckInterval is how often the ceiling is checked. Default: 1m
	CheckInterval time.Duration
}

// DefaultCollectorConfig returns the defaults.
func DefaultCollectorConfig() CollectorConfig {
	return CollectorConfig{
		BatchSize:     100,
		Ceiling:       24 * time.Hour,
		CheckInterval: time.Minute,
	}
}

// Collector validates and appends feedback.
//
// Thread Safety: Safe for concurrent use.
type Collector struct {
	db       *store.DB
	issued   *Issued
	validate *validator.Validate
	cfg      CollectorConfig
	trigger  RetrainTrigger
	logger   *slog.Logger
	now      func() time.Time

	pending     atomic.Int64
	lastTrigger atomic.Int64 // unix nanos

	aggMu sync.RWMutex
	aggs  map[datatypes.Category]*tally
}

// tally holds the running outcome counts of one category. Counts are
// derived from the log: bumped after each committed append and rebuilt by
// Recover.
type tally struct {
	accepted, rejected, modified, total atomic.Int64
}

func (t *tally) add(outcome datatypes.Outcome) {
	switch outcome {
	case datatypes.OutcomeAccept:
		t.accepted.Add(1)
	case datatypes.OutcomeReject:
		t.rejected.Add(1)
	case datatypes.OutcomeModify:
		t.modified.Add(1)
	}
	t.total.Add(1)
}

func (t *tally) snapshot() Aggregate {
	return Aggregate{
		Accepted: int(t.accepted.Load()),
		Rejected: int(t.rejected.Load()),
		Modified: int(t.modified.Load()),
		Total:    int(t.total.Load()),
	}
}

// CollectorOption configures a Collector.
type CollectorOption func(*Collector)

// WithTrigger sets the retrain trigger.
func WithTrigger(t RetrainTrigger) CollectorOption {
	return func(c *Collector) { c.trigger = t }
}

// WithCollectorLogger sets the logger.
func WithCollectorLogger(l *slog.Logger) CollectorOption {
	return func(c *Collector) { c.logger = l }
}

// WithCollectorClock overrides time.Now.
func WithCollectorClock(now func() time.Time) CollectorOption {
	return func(c *Collector) { c.now = now }
}

// NewCollector creates a collector.
func NewCollector(db *store.DB, issued *Issued, cfg CollectorConfig, opts ...CollectorOption) *Collector {
	def := DefaultCollectorConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = def.Ceiling
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}
	c := &Collector{
		db:       db,
		issued:   issued,
		validate: validator.New(),
		cfg:      cfg,
		trigger:  func(string) {},
		logger:   slog.Default(),
		now:      time.Now,
		aggs:     make(map[datatypes.Category]*tally),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.lastTrigger.Store(c.now().UnixNano())
	return c
}

// Pending returns the number of records since the last trigger.
func (c *Collector) Pending() int64 { return c.pending.Load() }

// Collect validates and stores one feedback record.
//
// Description:
//
//	The dedupe index entry and the log record are written in one
//	transaction, so a duplicate submission either fully lands or changes
//	nothing. The transaction reads only the dedupe key, so it conflicts
//	only with a concurrent submission of the same feedback, whose retry
//	then observes the duplicate. Only the first submission of a dedupe key
//	advances the category counts and the batch counter.
//
// Inputs:
//
//	ctx - Context for cancellation.
//	recID - The recommendation the feedback answers.
//	fb - The feedback. An empty RecommendationID is filled from recID.
//
// Outputs:
//
//	Ack - Duplicate is true if the record was already stored.
//	error - ErrInvalidFeedback, ErrUnknownRecommendation or a store error.
func (c *Collector) Collect(ctx context.Context, recID string, fb datatypes.DeveloperFeedback) (Ack, error) {
	if fb.RecommendationID == "" {
		fb.RecommendationID = recID
	}
	if recID != "" && fb.RecommendationID != recID {
		return Ack{}, fmt.Errorf("%w: %s != %s", ErrRecommendationMismatch, fb.RecommendationID, recID)
	}
	if err := c.validate.Struct(fb); err != nil {
		return Ack{}, fmt.Errorf("%w: %s", ErrInvalidFeedback, err.Error())
	}

	issued, err := c.issued.Lookup(ctx, fb.RecommendationID)
	if err != nil {
		return Ack{}, err
	}

	seq, err := c.db.NextSeq("fb")
	if err != nil {
		return Ack{}, err
	}
	rec := Record{
		Seq:      seq,
		Feedback: fb,
		Category: issued.Recommendation.Category,
		UnitID:   issued.Recommendation.UnitID,
		StoredAt: c.now(),
	}

	duplicate := false
	err = c.db.Update(ctx, func(txn *badger.Txn) error {
		duplicate = false
		ok, err := store.PutIfAbsentTxn(txn, dedupePrefix+fb.DedupeKey(), []byte(strconv.FormatUint(seq, 10)))
		if err != nil {
			return err
		}
		if !ok {
			duplicate = true
			return nil
		}
		return store.PutJSONTxn(txn, store.SeqKey(logPrefix, seq), rec)
	})
	if err != nil {
		return Ack{}, fmt.Errorf("append feedback: %w", err)
	}
	if duplicate {
		return Ack{Duplicate: true, Issued: issued}, nil
	}

	c.tallyFor(rec.Category).add(fb.Outcome)
	ack := Ack{Seq: seq, Issued: issued}
	if c.advance() {
		ack.RetrainTriggered = true
		c.fire(ReasonBatch)
	}
	return ack, nil
}

// advance increments the pending counter and reports whether this call
// crossed the batch size. Exactly one caller observes each crossing.
func (c *Collector) advance() bool {
	batch := int64(c.cfg.BatchSize)
	for {
		cur := c.pending.Load()
		next := cur + 1
		if next >= batch {
			if c.pending.CompareAndSwap(cur, 0) {
				return true
			}
			continue
		}
		if c.pending.CompareAndSwap(cur, next) {
			return false
		}
	}
}

func (c *Collector) fire(reason string) {
	c.lastTrigger.Store(c.now().UnixNano())
	c.logger.Info("retrain triggered", slog.String("reason", reason))
	c.trigger(reason)
}

func (c *Collector) tallyFor(cat datatypes.Category) *tally {
	c.aggMu.RLock()
	t, ok := c.aggs[cat]
	c.aggMu.RUnlock()
	if ok {
		return t
	}
	c.aggMu.Lock()
	defer c.aggMu.Unlock()
	if t, ok = c.aggs[cat]; !ok {
		t = &tally{}
		c.aggs[cat] = t
	}
	return t
}

// Aggregates returns the per-category counters.
func (c *Collector) Aggregates() map[datatypes.Category]Aggregate {
	c.aggMu.RLock()
	defer c.aggMu.RUnlock()
	out := make(map[datatypes.Category]Aggregate, len(c.aggs))
	for cat, t := range c.aggs {
		out[cat] = t.snapshot()
	}
	return out
}

// Recover rebuilds the category counts from the log and sets the pending
// counter to the number of records after the learner checkpoint, so a
// restart does not lose progress toward a batch.
func (c *Collector) Recover(ctx context.Context, checkpoint uint64) error {
	aggs := make(map[datatypes.Category]*tally)
	var n int64
	err := c.db.Scan(ctx, logPrefix, func(key string, val []byte) error {
		var rec Record
		if err := json.Unmarshal(val, &rec); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		t, ok := aggs[rec.Category]
		if !ok {
			t = &tally{}
			aggs[rec.Category] = t
		}
		t.add(rec.Feedback.Outcome)
		if rec.Seq > checkpoint {
			n++
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.aggMu.Lock()
	c.aggs = aggs
	c.aggMu.Unlock()

	c.pending.Store(n % int64(c.cfg.BatchSize))
	if n >= int64(c.cfg.BatchSize) {
		c.fire(ReasonBatch)
	}
	return nil
}

// RunCeiling fires a retrain when records are pending and the ceiling has
// elapsed since the last trigger. It returns when ctx is done.
func (c *Collector) RunCeiling(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkCeiling()
		}
	}
}

func (c *Collector) checkCeiling() bool {
	last := time.Unix(0, c.lastTrigger.Load())
	if c.now().Sub(last) < c.cfg.Ceiling {
		return false
	}
	if c.pending.Swap(0) == 0 {
		return false
	}
	c.fire(ReasonCeiling)
	return true
}
