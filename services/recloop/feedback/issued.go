// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianMLOps/services/recloop/datatypes"
	"github.com/AleutianAI/AleutianMLOps/services/recloop/store"
)

const issuedPrefix = "rec/"

// IssuedRecommendation is a recommendation as it was shown to a developer,
// with the patterns detected in its unit.
type IssuedRecommendation struct {
	Recommendation datatypes.Recommendation `json:"recommendation"`
	Patterns       []string                 `json:"patterns,omitempty"`
	IssuedAt       time.Time                `json:"issued_at"`
}

// Issued records every recommendation the pipeline returns so feedback can
// be validated and joined to its category.
type Issued struct {
	db  *store.DB
	now func() time.Time
}

// NewIssued creates the issued-recommendation index.
func NewIssued(db *store.DB) *Issued {
	return &Issued{db: db, now: time.Now}
}

// RecordIssued stores recs. An ID that is already recorded keeps its first
// entry: IDs cover the unit content and the model, so a re-issue is the
// same recommendation.
func (i *Issued) RecordIssued(ctx context.Context, recs []datatypes.Recommendation, patterns []string) error {
	if len(recs) == 0 {
		return nil
	}
	at := i.now()
	entries := make([][]byte, len(recs))
	for j, r := range recs {
		data, err := json.Marshal(IssuedRecommendation{Recommendation: r, Patterns: patterns, IssuedAt: at})
		if err != nil {
			return fmt.Errorf("encode recommendation %s: %w", r.ID, err)
		}
		entries[j] = data
	}
	return i.db.Update(ctx, func(txn *badger.Txn) error {
		for j, r := range recs {
			if _, err := store.PutIfAbsentTxn(txn, issuedPrefix+r.ID, entries[j]); err != nil {
				return err
			}
		}
		return nil
	})
}

// Lookup returns the issued recommendation for id.
func (i *Issued) Lookup(ctx context.Context, id string) (IssuedRecommendation, error) {
	var out IssuedRecommendation
	err := i.db.GetJSON(ctx, issuedPrefix+id, &out)
	if errors.Is(err, store.ErrNotFound) {
		return out, fmt.Errorf("%w: %s", ErrUnknownRecommendation, id)
	}
	return out, err
}
