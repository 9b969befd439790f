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
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianMLOps/services/recloop/store"
)

const blobPrefix = "blob/"

// BadgerBlobs keeps blobs in the embedded store under blob/.
type BadgerBlobs struct {
	db *store.DB
}

// NewBadgerBlobs uses db for blob storage.
func NewBadgerBlobs(db *store.DB) *BadgerBlobs {
	return &BadgerBlobs{db: db}
}

// Put implements BlobStore.
func (b *BadgerBlobs) Put(ctx context.Context, key string, data []byte) error {
	return b.db.Update(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte(blobPrefix+key), data)
	})
}

// Get implements BlobStore.
func (b *BadgerBlobs) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := b.db.View(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(blobPrefix + key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get blob %s: %w", key, err)
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	return out, err
}
