// Proctorly - AI Interview Proctoring and Assessment Backend
// Copyright 2026 N. Vallin (nvallin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nvallin/proctorly

// Package blobstage provides transient keyed storage for uploaded answer
// payloads. A blob lives only between upload and the terminal transcription
// status; every terminal path deletes it, and a background sweeper removes
// anything a crashed worker left behind.
package blobstage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/nvallin/proctorly/internal/logging"
	"github.com/nvallin/proctorly/internal/metrics"
	"github.com/nvallin/proctorly/internal/models"
)

// ErrBlobNotFound indicates no blob exists for the given handle.
var ErrBlobNotFound = errors.New("blob not found")

// Key prefixes for BadgerDB storage. Payload and metadata are stored under
// separate keys so the sweeper can scan metadata without loading payloads.
const (
	blobKeyPrefix = "blob:"
	metaKeyPrefix = "blobmeta:"
)

// Stage is a BadgerDB-backed staging area for answer payloads.
type Stage struct {
	db *badger.DB
}

// New creates a blob stage on an open Badger database.
func New(db *badger.DB) *Stage {
	return &Stage{db: db}
}

func blobKey(handle string) []byte {
	return []byte(blobKeyPrefix + handle)
}

func metaKey(handle string) []byte {
	return []byte(metaKeyPrefix + handle)
}

// Put stages a payload and returns its opaque handle. The error is
// propagated to the caller unretried; the upload path decides what to do
// when the backing store is unavailable.
func (s *Stage) Put(ctx context.Context, data []byte, meta models.BlobMetadata) (string, error) {
	handle := uuid.New().String()
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}
	meta.Size = int64(len(data))

	metaData, err := json.Marshal(&meta)
	if err != nil {
		return "", fmt.Errorf("marshal blob metadata: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(blobKey(handle), data); err != nil {
			return err
		}
		return txn.Set(metaKey(handle), metaData)
	})
	if err != nil {
		return "", fmt.Errorf("stage blob: %w", err)
	}

	metrics.BlobsStaged.Inc()
	logging.Ctx(ctx).Debug().
		Str("blob_handle", handle).
		Int("size", len(data)).
		Msg("blob staged")
	return handle, nil
}

// Get returns the staged payload for handle, or ErrBlobNotFound.
func (s *Stage) Get(ctx context.Context, handle string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(blobKey(handle))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrBlobNotFound
		}
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Metadata returns the staging metadata for handle, or ErrBlobNotFound.
func (s *Stage) Metadata(ctx context.Context, handle string) (*models.BlobMetadata, error) {
	var meta models.BlobMetadata
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey(handle))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrBlobNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &meta)
		})
	})
	if err != nil {
		return nil, err
	}
	return &meta, nil
}

// Delete removes the blob and its metadata. Deleting a handle that does not
// exist is not an error; the returned bool reports whether anything was
// removed. This keeps cleanup idempotent across retried jobs.
func (s *Stage) Delete(ctx context.Context, handle string) (bool, error) {
	found := false
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(blobKey(handle))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		if err := txn.Delete(blobKey(handle)); err != nil {
			return err
		}
		return txn.Delete(metaKey(handle))
	})
	if err != nil {
		return false, fmt.Errorf("delete blob: %w", err)
	}
	if found {
		metrics.BlobsDeleted.Inc()
	}
	return found, nil
}

// Sweep removes every blob older than maxAge regardless of status. It is a
// backstop against leaks from crashed workers, not the primary cleanup path.
func (s *Stage) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)

	var stale []string
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(metaKeyPrefix)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var meta models.BlobMetadata
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &meta)
			}); err != nil {
				// Undecodable metadata is itself stale state; sweep it.
				stale = append(stale, string(item.Key()[len(prefix):]))
				continue
			}
			if meta.CreatedAt.Before(cutoff) {
				stale = append(stale, string(item.Key()[len(prefix):]))
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan blob metadata: %w", err)
	}

	removed := 0
	for _, handle := range stale {
		if ctx.Err() != nil {
			return removed, ctx.Err()
		}
		found, err := s.Delete(ctx, handle)
		if err != nil {
			logging.Ctx(ctx).Error().Err(err).
				Str("blob_handle", handle).
				Msg("sweep failed to delete stale blob")
			continue
		}
		if found {
			removed++
			metrics.BlobsSwept.Inc()
		}
	}

	if removed > 0 {
		logging.Ctx(ctx).Info().Int("removed", removed).Msg("swept stale blobs")
	}
	return removed, nil
}
