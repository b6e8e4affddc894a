// Proctorly - AI Interview Proctoring and Assessment Backend
// Copyright 2026 N. Vallin (nvallin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nvallin/proctorly

package blobstage

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/nvallin/proctorly/internal/models"
)

func newTestStage(t *testing.T) *Stage {
	t.Helper()
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStage(t)
	payload := []byte("webm audio bytes")

	handle, err := s.Put(context.Background(), payload, models.BlobMetadata{
		SessionID:   "sess-1",
		QuestionID:  "q1",
		UserID:      "user-1",
		ContentType: "audio/webm",
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if handle == "" {
		t.Fatal("empty handle")
	}

	got, err := s.Get(context.Background(), handle)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload mismatch: %q", got)
	}

	meta, err := s.Metadata(context.Background(), handle)
	if err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if meta.SessionID != "sess-1" || meta.ContentType != "audio/webm" {
		t.Errorf("unexpected metadata: %+v", meta)
	}
	if meta.Size != int64(len(payload)) {
		t.Errorf("size = %d, want %d", meta.Size, len(payload))
	}
	if meta.CreatedAt.IsZero() {
		t.Error("created_at not stamped")
	}
}

func TestGetMissingBlob(t *testing.T) {
	s := newTestStage(t)
	_, err := s.Get(context.Background(), "no-such-handle")
	if !errors.Is(err, ErrBlobNotFound) {
		t.Fatalf("error = %v, want ErrBlobNotFound", err)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := newTestStage(t)
	handle, err := s.Put(context.Background(), []byte("x"), models.BlobMetadata{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	found, err := s.Delete(context.Background(), handle)
	if err != nil {
		t.Fatalf("first delete: %v", err)
	}
	if !found {
		t.Error("first delete reported not found")
	}

	// Second delete of the same handle must not error.
	found, err = s.Delete(context.Background(), handle)
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if found {
		t.Error("second delete reported found")
	}

	if _, err := s.Get(context.Background(), handle); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("blob still readable after delete: %v", err)
	}
	if _, err := s.Metadata(context.Background(), handle); !errors.Is(err, ErrBlobNotFound) {
		t.Errorf("metadata still readable after delete: %v", err)
	}
}

func TestSweepRemovesOnlyStaleBlobs(t *testing.T) {
	s := newTestStage(t)

	old, err := s.Put(context.Background(), []byte("old"), models.BlobMetadata{
		SessionID: "sess-1",
		CreatedAt: time.Now().UTC().Add(-48 * time.Hour),
	})
	if err != nil {
		t.Fatalf("put old: %v", err)
	}
	fresh, err := s.Put(context.Background(), []byte("fresh"), models.BlobMetadata{SessionID: "sess-1"})
	if err != nil {
		t.Fatalf("put fresh: %v", err)
	}

	removed, err := s.Sweep(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	if _, err := s.Get(context.Background(), old); !errors.Is(err, ErrBlobNotFound) {
		t.Error("stale blob survived sweep")
	}
	if _, err := s.Get(context.Background(), fresh); err != nil {
		t.Errorf("fresh blob removed by sweep: %v", err)
	}
}

func TestSweepEmptyStage(t *testing.T) {
	s := newTestStage(t)
	removed, err := s.Sweep(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 0 {
		t.Errorf("removed = %d, want 0", removed)
	}
}
