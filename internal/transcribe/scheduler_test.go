// Proctorly - AI Interview Proctoring and Assessment Backend
// Copyright 2026 N. Vallin (nvallin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nvallin/proctorly

package transcribe

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/dgraph-io/badger/v4"

	"github.com/nvallin/proctorly/internal/blobstage"
	"github.com/nvallin/proctorly/internal/models"
	"github.com/nvallin/proctorly/internal/retry"
	"github.com/nvallin/proctorly/internal/store"
)

func TestSchedulerProcessesEnqueuedJob(t *testing.T) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	st := store.NewBadgerStoreWithPolicy(db, retry.Policy{Attempts: 3, Backoff: time.Millisecond})
	blobs := blobstage.New(db)
	stub := &stubTranscriber{text: "transcript text"}
	worker := NewWorker(st, blobs, stub)

	sched, err := NewScheduler(SchedulerConfig{QueueBuffer: 8, Workers: 1}, worker)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sched.Serve(ctx) }()

	sess := &models.Session{
		ID:        "sess-1",
		UserID:    "user-1",
		Questions: []models.Question{{ID: "q1", Text: "Describe a deadlock."}},
		Status:    models.SessionStatusCreated,
		CreatedAt: time.Now().UTC(),
	}
	if err := st.InsertSession(ctx, sess); err != nil {
		t.Fatalf("insert session: %v", err)
	}
	handle, err := blobs.Put(ctx, []byte("audio"), models.BlobMetadata{
		SessionID: "sess-1", QuestionID: "q1", UserID: "user-1", ContentType: "audio/webm",
	})
	if err != nil {
		t.Fatalf("stage blob: %v", err)
	}
	err = st.UpsertAnswer(ctx, "sess-1", "q1", models.Answer{
		ID: "ans-1", QuestionID: "q1", BlobHandle: handle,
		Status: models.TranscriptionQueued, CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("upsert answer: %v", err)
	}

	if err := sched.Enqueue(ctx, Job{SessionID: "sess-1", QuestionID: "q1", BlobHandle: handle}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		got, err := st.GetSession(ctx, "sess-1")
		if err != nil {
			t.Fatalf("get session: %v", err)
		}
		if ans, ok := got.Answers["q1"]; ok && ans.Status.Terminal() {
			if ans.Status != models.TranscriptionCompleted {
				t.Fatalf("status = %q, want completed", ans.Status)
			}
			if ans.Transcript == nil || *ans.Transcript != "transcript text" {
				t.Fatalf("transcript = %v", ans.Transcript)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("job not processed within deadline")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

type countingTranscriber struct {
	calls atomic.Int32
	text  string
}

func (c *countingTranscriber) Transcribe(_ context.Context, _ []byte, _ string) (string, error) {
	c.calls.Add(1)
	return c.text, nil
}

// A job must run exactly once regardless of worker concurrency: the
// queue is a broadcast Pub/Sub underneath, so extra subscriptions would
// hand every job to every worker.
func TestSchedulerRunsJobOnceAtFullConcurrency(t *testing.T) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	st := store.NewBadgerStoreWithPolicy(db, retry.Policy{Attempts: 3, Backoff: time.Millisecond})
	blobs := blobstage.New(db)
	stub := &countingTranscriber{text: "once"}
	worker := NewWorker(st, blobs, stub)

	// Default config: the full worker count.
	sched, err := NewScheduler(SchedulerConfig{}, worker)
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- sched.Serve(ctx) }()

	sess := &models.Session{
		ID:        "sess-1",
		UserID:    "user-1",
		Questions: []models.Question{{ID: "q1", Text: "Describe a race condition."}},
		Status:    models.SessionStatusCreated,
		CreatedAt: time.Now().UTC(),
	}
	if err := st.InsertSession(ctx, sess); err != nil {
		t.Fatalf("insert session: %v", err)
	}
	handle, err := blobs.Put(ctx, []byte("audio"), models.BlobMetadata{
		SessionID: "sess-1", QuestionID: "q1", UserID: "user-1", ContentType: "audio/webm",
	})
	if err != nil {
		t.Fatalf("stage blob: %v", err)
	}
	err = st.UpsertAnswer(ctx, "sess-1", "q1", models.Answer{
		ID: "ans-1", QuestionID: "q1", BlobHandle: handle,
		Status: models.TranscriptionQueued, CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("upsert answer: %v", err)
	}

	if err := sched.Enqueue(ctx, Job{SessionID: "sess-1", QuestionID: "q1", BlobHandle: handle}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		got, err := st.GetSession(ctx, "sess-1")
		if err != nil {
			t.Fatalf("get session: %v", err)
		}
		if ans, ok := got.Answers["q1"]; ok && ans.Status.Terminal() {
			break
		}
		select {
		case <-deadline:
			t.Fatal("job not processed within deadline")
		case <-time.After(10 * time.Millisecond):
		}
	}

	// A duplicated delivery would run within the same window as the
	// first; give it room to show up before counting.
	time.Sleep(200 * time.Millisecond)

	if got := stub.calls.Load(); got != 1 {
		t.Fatalf("transcriber calls for one job = %d, want 1", got)
	}
	if _, err := blobs.Get(ctx, handle); err == nil {
		t.Fatal("staged blob still present after job completed")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestSchedulerDropsMalformedJob(t *testing.T) {
	sched, err := NewScheduler(SchedulerConfig{}, NewWorker(nil, nil, nil))
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	// A payload that cannot decode must be consumed, not retried forever.
	msg := message.NewMessage("m1", []byte("{not json"))
	if err := sched.handle(msg); err != nil {
		t.Fatalf("handle returned error for malformed job: %v", err)
	}
}
