// Proctorly - AI Interview Proctoring and Assessment Backend
// Copyright 2026 N. Vallin (nvallin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nvallin/proctorly

// Package transcribe implements the background transcription pipeline:
// answer recordings staged in the blob store are picked up by a worker,
// sent to the inference API, and the transcript written back to the
// answer record. The staged blob is removed on every outcome except a
// missing blob, so the stage never accumulates processed recordings.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nvallin/proctorly/internal/blobstage"
	"github.com/nvallin/proctorly/internal/inference"
	"github.com/nvallin/proctorly/internal/logging"
	"github.com/nvallin/proctorly/internal/metrics"
	"github.com/nvallin/proctorly/internal/models"
	"github.com/nvallin/proctorly/internal/store"
)

// Job identifies one answer recording to transcribe. The blob handle
// travels with the job so the worker can repair an answer record whose
// own write lost a race with enqueue.
type Job struct {
	SessionID  string `json:"session_id"`
	QuestionID string `json:"question_id"`
	BlobHandle string `json:"blob_handle"`
}

// Worker executes transcription jobs. It owns no goroutines; the
// scheduler's router drives it.
type Worker struct {
	store       store.SessionStore
	blobs       *blobstage.Stage
	transcriber inference.Transcriber
}

// NewWorker wires a worker to its collaborators.
func NewWorker(st store.SessionStore, blobs *blobstage.Stage, tr inference.Transcriber) *Worker {
	return &Worker{store: st, blobs: blobs, transcriber: tr}
}

// Process runs one job to a terminal answer status. Model and storage
// faults resolve the answer to failed rather than propagating: a job is
// consumed exactly once and must never leave the record stuck at
// processing. The returned error is reserved for record writes that
// themselves failed after retries.
func (w *Worker) Process(ctx context.Context, job Job) (err error) {
	start := time.Now()
	log := logging.With().
		Str("session_id", job.SessionID).
		Str("question_id", job.QuestionID).
		Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Transcription job panicked")
			err = w.markFailed(ctx, job, fmt.Sprintf("internal error: %v", r))
			metrics.RecordTranscriptionJob("panic", time.Since(start))
		}
	}()

	// Step 1: claim the job. A record already past processing means a
	// redelivered or stale job; consume it without side effects.
	var alreadyTerminal bool
	err = w.store.UpdateAnswer(ctx, job.SessionID, job.QuestionID, func(a *models.Answer) error {
		if a.Status.Terminal() {
			alreadyTerminal = true
			return nil
		}
		a.Status = models.TranscriptionProcessing
		if job.BlobHandle != "" {
			a.BlobHandle = job.BlobHandle
		}
		return nil
	})
	if err != nil {
		metrics.RecordTranscriptionJob("claim_error", time.Since(start))
		return fmt.Errorf("failed to claim transcription job: %w", err)
	}
	if alreadyTerminal {
		log.Debug().Msg("Transcription job already resolved, skipping")
		metrics.RecordTranscriptionJob("skipped", time.Since(start))
		return nil
	}

	// Step 2: fetch the staged recording. A missing blob cannot be
	// retried and there is nothing to delete.
	data, meta, err := w.fetchBlob(ctx, job)
	if err != nil {
		if errors.Is(err, blobstage.ErrBlobNotFound) {
			log.Warn().Str("blob_handle", job.BlobHandle).Msg("Staged recording missing, failing answer")
			metrics.RecordTranscriptionJob("blob_missing", time.Since(start))
			return w.markFailed(ctx, job, "recording not found in staging area")
		}
		metrics.RecordTranscriptionJob("blob_error", time.Since(start))
		if ferr := w.markFailed(ctx, job, "failed to read staged recording"); ferr != nil {
			return ferr
		}
		return nil
	}

	// The blob is consumed from here on, whatever the model says.
	defer func() {
		if _, derr := w.blobs.Delete(ctx, job.BlobHandle); derr != nil {
			log.Error().Err(derr).Str("blob_handle", job.BlobHandle).Msg("Failed to delete staged recording")
		}
	}()

	// Step 3: transcribe.
	transcript, err := w.transcriber.Transcribe(ctx, data, meta.ContentType)
	if err != nil {
		log.Error().Err(err).Msg("Transcription failed")
		metrics.RecordTranscriptionJob("transcribe_error", time.Since(start))
		return w.markFailed(ctx, job, "transcription failed")
	}

	// Step 4: publish the transcript and release the handle.
	now := time.Now().UTC()
	err = w.store.UpdateAnswer(ctx, job.SessionID, job.QuestionID, func(a *models.Answer) error {
		if !a.Status.CanTransitionTo(models.TranscriptionCompleted) {
			return nil
		}
		a.Status = models.TranscriptionCompleted
		a.Transcript = &transcript
		a.TranscriptionError = ""
		a.TranscribedAt = &now
		a.BlobHandle = ""
		return nil
	})
	if err != nil {
		metrics.RecordTranscriptionJob("write_error", time.Since(start))
		return fmt.Errorf("failed to record transcript: %w", err)
	}

	log.Info().Int("transcript_len", len(transcript)).Msg("Transcription completed")
	metrics.RecordTranscriptionJob("completed", time.Since(start))
	return nil
}

func (w *Worker) fetchBlob(ctx context.Context, job Job) ([]byte, *models.BlobMetadata, error) {
	if job.BlobHandle == "" {
		return nil, nil, blobstage.ErrBlobNotFound
	}
	data, err := w.blobs.Get(ctx, job.BlobHandle)
	if err != nil {
		return nil, nil, err
	}
	meta, err := w.blobs.Metadata(ctx, job.BlobHandle)
	if err != nil {
		return nil, nil, err
	}
	return data, meta, nil
}

func (w *Worker) markFailed(ctx context.Context, job Job, reason string) error {
	err := w.store.UpdateAnswer(ctx, job.SessionID, job.QuestionID, func(a *models.Answer) error {
		if !a.Status.CanTransitionTo(models.TranscriptionFailed) {
			return nil
		}
		a.Status = models.TranscriptionFailed
		a.TranscriptionError = reason
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mark answer failed: %w", err)
	}
	return nil
}
