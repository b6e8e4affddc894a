// Proctorly - AI Interview Proctoring and Assessment Backend
// Copyright 2026 N. Vallin (nvallin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nvallin/proctorly

package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/nvallin/proctorly/internal/auth"
	"github.com/nvallin/proctorly/internal/blobstage"
	"github.com/nvallin/proctorly/internal/logging"
	"github.com/nvallin/proctorly/internal/models"
	"github.com/nvallin/proctorly/internal/scoring"
	"github.com/nvallin/proctorly/internal/store"
	"github.com/nvallin/proctorly/internal/transcribe"
	"github.com/nvallin/proctorly/internal/validation"
)

// Enqueuer hands a transcription job to the background pipeline.
type Enqueuer interface {
	Enqueue(ctx context.Context, job transcribe.Job) error
}

// Analyzer runs the scoring pass for a session.
type Analyzer interface {
	Complete(ctx context.Context, sessionID string) (*scoring.Result, error)
}

// Pinger reports whether the backing store is usable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds the collaborators of all HTTP endpoints.
type Handler struct {
	store     store.SessionStore
	blobs     *blobstage.Stage
	scheduler Enqueuer
	analyzer  Analyzer
	pinger    Pinger

	maxUploadBytes int64
}

// NewHandler wires the HTTP handlers.
func NewHandler(st store.SessionStore, blobs *blobstage.Stage, sched Enqueuer, an Analyzer, pinger Pinger, maxUploadBytes int64) *Handler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = 50 << 20
	}
	return &Handler{
		store:          st,
		blobs:          blobs,
		scheduler:      sched,
		analyzer:       an,
		pinger:         pinger,
		maxUploadBytes: maxUploadBytes,
	}
}

// createSessionRequest is the payload for session creation.
type createSessionRequest struct {
	InterviewType  string            `json:"interview_type" validate:"omitempty,max=100"`
	JobDescription string            `json:"job_description" validate:"omitempty,max=20000"`
	ResumeText     string            `json:"resume_text" validate:"omitempty,max=100000"`
	Questions      []models.Question `json:"questions" validate:"required,min=1,max=50,dive"`
}

// CreateSession creates a new interview session owned by the caller.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	userID := auth.UserIDFromContext(r.Context())

	var req createSessionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		rw.BadRequest("invalid JSON body")
		return
	}
	if verr := validation.ValidateStruct(&req); verr != nil {
		rw.ValidationError("invalid session", verr.Fields)
		return
	}
	for _, q := range req.Questions {
		if q.ID == "" || q.Text == "" {
			rw.BadRequest("every question needs an id and text")
			return
		}
	}

	sess := &models.Session{
		ID:             uuid.New().String(),
		UserID:         userID,
		InterviewType:  req.InterviewType,
		JobDescription: req.JobDescription,
		ResumeText:     req.ResumeText,
		Questions:      req.Questions,
		Status:         models.SessionStatusCreated,
		CreatedAt:      time.Now().UTC(),
	}
	if err := h.store.InsertSession(r.Context(), sess); err != nil {
		rw.StorageError(err)
		return
	}

	logging.Ctx(r.Context()).Info().
		Str("session_id", sess.ID).
		Int("questions", len(sess.Questions)).
		Msg("Session created")
	rw.Success(sess)
}

// GetSession returns the caller's session, answers included.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	sess, ok := h.ownedSession(rw, r)
	if !ok {
		return
	}
	rw.Success(sess)
}

// UploadAnswer stages one answer recording and schedules its
// transcription. The response returns as soon as the blob is staged and
// the answer record written; transcription happens in the background.
func (h *Handler) UploadAnswer(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	ctx := r.Context()

	sess, ok := h.ownedSession(rw, r)
	if !ok {
		return
	}
	questionID := chi.URLParam(r, "questionID")
	if sess.QuestionText(questionID) == "" {
		rw.NotFound("question not found in session")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			rw.PayloadTooLarge("recording exceeds upload limit")
			return
		}
		rw.BadRequest("expected multipart form with an audio file")
		return
	}
	f, hdr, err := r.FormFile("audio")
	if err != nil {
		rw.BadRequest("missing audio file field")
		return
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(f)
	if err != nil {
		rw.BadRequest("failed to read audio file")
		return
	}
	if len(data) == 0 {
		rw.BadRequest("audio file is empty")
		return
	}

	contentType := hdr.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "audio/webm"
	}

	handle, err := h.blobs.Put(ctx, data, models.BlobMetadata{
		SessionID:   sess.ID,
		QuestionID:  questionID,
		UserID:      sess.UserID,
		ContentType: contentType,
	})
	if err != nil {
		rw.StorageError(err)
		return
	}

	answer := models.Answer{
		ID:         uuid.New().String(),
		QuestionID: questionID,
		BlobHandle: handle,
		Status:     models.TranscriptionQueued,
		CreatedAt:  time.Now().UTC(),
	}
	if err := h.store.UpsertAnswer(ctx, sess.ID, questionID, answer); err != nil {
		// The record write exhausted its retries; the staged blob must not
		// outlive the failed upload.
		if _, derr := h.blobs.Delete(ctx, handle); derr != nil {
			logging.Ctx(ctx).Error().Err(derr).Str("blob_handle", handle).Msg("Failed to delete orphaned blob")
		}
		rw.StorageError(err)
		return
	}

	job := transcribe.Job{SessionID: sess.ID, QuestionID: questionID, BlobHandle: handle}
	if err := h.scheduler.Enqueue(ctx, job); err != nil {
		// The answer record stays queued; the status endpoint makes the
		// stall visible and the sweeper reclaims the blob.
		logging.Ctx(ctx).Error().Err(err).Msg("Failed to enqueue transcription job")
		rw.ServiceUnavailable("transcription queue unavailable")
		return
	}

	rw.Accepted(map[string]interface{}{
		"status":               "processing",
		"answer_id":            answer.ID,
		"question_id":          questionID,
		"file_id":              handle,
		"transcription_status": models.TranscriptionQueued,
	})
}

// AnswerStatus returns one answer's transcription status.
func (h *Handler) AnswerStatus(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	sess, ok := h.ownedSession(rw, r)
	if !ok {
		return
	}
	questionID := chi.URLParam(r, "questionID")
	ans, ok := sess.Answers[questionID]
	if !ok {
		rw.NotFound("no answer uploaded for question")
		return
	}

	resp := map[string]interface{}{
		"question_id":          questionID,
		"transcription_status": ans.Status,
	}
	if ans.Transcript != nil {
		resp["transcript"] = *ans.Transcript
	}
	if ans.TranscriptionError != "" {
		resp["error"] = ans.TranscriptionError
	}
	if ans.Score != nil {
		resp["score"] = *ans.Score
		resp["feedback"] = ans.Feedback
	}
	rw.Success(resp)
}

// SessionStatus returns every answer's status plus a summary.
func (h *Handler) SessionStatus(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	sess, ok := h.ownedSession(rw, r)
	if !ok {
		return
	}

	answers := make([]map[string]interface{}, 0, len(sess.Answers))
	for _, q := range sess.Questions {
		ans, ok := sess.Answers[q.ID]
		if !ok {
			continue
		}
		entry := map[string]interface{}{
			"question_id":          q.ID,
			"transcription_status": ans.Status,
		}
		if ans.TranscriptionError != "" {
			entry["error"] = ans.TranscriptionError
		}
		answers = append(answers, entry)
	}

	rw.Success(map[string]interface{}{
		"session_id": sess.ID,
		"status":     sess.Status,
		"answers":    answers,
		"summary":    sess.SummarizeTranscription(),
	})
}

// Analyze runs the scoring pass and closes the session.
func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	sess, ok := h.ownedSession(rw, r)
	if !ok {
		return
	}

	result, err := h.analyzer.Complete(r.Context(), sess.ID)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			rw.NotFound("session not found")
			return
		}
		rw.StorageError(err)
		return
	}
	rw.Success(result)
}

// HealthLive reports process liveness.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	NewResponseWriter(w, r).Success(map[string]string{"status": "ok"})
}

// HealthReady reports whether the store is usable.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	rw := NewResponseWriter(w, r)
	if h.pinger != nil {
		if err := h.pinger.Ping(r.Context()); err != nil {
			rw.ServiceUnavailable("store not ready")
			return
		}
	}
	rw.Success(map[string]string{"status": "ready"})
}

// ownedSession loads the session named in the URL if the caller owns it.
// Sessions owned by someone else are indistinguishable from missing ones.
func (h *Handler) ownedSession(rw *ResponseWriter, r *http.Request) (*models.Session, bool) {
	sessionID := chi.URLParam(r, "sessionID")
	userID := auth.UserIDFromContext(r.Context())

	sess, err := h.store.GetOwnedSession(r.Context(), sessionID, userID)
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			rw.NotFound("session not found")
			return nil, false
		}
		rw.StorageError(err)
		return nil, false
	}
	return sess, true
}
