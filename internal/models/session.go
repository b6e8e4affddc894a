// Proctorly - AI Interview Proctoring and Assessment Backend
// Copyright 2026 N. Vallin (nvallin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nvallin/proctorly

// Package models defines the interview session document model shared by the
// store, the transcription pipeline, the scoring pass, and the API layer.
package models

import "time"

// SessionStatus is the lifecycle status of an interview session.
type SessionStatus string

const (
	SessionStatusCreated    SessionStatus = "created"
	SessionStatusInProgress SessionStatus = "in_progress"
	SessionStatusCompleted  SessionStatus = "completed"
	SessionStatusTerminated SessionStatus = "terminated"
)

// TranscriptionStatus tracks an answer through the transcription pipeline.
// Transitions are monotonic: queued -> processing -> completed|failed.
// completed and failed are terminal.
type TranscriptionStatus string

const (
	TranscriptionQueued     TranscriptionStatus = "queued"
	TranscriptionProcessing TranscriptionStatus = "processing"
	TranscriptionCompleted  TranscriptionStatus = "completed"
	TranscriptionFailed     TranscriptionStatus = "failed"
)

// Terminal reports whether no further transition can occur from s.
func (s TranscriptionStatus) Terminal() bool {
	return s == TranscriptionCompleted || s == TranscriptionFailed
}

// CanTransitionTo reports whether moving from s to next preserves
// monotonicity. A status never moves backward and terminal statuses never
// move at all.
func (s TranscriptionStatus) CanTransitionTo(next TranscriptionStatus) bool {
	switch s {
	case TranscriptionQueued:
		return next == TranscriptionProcessing || next.Terminal()
	case TranscriptionProcessing:
		return next.Terminal()
	default:
		return false
	}
}

// Question is a single interview question within a session.
type Question struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Answer is a candidate's answer to one question. It is created on upload
// with a staged blob handle and mutated only through field-scoped updates as
// the transcription pipeline and scoring pass advance it.
type Answer struct {
	ID         string `json:"id"`
	QuestionID string `json:"question_id"`

	// BlobHandle references the staged binary payload. It is cleared once
	// the answer reaches a terminal transcription status; binary data is
	// never retained past that point.
	BlobHandle string `json:"blob_handle,omitempty"`

	Transcript         *string             `json:"transcript"`
	Status             TranscriptionStatus `json:"transcription_status"`
	TranscriptionError string              `json:"transcription_error,omitempty"`

	Score    *float64 `json:"score"`
	Feedback []string `json:"feedback"`

	// ModelAnswer is the cached reference answer used when scoring.
	ModelAnswer string `json:"model_answer,omitempty"`

	CreatedAt     time.Time  `json:"created_at"`
	TranscribedAt *time.Time `json:"transcribed_at,omitempty"`
}

// Session is the interview session document. Answers are keyed by question
// ID so concurrent writers touching different questions never conflict.
type Session struct {
	ID     string `json:"id"`
	UserID string `json:"user_id"`

	InterviewType  string `json:"interview_type,omitempty"`
	JobDescription string `json:"job_description,omitempty"`
	ResumeText     string `json:"resume_text,omitempty"`

	Questions []Question        `json:"questions"`
	Answers   map[string]Answer `json:"answers"`

	Status            SessionStatus `json:"status"`
	FinalScore        *float64      `json:"final_score"`
	TerminationReason string        `json:"termination_reason,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// QuestionText returns the text of the question with the given id, or the
// empty string if the session has no such question.
func (s *Session) QuestionText(questionID string) string {
	for i := range s.Questions {
		if s.Questions[i].ID == questionID {
			return s.Questions[i].Text
		}
	}
	return ""
}

// TranscriptionSummary counts answers by transcription status.
type TranscriptionSummary struct {
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	Processing int `json:"processing"`
	Queued     int `json:"queued"`
	Failed     int `json:"failed"`
}

// SummarizeTranscription tallies the session's answers by status.
func (s *Session) SummarizeTranscription() TranscriptionSummary {
	var sum TranscriptionSummary
	for _, ans := range s.Answers {
		sum.Total++
		switch ans.Status {
		case TranscriptionCompleted:
			sum.Completed++
		case TranscriptionProcessing:
			sum.Processing++
		case TranscriptionQueued:
			sum.Queued++
		case TranscriptionFailed:
			sum.Failed++
		}
	}
	return sum
}
