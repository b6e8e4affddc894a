// Proctorly - AI Interview Proctoring and Assessment Backend
// Copyright 2026 N. Vallin (nvallin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nvallin/proctorly

package models

import "time"

// BlobMetadata describes a staged answer payload. It exists only between
// upload and the terminal transcription status; the sweeper removes records
// whose owner job crashed before cleanup.
type BlobMetadata struct {
	SessionID   string    `json:"session_id"`
	QuestionID  string    `json:"question_id"`
	UserID      string    `json:"user_id"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}
