// Proctorly - AI Interview Proctoring and Assessment Backend
// Copyright 2026 N. Vallin (nvallin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nvallin/proctorly

// Package store provides the session document store.
//
// Sessions are stored in BadgerDB as a header record plus one record per
// answer, keyed by question ID. Splitting the document this way makes every
// answer update field-scoped: writers touching different questions operate
// on disjoint keys and cannot clobber each other. Writers contending on the
// same key hit Badger's transaction conflict detection and are retried with
// bounded linear backoff.
package store

import (
	"context"
	"errors"

	"github.com/nvallin/proctorly/internal/models"
)

// Sentinel errors returned by SessionStore implementations.
var (
	// ErrSessionNotFound indicates the session does not exist or is not
	// owned by the requesting user.
	ErrSessionNotFound = errors.New("session not found")

	// ErrAnswerNotFound indicates the session has no answer for the
	// requested question.
	ErrAnswerNotFound = errors.New("answer not found")
)

// SessionStore is the document-store surface the rest of the application
// depends on: find by id, insert, and field-scoped partial updates. No
// cross-document transactions are assumed.
type SessionStore interface {
	// InsertSession creates a new session record.
	InsertSession(ctx context.Context, sess *models.Session) error

	// GetSession returns the full session, answers included.
	GetSession(ctx context.Context, id string) (*models.Session, error)

	// GetOwnedSession returns the session only if it belongs to userID.
	// A session owned by someone else is reported as not found.
	GetOwnedSession(ctx context.Context, id, userID string) (*models.Session, error)

	// UpsertAnswer writes the answer record for one question and marks the
	// session in progress. Sibling answers are untouched.
	UpsertAnswer(ctx context.Context, sessionID, questionID string, ans models.Answer) error

	// UpdateAnswer applies mutate to exactly one answer's record. The write
	// is retried on transient conflicts; mutate may run more than once and
	// must be idempotent.
	UpdateAnswer(ctx context.Context, sessionID, questionID string, mutate func(*models.Answer) error) error

	// UpdateSession applies mutate to the session header (status, final
	// score, termination reason). The session passed to mutate carries no
	// answers; answer records are reachable only through UpdateAnswer.
	UpdateSession(ctx context.Context, sessionID string, mutate func(*models.Session) error) error
}
