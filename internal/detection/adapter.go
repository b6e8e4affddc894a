// Proctorly - AI Interview Proctoring and Assessment Backend
// Copyright 2026 N. Vallin (nvallin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nvallin/proctorly

package detection

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedFrame reports a frame payload that could not be decoded.
// The caller skips the tick and keeps the connection open.
var ErrMalformedFrame = errors.New("malformed frame payload")

// FaceCounter counts faces in a decoded image. Implementations hold
// per-connection resources (a detector instance, a remote stream handle)
// and must be closed when the connection ends, on every exit path.
type FaceCounter interface {
	CountFaces(frame []byte) (int, error)
	Close() error
}

// FaceCounterFactory constructs a fresh FaceCounter per accepted
// connection.
type FaceCounterFactory func() (FaceCounter, error)

// Adapter decodes client frame payloads and delegates to a FaceCounter.
// Frames arrive base64-encoded, optionally with a data-URL prefix
// ("data:image/jpeg;base64,...").
type Adapter struct {
	counter FaceCounter
}

// NewAdapter wraps a FaceCounter. The adapter takes ownership: closing the
// adapter closes the counter.
func NewAdapter(counter FaceCounter) *Adapter {
	return &Adapter{counter: counter}
}

// CountFaces decodes the base64 payload and counts faces in it. A payload
// that fails to decode returns ErrMalformedFrame; a classifier failure is
// returned as-is. Both are per-frame errors, not connection failures.
func (a *Adapter) CountFaces(payload string) (int, error) {
	if idx := strings.IndexByte(payload, ','); idx >= 0 && strings.HasPrefix(payload, "data:") {
		payload = payload[idx+1:]
	}
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if len(raw) == 0 {
		return 0, fmt.Errorf("%w: empty frame", ErrMalformedFrame)
	}
	return a.counter.CountFaces(raw)
}

// Close releases the underlying counter's resources.
func (a *Adapter) Close() error {
	return a.counter.Close()
}
