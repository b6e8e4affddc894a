// Proctorly - AI Interview Proctoring and Assessment Backend
// Copyright 2026 N. Vallin (nvallin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nvallin/proctorly

package blobstage

import (
	"context"
	"time"

	"github.com/nvallin/proctorly/internal/logging"
)

// Sweeper periodically removes stale staged blobs. It implements
// suture.Service and is supervised in the data layer.
type Sweeper struct {
	stage    *Stage
	interval time.Duration
	maxAge   time.Duration
}

// NewSweeper creates a sweeper for the given stage.
func NewSweeper(stage *Stage, interval, maxAge time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return &Sweeper{stage: stage, interval: interval, maxAge: maxAge}
}

// Serve runs the sweep loop until the context is canceled.
func (s *Sweeper) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.stage.Sweep(ctx, s.maxAge); err != nil && ctx.Err() == nil {
				logging.Error().Err(err).Msg("blob sweep failed")
			}
		}
	}
}

// String implements fmt.Stringer for supervisor logs.
func (s *Sweeper) String() string {
	return "blob-sweeper"
}
