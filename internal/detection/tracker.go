// Proctorly - AI Interview Proctoring and Assessment Backend
// Copyright 2026 N. Vallin (nvallin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nvallin/proctorly

// Package detection provides per-connection face-presence monitoring: an
// adapter over the opaque frame classifier and the violation tracker state
// machine that turns a stream of face counts into alert and termination
// decisions.
package detection

import (
	"fmt"
	"time"
)

// Status is the per-tick result emitted to the client.
type Status string

const (
	StatusOK        Status = "ok"
	StatusWarning   Status = "warning"
	StatusAlert     Status = "alert"
	StatusTerminate Status = "terminate"
)

// TrackerConfig holds the violation policy constants. All thresholds are
// wall-clock durations, not frame counts, so the policy is invariant to
// frame rate: a slow or bursty client can neither evade nor falsely
// trigger violations.
type TrackerConfig struct {
	// AlertCooldown is the minimum interval between two consecutive
	// alerts, shared across both violation types.
	AlertCooldown time.Duration `koanf:"alert_cooldown"`

	// NoFaceThreshold is how long no face must persist before a warning.
	NoFaceThreshold time.Duration `koanf:"no_face_threshold"`

	// MultiFaceThreshold is how long multiple faces must persist before
	// an alert.
	MultiFaceThreshold time.Duration `koanf:"multi_face_threshold"`

	// MaxAlerts is the alert count at which the session is terminated.
	MaxAlerts int `koanf:"max_alerts"`
}

// DefaultTrackerConfig returns the production policy.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		AlertCooldown:      5 * time.Second,
		NoFaceThreshold:    5 * time.Second,
		MultiFaceThreshold: 2 * time.Second,
		MaxAlerts:          5,
	}
}

// TickResult is the outcome of processing one frame.
type TickResult struct {
	Status     Status
	Message    string
	FaceCount  int
	AlertCount int

	// Terminated is set on the tick that crosses MaxAlerts. The connection
	// must close after this tick and the termination orchestrator must run
	// exactly once.
	Terminated bool
}

// ViolationTracker is the per-connection state machine. It is ephemeral:
// it lives for one connection and is never persisted, so a reconnect starts
// from a clean slate. It is not safe for concurrent use; each connection's
// message loop owns exactly one tracker.
type ViolationTracker struct {
	config TrackerConfig

	alertCount     int
	noFaceSince    time.Time // zero means unset
	multiFaceSince time.Time // zero means unset
	lastAlertAt    time.Time // zero default, so the first alert is never throttled
	terminated     bool
}

// NewViolationTracker creates a tracker with the given policy. Zero-valued
// fields fall back to the defaults.
func NewViolationTracker(cfg TrackerConfig) *ViolationTracker {
	def := DefaultTrackerConfig()
	if cfg.AlertCooldown <= 0 {
		cfg.AlertCooldown = def.AlertCooldown
	}
	if cfg.NoFaceThreshold <= 0 {
		cfg.NoFaceThreshold = def.NoFaceThreshold
	}
	if cfg.MultiFaceThreshold <= 0 {
		cfg.MultiFaceThreshold = def.MultiFaceThreshold
	}
	if cfg.MaxAlerts <= 0 {
		cfg.MaxAlerts = def.MaxAlerts
	}
	return &ViolationTracker{config: cfg}
}

// AlertCount returns the number of alerts raised so far. It never
// decreases.
func (t *ViolationTracker) AlertCount() int {
	return t.alertCount
}

// Terminated reports whether the tracker has reached its terminal state.
func (t *ViolationTracker) Terminated() bool {
	return t.terminated
}

// Tick processes one frame's face count at the given wall-clock instant.
//
// Exactly one face clears both violation timers, even mid-cooldown. No face
// and multiple faces are mutually exclusive by face count; each starts its
// own timer and clears the other's. An alert fires when a violation has
// persisted past its threshold and the shared cooldown has elapsed, so a
// no-face warning also throttles an immediately following multi-face alert.
// The alert count increases by at most one per tick and the termination
// check runs once per tick, after any increment.
func (t *ViolationTracker) Tick(faceCount int, now time.Time) TickResult {
	if t.terminated {
		return TickResult{
			Status:     StatusTerminate,
			Message:    "Interview terminated due to repeated violations",
			FaceCount:  faceCount,
			AlertCount: t.alertCount,
			Terminated: true,
		}
	}

	result := TickResult{
		Status:    StatusOK,
		Message:   "Interview in progress",
		FaceCount: faceCount,
	}

	switch {
	case faceCount == 1:
		t.noFaceSince = time.Time{}
		t.multiFaceSince = time.Time{}

	case faceCount > 1:
		t.noFaceSince = time.Time{}
		if t.multiFaceSince.IsZero() {
			t.multiFaceSince = now
		}
		if now.Sub(t.multiFaceSince) >= t.config.MultiFaceThreshold && now.Sub(t.lastAlertAt) >= t.config.AlertCooldown {
			t.alertCount++
			t.lastAlertAt = now
			result.Status = StatusAlert
			result.Message = fmt.Sprintf("Multiple faces detected (%d)", faceCount)
		}

	default: // faceCount == 0
		t.multiFaceSince = time.Time{}
		if t.noFaceSince.IsZero() {
			t.noFaceSince = now
		}
		if now.Sub(t.noFaceSince) >= t.config.NoFaceThreshold && now.Sub(t.lastAlertAt) >= t.config.AlertCooldown {
			t.alertCount++
			t.lastAlertAt = now
			result.Status = StatusWarning
			result.Message = "Face not detected"
		}
	}

	result.AlertCount = t.alertCount

	if t.alertCount >= t.config.MaxAlerts {
		t.terminated = true
		result.Status = StatusTerminate
		result.Message = "Interview terminated due to repeated violations"
		result.Terminated = true
	}

	return result
}
