// Proctorly - AI Interview Proctoring and Assessment Backend
// Copyright 2026 N. Vallin (nvallin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nvallin/proctorly

// Package proctor drives one live proctoring connection end to end: frames
// in, violation tracking, status messages out, and forced termination when
// the tracker reaches its terminal state. Each connection owns its own
// detection adapter and tracker; connections share nothing but the store,
// reached through the termination orchestrator.
package proctor

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/nvallin/proctorly/internal/detection"
	"github.com/nvallin/proctorly/internal/logging"
	"github.com/nvallin/proctorly/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 2 * 1024 * 1024 // frames are base64 JPEG stills
)

// Terminator closes a session with a termination reason. Satisfied by the
// scoring pass's orchestrator.
type Terminator interface {
	Terminate(ctx context.Context, sessionID, reason string) error
}

// TerminatorFunc adapts a function to the Terminator interface.
type TerminatorFunc func(ctx context.Context, sessionID, reason string) error

// Terminate calls f.
func (f TerminatorFunc) Terminate(ctx context.Context, sessionID, reason string) error {
	return f(ctx, sessionID, reason)
}

// terminationReason is the reason stamped on sessions the tracker kills.
const terminationReason = "repeated proctoring violations"

// Conn is the subset of *websocket.Conn the session loop uses. Tests
// substitute a scripted connection.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	Close() error
}

// clientMessage is one inbound websocket message. A message without a frame
// payload is a liveness ping and is skipped without error.
type clientMessage struct {
	Frame *string `json:"frame"`
}

// statusMessage is the per-tick response sent to the client.
type statusMessage struct {
	Status     string `json:"status"`
	Message    string `json:"message"`
	FaceCount  int    `json:"face_count"`
	AlertCount int    `json:"alert_count"`
}

// SessionConfig tunes one proctoring connection.
type SessionConfig struct {
	Tracker detection.TrackerConfig `koanf:"tracker"`

	// FramesPerSecond caps how many frames per connection are classified.
	// Frames over budget are dropped without ticking the tracker, so a
	// flooding client cannot buy extra classification work or skew the
	// wall-clock policy.
	FramesPerSecond float64 `koanf:"frames_per_second"`

	// FrameBurst is the rate limiter burst allowance.
	FrameBurst int `koanf:"frame_burst"`
}

// DefaultSessionConfig returns production defaults.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Tracker:         detection.DefaultTrackerConfig(),
		FramesPerSecond: 10,
		FrameBurst:      20,
	}
}

// Session is one live proctoring connection.
type Session struct {
	sessionID  string
	userID     string
	conn       Conn
	adapter    *detection.Adapter
	tracker    *detection.ViolationTracker
	terminator Terminator
	limiter    *rate.Limiter
	now        func() time.Time
}

// NewSession assembles the per-connection resources. The session takes
// ownership of conn and adapter; Run releases both on every exit path.
func NewSession(cfg SessionConfig, sessionID, userID string, conn Conn, adapter *detection.Adapter, term Terminator) *Session {
	def := DefaultSessionConfig()
	if cfg.FramesPerSecond <= 0 {
		cfg.FramesPerSecond = def.FramesPerSecond
	}
	if cfg.FrameBurst <= 0 {
		cfg.FrameBurst = def.FrameBurst
	}

	return &Session{
		sessionID:  sessionID,
		userID:     userID,
		conn:       conn,
		adapter:    adapter,
		tracker:    detection.NewViolationTracker(cfg.Tracker),
		terminator: term,
		limiter:    rate.NewLimiter(rate.Limit(cfg.FramesPerSecond), cfg.FrameBurst),
		now:        time.Now,
	}
}

// Run drives the message loop until the client disconnects, the context is
// cancelled, or the tracker terminates the session. The detection adapter
// and the connection are always released. A plain disconnect has no
// termination side effect; the client simply stops.
func (s *Session) Run(ctx context.Context) error {
	log := logging.With().
		Str("session_id", s.sessionID).
		Str("user_id", s.userID).
		Logger()

	metrics.ProctorActiveConnections.Inc()
	defer metrics.ProctorActiveConnections.Dec()

	defer func() {
		if err := s.adapter.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to release detection adapter")
		}
		_ = s.conn.Close()
	}()

	// Unblock the read loop when the server shuts down.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = s.conn.Close()
		case <-watchDone:
		}
	}()

	s.conn.SetReadLimit(maxMessageSize)
	log.Info().Msg("Proctoring connection opened")

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				log.Info().Msg("Proctoring connection closed on shutdown")
				return nil
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Msg("Proctoring connection read error")
			} else {
				log.Info().Msg("Proctoring connection closed by client")
			}
			return nil
		}

		var msg clientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			metrics.ProctorFramesSkipped.WithLabelValues("decode_error").Inc()
			continue
		}
		if msg.Frame == nil {
			// Liveness ping.
			metrics.ProctorFramesSkipped.WithLabelValues("keepalive").Inc()
			continue
		}
		if !s.limiter.Allow() {
			metrics.ProctorFramesSkipped.WithLabelValues("rate_limited").Inc()
			continue
		}

		faceCount, err := s.adapter.CountFaces(*msg.Frame)
		if err != nil {
			// A bad frame or a classifier hiccup skips the tick, never the
			// connection.
			if errors.Is(err, detection.ErrMalformedFrame) {
				log.Debug().Err(err).Msg("Skipping malformed frame")
			} else {
				log.Warn().Err(err).Msg("Frame classification failed, skipping tick")
			}
			metrics.ProctorFramesSkipped.WithLabelValues("decode_error").Inc()
			continue
		}

		tick := s.tracker.Tick(faceCount, s.now())
		metrics.ProctorTicksTotal.WithLabelValues(string(tick.Status)).Inc()

		if tick.Status == detection.StatusAlert || tick.Status == detection.StatusWarning {
			violation := "no_face"
			if faceCount > 1 {
				violation = "multiple_faces"
			}
			metrics.ProctorAlertsTotal.WithLabelValues(violation).Inc()
			log.Warn().
				Str("violation", violation).
				Int("alert_count", tick.AlertCount).
				Msg("Proctoring violation alert")
		}

		if tick.Terminated {
			metrics.ProctorTerminationsTotal.Inc()
			log.Warn().Int("alert_count", tick.AlertCount).Msg("Terminating session")

			// Reconcile before the client hears about it: the final status
			// message must describe a session that is already closed.
			if err := s.terminator.Terminate(ctx, s.sessionID, terminationReason); err != nil {
				log.Error().Err(err).Msg("Termination reconciliation failed")
			}
			_ = s.send(tick)
			_ = s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session terminated"))
			return nil
		}

		if err := s.send(tick); err != nil {
			log.Warn().Err(err).Msg("Failed to send status message")
			return nil
		}
	}
}

func (s *Session) send(tick detection.TickResult) error {
	payload, err := json.Marshal(statusMessage{
		Status:     string(tick.Status),
		Message:    tick.Message,
		FaceCount:  tick.FaceCount,
		AlertCount: tick.AlertCount,
	})
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}
