// Proctorly - AI Interview Proctoring and Assessment Backend
// Copyright 2026 N. Vallin (nvallin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nvallin/proctorly

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/nvallin/proctorly/internal/auth"
	"github.com/nvallin/proctorly/internal/detection"
	"github.com/nvallin/proctorly/internal/logging"
	"github.com/nvallin/proctorly/internal/proctor"
	"github.com/nvallin/proctorly/internal/store"
)

const wsHandshakeTimeout = 10 * time.Second

// WSHandler upgrades proctoring connections and runs the session loop.
//
// The browser WebSocket API cannot set an Authorization header, so the
// token travels as a query parameter. Auth happens after the upgrade so
// the client gets a close frame with a reason instead of a bare 4xx.
type WSHandler struct {
	upgrader   websocket.Upgrader
	jwt        *auth.JWTManager
	store      store.SessionStore
	cfg        proctor.SessionConfig
	counters   detection.FaceCounterFactory
	terminator proctor.Terminator
}

// NewWSHandler builds the proctoring WebSocket handler.
func NewWSHandler(jwt *auth.JWTManager, st store.SessionStore, cfg proctor.SessionConfig, counters detection.FaceCounterFactory, term proctor.Terminator, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			HandshakeTimeout: wsHandshakeTimeout,
			CheckOrigin:      originChecker(allowedOrigins),
		},
		jwt:        jwt,
		store:      st,
		cfg:        cfg,
		counters:   counters,
		terminator: term,
	}
}

// Proctor is the GET handler for the proctoring stream.
func (h *WSHandler) Proctor(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	log := logging.Ctx(r.Context()).With().Str("session_id", sessionID).Logger()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		closeWithPolicyViolation(conn, "Authentication required")
		return
	}
	claims, err := h.jwt.ValidateToken(token)
	if err != nil {
		closeWithPolicyViolation(conn, "Invalid token")
		return
	}

	if _, err := h.store.GetOwnedSession(r.Context(), sessionID, claims.UserID); err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			closeWithPolicyViolation(conn, "Session not found")
			return
		}
		closeWithInternalError(conn, log, err, "Failed to load session")
		return
	}

	counter, err := h.counters()
	if err != nil {
		closeWithInternalError(conn, log, err, "Failed to acquire face counter")
		return
	}

	sess := proctor.NewSession(h.cfg, sessionID, claims.UserID, conn, detection.NewAdapter(counter), h.terminator)
	if err := sess.Run(r.Context()); err != nil {
		log.Error().Err(err).Msg("Proctoring session ended with error")
	}
}

func closeWithPolicyViolation(conn *websocket.Conn, reason string) {
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
	_ = conn.Close()
}

func closeWithInternalError(conn *websocket.Conn, log zerolog.Logger, err error, reason string) {
	log.Error().Err(err).Msg(reason)
	msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "Internal error")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
	_ = conn.Close()
}

// originChecker validates the Origin header against the configured
// allowlist. An empty allowlist or a "*" entry admits every origin;
// non-browser clients send no Origin header and are admitted.
func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}
