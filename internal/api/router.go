// Proctorly - AI Interview Proctoring and Assessment Backend
// Copyright 2026 N. Vallin (nvallin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nvallin/proctorly

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nvallin/proctorly/internal/auth"
	"github.com/nvallin/proctorly/internal/middleware"
)

// RouterConfig carries the HTTP-surface knobs the router needs.
type RouterConfig struct {
	AllowedOrigins []string
	RateLimit      int // requests per minute per client IP
}

// NewRouter assembles the chi router. The proctoring stream route sits
// outside the bearer-token group: browsers cannot set an Authorization
// header on a WebSocket, so that route authenticates via query token.
func NewRouter(cfg RouterConfig, h *Handler, ws *WSHandler, jwt *auth.JWTManager) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.RateLimit > 0 {
			r.Use(httprate.LimitByIP(cfg.RateLimit, time.Minute))
		}
		r.Use(middleware.PrometheusMetrics)

		r.Route("/health", func(r chi.Router) {
			r.Get("/live", h.HealthLive)
			r.Get("/ready", h.HealthReady)
		})

		// Query-token auth happens inside the WebSocket handler.
		r.Get("/sessions/{sessionID}/proctor", ws.Proctor)

		r.Group(func(r chi.Router) {
			r.Use(jwt.Middleware)

			r.Post("/sessions", h.CreateSession)
			r.Get("/sessions/{sessionID}", h.GetSession)
			r.Get("/sessions/{sessionID}/status", h.SessionStatus)
			r.Post("/sessions/{sessionID}/analyze", h.Analyze)
			r.Post("/sessions/{sessionID}/answers/{questionID}", h.UploadAnswer)
			r.Get("/sessions/{sessionID}/answers/{questionID}/status", h.AnswerStatus)
		})
	})

	return r
}
