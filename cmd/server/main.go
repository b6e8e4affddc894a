// Proctorly - AI Interview Proctoring and Assessment Backend
// Copyright 2026 N. Vallin (nvallin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nvallin/proctorly

// Command server runs the Proctorly backend: the proctoring WebSocket
// endpoint, the answer upload and scoring API, and the background
// transcription pipeline, all under one supervisor tree.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/nvallin/proctorly/internal/api"
	"github.com/nvallin/proctorly/internal/auth"
	"github.com/nvallin/proctorly/internal/blobstage"
	"github.com/nvallin/proctorly/internal/config"
	"github.com/nvallin/proctorly/internal/detection"
	"github.com/nvallin/proctorly/internal/inference"
	"github.com/nvallin/proctorly/internal/logging"
	"github.com/nvallin/proctorly/internal/proctor"
	"github.com/nvallin/proctorly/internal/retry"
	"github.com/nvallin/proctorly/internal/scoring"
	"github.com/nvallin/proctorly/internal/store"
	"github.com/nvallin/proctorly/internal/supervisor"
	"github.com/nvallin/proctorly/internal/transcribe"
)

// scoringWritePolicy spaces scoring-pass writes further apart than the
// default store policy: the pass touches every answer record in a row
// and competes with in-flight transcription jobs for the same keys.
var scoringWritePolicy = retry.Policy{Attempts: 3, Backoff: 200 * time.Millisecond}

func main() {
	if err := run(); err != nil {
		logging.Fatal().Err(err).Msg("Server exited with error")
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logFormat := "json"
	if cfg.Logging.Pretty {
		logFormat = "console"
	}
	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: logFormat,
		Output: os.Stderr,
	})
	logging.Info().
		Str("store_path", cfg.Store.Path).
		Bool("in_memory", cfg.Store.InMemory).
		Int("port", cfg.Server.Port).
		Msg("Starting Proctorly server")

	db, err := openStore(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Failed to close store")
		}
	}()

	sessions := store.NewBadgerStore(db)
	scoringSessions := store.NewBadgerStoreWithPolicy(db, scoringWritePolicy)
	blobs := blobstage.New(db)

	client := inference.NewClient(cfg.Inference)
	guarded := inference.NewBreakerClient(client)

	analyzer := scoring.NewAnalyzer(scoringSessions, guarded)
	terminator := proctor.TerminatorFunc(func(ctx context.Context, sessionID, reason string) error {
		_, err := analyzer.Terminate(ctx, sessionID, reason)
		return err
	})

	worker := transcribe.NewWorker(sessions, blobs, guarded)
	scheduler, err := transcribe.NewScheduler(cfg.Transcription, worker)
	if err != nil {
		return fmt.Errorf("build transcription scheduler: %w", err)
	}

	jwtManager, err := auth.NewJWTManager(cfg.Security.JWTSecret, cfg.Security.SessionTimeout)
	if err != nil {
		return fmt.Errorf("build jwt manager: %w", err)
	}

	// One counter per proctoring connection, built on accept and closed
	// with the session.
	counters := detection.NewHTTPCounterFactory(cfg.Detection)

	handler := api.NewHandler(sessions, blobs, scheduler, analyzer, sessions, cfg.Server.MaxUploadBytes)
	wsHandler := api.NewWSHandler(jwtManager, sessions, cfg.Proctor, counters, terminator, cfg.Server.AllowedOrigins)
	router := api.NewRouter(api.RouterConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		RateLimit:      cfg.Server.RateLimit,
	}, handler, wsHandler, jwtManager)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	tree.AddDataService(blobstage.NewSweeper(blobs, cfg.BlobStage.SweepInterval, cfg.BlobStage.MaxAge))
	tree.AddWorkerService(scheduler)
	tree.AddAPIService(supervisor.NewHTTPService(server, cfg.Server.ShutdownTimeout))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = tree.Serve(ctx)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("supervisor: %w", err)
	}

	if report, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		for _, svc := range report {
			logging.Warn().Str("service", svc.Name).Msg("Service did not stop within shutdown timeout")
		}
	}

	logging.Info().Msg("Server stopped")
	return nil
}

func openStore(cfg config.StoreConfig) (*badger.DB, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithLogger(nil)
	return badger.Open(opts)
}
