// Proctorly - AI Interview Proctoring and Assessment Backend
// Copyright 2026 N. Vallin (nvallin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nvallin/proctorly

package transcribe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/nvallin/proctorly/internal/logging"
)

// jobsTopic is the in-process queue for transcription jobs.
const jobsTopic = "transcription.jobs"

// SchedulerConfig tunes the job queue and worker concurrency.
type SchedulerConfig struct {
	// QueueBuffer is the job channel capacity. Enqueue blocks only when
	// this many jobs are already waiting.
	QueueBuffer int `koanf:"queue_buffer"`

	// Workers is the maximum number of jobs transcribing concurrently.
	Workers int `koanf:"workers"`
}

// DefaultSchedulerConfig returns production defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		QueueBuffer: 256,
		Workers:     4,
	}
}

// Scheduler owns the transcription job queue and the router that drains
// it. Upload handlers hand jobs to Enqueue and return immediately; the
// worker resolves each job to a terminal answer status in the background.
//
// Scheduler implements suture.Service.
type Scheduler struct {
	pubsub *gochannel.GoChannel
	router *message.Router
	worker *Worker

	// slots bounds concurrent jobs; the single subscription dispatches
	// into it. gochannel is a broadcast Pub/Sub, so each job must reach
	// exactly one subscriber: fan-out happens behind the one
	// subscription, never by adding more.
	slots    chan struct{}
	inflight sync.WaitGroup
}

// NewScheduler builds the queue, router and handlers. The router is not
// running yet; the supervisor drives it through Serve.
func NewScheduler(cfg SchedulerConfig, worker *Worker) (*Scheduler, error) {
	def := DefaultSchedulerConfig()
	if cfg.QueueBuffer <= 0 {
		cfg.QueueBuffer = def.QueueBuffer
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}

	wmLogger := watermill.NewStdLogger(false, false)

	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: int64(cfg.QueueBuffer),
	}, wmLogger)

	router, err := message.NewRouter(message.RouterConfig{
		CloseTimeout: 30 * time.Second,
	}, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("create transcription router: %w", err)
	}

	// Panics in a handler must not take the router down; the worker's own
	// recovery already resolves the answer record, so a panic that escapes
	// anyway is converted to an error and the message acked on redelivery.
	router.AddMiddleware(middleware.Recoverer)

	s := &Scheduler{
		pubsub: pubsub,
		router: router,
		worker: worker,
		slots:  make(chan struct{}, cfg.Workers),
	}

	router.AddNoPublisherHandler(
		"transcription-worker",
		jobsTopic,
		pubsub,
		s.handle,
	)

	return s, nil
}

// Enqueue schedules one answer for transcription. It never blocks on the
// worker: the request path stays fast regardless of queue depth (up to the
// configured buffer).
func (s *Scheduler) Enqueue(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode transcription job: %w", err)
	}

	msg := message.NewMessage(uuid.NewString(), payload)
	// The job outlives the request: keep the request's log fields but not
	// its cancellation.
	msg.SetContext(context.WithoutCancel(ctx))

	if err := s.pubsub.Publish(jobsTopic, msg); err != nil {
		return fmt.Errorf("enqueue transcription job: %w", err)
	}

	logging.Ctx(ctx).Debug().
		Str("question_id", job.QuestionID).
		Msg("Transcription job enqueued")
	return nil
}

// handle dispatches one job into the bounded pool. It blocks while all
// worker slots are busy, then acks and moves to the next message; the
// worker resolves the record to a terminal status on its own, so a
// processing error is logged, not redelivered. A job lost to a process
// crash after the ack surfaces as a stuck processing record whose blob
// the sweeper reclaims, same as any other in-flight job at crash time.
func (s *Scheduler) handle(msg *message.Message) error {
	var job Job
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		// Undecodable jobs can never succeed; drop them.
		logging.Error().Err(err).Str("message_uuid", msg.UUID).Msg("Dropping malformed transcription job")
		return nil
	}

	// The job outlives the handler return; the router cancels the message
	// context once it is acked, so the goroutine runs detached from it.
	ctx := context.WithoutCancel(msg.Context())

	s.slots <- struct{}{}
	s.inflight.Add(1)
	go func() {
		defer func() {
			<-s.slots
			s.inflight.Done()
		}()
		if err := s.worker.Process(ctx, job); err != nil {
			logging.Ctx(ctx).Error().Err(err).
				Str("question_id", job.QuestionID).
				Msg("Transcription job failed")
		}
	}()
	return nil
}

// Serve runs the router until the context is cancelled, then waits for
// dispatched jobs to finish before releasing the queue.
// Implements suture.Service.
func (s *Scheduler) Serve(ctx context.Context) error {
	defer func() { _ = s.pubsub.Close() }()
	err := s.router.Run(ctx)
	s.inflight.Wait()
	return err
}

// String identifies the service in supervisor logs.
func (s *Scheduler) String() string {
	return "transcription-scheduler"
}
