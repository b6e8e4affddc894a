// Proctorly - AI Interview Proctoring and Assessment Backend
// Copyright 2026 N. Vallin (nvallin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nvallin/proctorly

package inference

import (
	"context"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/nvallin/proctorly/internal/logging"
)

// BreakerClient wraps the inference client with circuit breaker protection.
// When the inference gateway is down or slow, the breaker fails fast instead
// of tying up transcription workers and HTTP handlers in long timeouts.
//
// The breaker uses real time for its interval and timeout calculations.
// Tests should mock the underlying client, not the breaker.
type BreakerClient struct {
	transcriber Transcriber
	evaluator   Evaluator
	cb          *gobreaker.CircuitBreaker[any]
}

// Ensure BreakerClient implements both capability interfaces.
var (
	_ Transcriber = (*BreakerClient)(nil)
	_ Evaluator   = (*BreakerClient)(nil)
)

// NewBreakerClient wraps a client. Breaker policy:
//   - Max 3 concurrent requests in half-open state
//   - 1 minute measurement window
//   - 30 second timeout before attempting recovery
//   - Opens after 60% failure rate with minimum 5 requests
func NewBreakerClient(c *Client) *BreakerClient {
	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "inference-api",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,

		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= 0.6
		},

		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Inference circuit breaker state transition")
		},
	})

	return &BreakerClient{transcriber: c, evaluator: c, cb: cb}
}

// Transcribe delegates to the wrapped client with breaker protection.
func (b *BreakerClient) Transcribe(ctx context.Context, audio []byte, contentType string) (string, error) {
	result, err := b.cb.Execute(func() (any, error) {
		return b.transcriber.Transcribe(ctx, audio, contentType)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// GenerateReference delegates to the wrapped client with breaker protection.
func (b *BreakerClient) GenerateReference(ctx context.Context, question, jobDescription string) (string, error) {
	result, err := b.cb.Execute(func() (any, error) {
		return b.evaluator.GenerateReference(ctx, question, jobDescription)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// Evaluate delegates to the wrapped client with breaker protection.
func (b *BreakerClient) Evaluate(ctx context.Context, question, reference, transcript string) (*Evaluation, error) {
	result, err := b.cb.Execute(func() (any, error) {
		return b.evaluator.Evaluate(ctx, question, reference, transcript)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Evaluation), nil
}
