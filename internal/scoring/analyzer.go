// Proctorly - AI Interview Proctoring and Assessment Backend
// Copyright 2026 N. Vallin (nvallin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nvallin/proctorly

// Package scoring closes interview sessions: the scoring pass evaluates
// every transcribed, un-scored answer against a reference answer and writes
// the aggregate back to the session header. The same pass serves the
// on-demand analyze endpoint and forced termination; termination
// additionally stamps a reason and annotates scored answers.
package scoring

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/nvallin/proctorly/internal/inference"
	"github.com/nvallin/proctorly/internal/logging"
	"github.com/nvallin/proctorly/internal/models"
	"github.com/nvallin/proctorly/internal/store"
)

// Result summarizes one scoring pass.
type Result struct {
	// FinalScore is the mean of all scored answers, rounded to two
	// decimals. Zero when nothing could be scored.
	FinalScore float64 `json:"final_score"`

	// Scored counts answers carrying a score after the pass, whether this
	// pass produced it or an earlier one did.
	Scored int `json:"scored"`

	// Pending counts answers still without a score and not failed: queued,
	// processing, or skipped because evaluation errored. They are excluded
	// from the mean, not treated as zero.
	Pending int `json:"pending"`

	// Failed counts answers whose transcription failed; they can never be
	// scored.
	Failed int `json:"failed"`

	Status models.SessionStatus `json:"status"`
}

// Analyzer runs scoring passes against the session store.
type Analyzer struct {
	store     store.SessionStore
	evaluator inference.Evaluator
}

// NewAnalyzer wires the scoring pass to its collaborators.
func NewAnalyzer(st store.SessionStore, ev inference.Evaluator) *Analyzer {
	return &Analyzer{store: st, evaluator: ev}
}

// Complete runs the scoring pass and closes the session as completed.
// Answers still in flight are reported in the result and left untouched.
func (a *Analyzer) Complete(ctx context.Context, sessionID string) (*Result, error) {
	return a.run(ctx, sessionID, "")
}

// Terminate runs the scoring pass and closes the session as terminated with
// the given reason. Already-terminated sessions are left as they are, so a
// second invocation has no effect.
func (a *Analyzer) Terminate(ctx context.Context, sessionID, reason string) (*Result, error) {
	if reason == "" {
		reason = "policy violation"
	}
	return a.run(ctx, sessionID, reason)
}

func (a *Analyzer) run(ctx context.Context, sessionID, terminationReason string) (*Result, error) {
	terminating := terminationReason != ""
	log := logging.Ctx(ctx).With().Str("session_id", sessionID).Logger()

	sess, err := a.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status == models.SessionStatusTerminated {
		log.Debug().Msg("Session already terminated, scoring pass skipped")
		return resultFromSession(sess), nil
	}

	// Reference answers are cached for the duration of one pass only:
	// repeated questions within a session reuse the model call, but a later
	// pass sees fresh references.
	refCache := make(map[string]string)

	var (
		scores    []float64
		scoredNow int
		pending   int
		failed    int
	)

	for _, q := range sess.Questions {
		ans, ok := sess.Answers[q.ID]
		if !ok {
			pending++
			continue
		}

		if ans.Score != nil {
			scores = append(scores, *ans.Score)
			continue
		}
		if ans.Status == models.TranscriptionFailed {
			failed++
			continue
		}
		if ans.Transcript == nil {
			pending++
			continue
		}

		ref, ok := refCache[q.ID]
		if !ok {
			ref, err = a.evaluator.GenerateReference(ctx, q.Text, sess.JobDescription)
			if err != nil {
				log.Error().Err(err).Str("question_id", q.ID).Msg("Reference generation failed, skipping answer")
				pending++
				continue
			}
			refCache[q.ID] = ref
		}

		ev, err := a.evaluator.Evaluate(ctx, q.Text, ref, *ans.Transcript)
		if err != nil {
			log.Error().Err(err).Str("question_id", q.ID).Msg("Evaluation failed, skipping answer")
			pending++
			continue
		}

		score := ev.Score
		feedback := ev.Feedback
		err = a.store.UpdateAnswer(ctx, sessionID, q.ID, func(rec *models.Answer) error {
			rec.Score = &score
			rec.Feedback = feedback
			rec.ModelAnswer = ref
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to record score for question %s: %w", q.ID, err)
		}

		scores = append(scores, score)
		scoredNow++
	}

	finalScore := 0.0
	if len(scores) > 0 {
		var sum float64
		for _, s := range scores {
			sum += s
		}
		finalScore = math.Round(sum/float64(len(scores))*100) / 100
	}

	if terminating {
		if err := a.annotateScored(ctx, sessionID, sess, terminationReason); err != nil {
			return nil, err
		}
	}

	status := models.SessionStatusCompleted
	if terminating {
		status = models.SessionStatusTerminated
	}
	now := time.Now().UTC()
	err = a.store.UpdateSession(ctx, sessionID, func(h *models.Session) error {
		h.Status = status
		h.FinalScore = &finalScore
		h.CompletedAt = &now
		if terminating {
			h.TerminationReason = terminationReason
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to close session: %w", err)
	}

	log.Info().
		Str("status", string(status)).
		Float64("final_score", finalScore).
		Int("scored", len(scores)).
		Int("pending", pending).
		Msg("Scoring pass finished")

	return &Result{
		FinalScore: finalScore,
		Scored:     len(scores),
		Pending:    pending,
		Failed:     failed,
		Status:     status,
	}, nil
}

// annotateScored appends the termination note to the feedback of every
// answer that carries a score, including ones scored in earlier passes.
func (a *Analyzer) annotateScored(ctx context.Context, sessionID string, sess *models.Session, reason string) error {
	note := "Interview terminated: " + reason

	for _, q := range sess.Questions {
		ans, ok := sess.Answers[q.ID]
		if !ok {
			continue
		}
		// Anything scored in this pass, or before it, gets the note; an
		// un-transcribed or failed answer has no feedback to annotate.
		if ans.Score == nil && (ans.Transcript == nil || ans.Status == models.TranscriptionFailed) {
			continue
		}
		err := a.store.UpdateAnswer(ctx, sessionID, q.ID, func(rec *models.Answer) error {
			if rec.Score == nil {
				return nil
			}
			for _, f := range rec.Feedback {
				if f == note {
					return nil
				}
			}
			rec.Feedback = append(rec.Feedback, note)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to annotate answer %s: %w", q.ID, err)
		}
	}
	return nil
}

func resultFromSession(sess *models.Session) *Result {
	r := &Result{Status: sess.Status}
	if sess.FinalScore != nil {
		r.FinalScore = *sess.FinalScore
	}
	for _, ans := range sess.Answers {
		switch {
		case ans.Score != nil:
			r.Scored++
		case ans.Status == models.TranscriptionFailed:
			r.Failed++
		default:
			r.Pending++
		}
	}
	return r
}
