// Proctorly - AI Interview Proctoring and Assessment Backend
// Copyright 2026 N. Vallin (nvallin)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/nvallin/proctorly

package scoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/nvallin/proctorly/internal/inference"
	"github.com/nvallin/proctorly/internal/models"
	"github.com/nvallin/proctorly/internal/retry"
	"github.com/nvallin/proctorly/internal/store"
)

type stubEvaluator struct {
	scores       map[string]float64 // keyed by transcript
	refCalls     int
	evalErr      error
	refErr       error
	evaluated    []string
	refQuestions []string
}

func (s *stubEvaluator) GenerateReference(_ context.Context, question, _ string) (string, error) {
	s.refCalls++
	s.refQuestions = append(s.refQuestions, question)
	if s.refErr != nil {
		return "", s.refErr
	}
	return "reference for " + question, nil
}

func (s *stubEvaluator) Evaluate(_ context.Context, _, _, transcript string) (*inference.Evaluation, error) {
	if s.evalErr != nil {
		return nil, s.evalErr
	}
	s.evaluated = append(s.evaluated, transcript)
	score, ok := s.scores[transcript]
	if !ok {
		score = 5
	}
	return &inference.Evaluation{Score: score, Feedback: []string{"feedback for " + transcript}}, nil
}

func newTestStore(t *testing.T) *store.BadgerStore {
	t.Helper()
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return store.NewBadgerStoreWithPolicy(db, retry.Policy{Attempts: 3, Backoff: time.Millisecond})
}

func strptr(s string) *string { return &s }

// seedThreeAnswers creates a session with three questions: two transcribed,
// one still processing.
func seedThreeAnswers(t *testing.T, st *store.BadgerStore) {
	t.Helper()
	ctx := context.Background()

	sess := &models.Session{
		ID:     "sess-1",
		UserID: "user-1",
		Questions: []models.Question{
			{ID: "q1", Text: "Explain indexing."},
			{ID: "q2", Text: "Explain sharding."},
			{ID: "q3", Text: "Explain caching."},
		},
		JobDescription: "Backend engineer",
		Status:         models.SessionStatusInProgress,
		CreatedAt:      time.Now().UTC(),
	}
	if err := st.InsertSession(ctx, sess); err != nil {
		t.Fatalf("insert session: %v", err)
	}

	answers := []models.Answer{
		{ID: "a1", QuestionID: "q1", Status: models.TranscriptionCompleted, Transcript: strptr("answer one")},
		{ID: "a2", QuestionID: "q2", Status: models.TranscriptionCompleted, Transcript: strptr("answer two")},
		{ID: "a3", QuestionID: "q3", Status: models.TranscriptionProcessing},
	}
	for _, ans := range answers {
		if err := st.UpsertAnswer(ctx, "sess-1", ans.QuestionID, ans); err != nil {
			t.Fatalf("upsert answer %s: %v", ans.QuestionID, err)
		}
	}
}

func TestCompleteScoresTranscribedAnswersOnly(t *testing.T) {
	st := newTestStore(t)
	seedThreeAnswers(t, st)
	ev := &stubEvaluator{scores: map[string]float64{"answer one": 8, "answer two": 6}}
	a := NewAnalyzer(st, ev)

	res, err := a.Complete(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	if res.Scored != 2 {
		t.Errorf("scored = %d, want 2", res.Scored)
	}
	if res.Pending != 1 {
		t.Errorf("pending = %d, want 1", res.Pending)
	}
	if res.FinalScore != 7 {
		t.Errorf("final score = %v, want 7 (mean of 8 and 6)", res.FinalScore)
	}
	if res.Status != models.SessionStatusCompleted {
		t.Errorf("status = %q", res.Status)
	}

	sess, err := st.GetSession(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Status != models.SessionStatusCompleted {
		t.Errorf("stored status = %q", sess.Status)
	}
	if sess.FinalScore == nil || *sess.FinalScore != 7 {
		t.Errorf("stored final score = %v", sess.FinalScore)
	}
	if sess.CompletedAt == nil {
		t.Error("completed_at not set")
	}
	if ans := sess.Answers["q3"]; ans.Score != nil {
		t.Errorf("pending answer got score %v", *ans.Score)
	}
	if ans := sess.Answers["q1"]; ans.Score == nil || *ans.Score != 8 {
		t.Errorf("q1 score = %v", ans.Score)
	}
}

func TestCompleteRoundsToTwoDecimals(t *testing.T) {
	st := newTestStore(t)
	seedThreeAnswers(t, st)
	// Mean of 7 and 8 over... use scores producing a repeating decimal:
	// third answer stays pending, so mean = (7+6.5)/2 = 6.75 exact; instead
	// use 7 and 6 with an extra... simpler: 8 and 7.5 -> 7.75; rounding case:
	ev := &stubEvaluator{scores: map[string]float64{"answer one": 7, "answer two": 7.555}}
	a := NewAnalyzer(st, ev)

	res, err := a.Complete(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.FinalScore != 7.28 {
		t.Errorf("final score = %v, want 7.28", res.FinalScore)
	}
}

func TestCompleteNoScoredAnswers(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	sess := &models.Session{
		ID:        "sess-1",
		UserID:    "user-1",
		Questions: []models.Question{{ID: "q1", Text: "Explain indexing."}},
		Status:    models.SessionStatusInProgress,
		CreatedAt: time.Now().UTC(),
	}
	if err := st.InsertSession(ctx, sess); err != nil {
		t.Fatalf("insert session: %v", err)
	}

	a := NewAnalyzer(st, &stubEvaluator{})
	res, err := a.Complete(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.FinalScore != 0 {
		t.Errorf("final score = %v, want 0", res.FinalScore)
	}
	if res.Scored != 0 || res.Pending != 1 {
		t.Errorf("scored = %d pending = %d", res.Scored, res.Pending)
	}
}

func TestReferenceCachedPerPass(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	// Two questions sharing an id cannot occur, so exercise the cache by
	// running two passes: the second pass must regenerate references for
	// anything it scores.
	sess := &models.Session{
		ID:        "sess-1",
		UserID:    "user-1",
		Questions: []models.Question{{ID: "q1", Text: "Explain indexing."}},
		Status:    models.SessionStatusInProgress,
		CreatedAt: time.Now().UTC(),
	}
	if err := st.InsertSession(ctx, sess); err != nil {
		t.Fatalf("insert session: %v", err)
	}
	err := st.UpsertAnswer(ctx, "sess-1", "q1", models.Answer{
		ID: "a1", QuestionID: "q1", Status: models.TranscriptionCompleted, Transcript: strptr("answer"),
	})
	if err != nil {
		t.Fatalf("upsert answer: %v", err)
	}

	ev := &stubEvaluator{}
	a := NewAnalyzer(st, ev)
	if _, err := a.Complete(ctx, "sess-1"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if ev.refCalls != 1 {
		t.Errorf("reference calls = %d, want 1", ev.refCalls)
	}

	// Second pass: the answer is already scored, so no new reference.
	if _, err := a.Complete(ctx, "sess-1"); err != nil {
		t.Fatalf("second Complete: %v", err)
	}
	if ev.refCalls != 1 {
		t.Errorf("reference calls after second pass = %d, want 1", ev.refCalls)
	}
}

func TestCompleteSkipsAlreadyScored(t *testing.T) {
	st := newTestStore(t)
	seedThreeAnswers(t, st)
	ctx := context.Background()

	prior := 9.0
	err := st.UpdateAnswer(ctx, "sess-1", "q1", func(a *models.Answer) error {
		a.Score = &prior
		a.Feedback = []string{"earlier feedback"}
		return nil
	})
	if err != nil {
		t.Fatalf("pre-score q1: %v", err)
	}

	ev := &stubEvaluator{scores: map[string]float64{"answer two": 5}}
	a := NewAnalyzer(st, ev)
	res, err := a.Complete(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	for _, tr := range ev.evaluated {
		if tr == "answer one" {
			t.Error("already-scored answer was re-evaluated")
		}
	}
	if res.FinalScore != 7 {
		t.Errorf("final score = %v, want 7 (mean of 9 and 5)", res.FinalScore)
	}
}

func TestEvaluationErrorLeavesAnswerPending(t *testing.T) {
	st := newTestStore(t)
	seedThreeAnswers(t, st)
	ev := &stubEvaluator{evalErr: errors.New("model down")}
	a := NewAnalyzer(st, ev)

	res, err := a.Complete(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if res.Scored != 0 {
		t.Errorf("scored = %d, want 0", res.Scored)
	}
	if res.Pending != 3 {
		t.Errorf("pending = %d, want 3", res.Pending)
	}
	if res.FinalScore != 0 {
		t.Errorf("final score = %v, want 0", res.FinalScore)
	}
	// The session still closes; stuck answers stay visible via status.
	if res.Status != models.SessionStatusCompleted {
		t.Errorf("status = %q", res.Status)
	}
}

func TestTerminateStampsReasonAndNote(t *testing.T) {
	st := newTestStore(t)
	seedThreeAnswers(t, st)
	ev := &stubEvaluator{scores: map[string]float64{"answer one": 4, "answer two": 2}}
	a := NewAnalyzer(st, ev)

	res, err := a.Terminate(context.Background(), "sess-1", "repeated proctoring violations")
	if err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if res.Status != models.SessionStatusTerminated {
		t.Errorf("status = %q", res.Status)
	}
	if res.FinalScore != 3 {
		t.Errorf("final score = %v, want 3", res.FinalScore)
	}

	sess, err := st.GetSession(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.Status != models.SessionStatusTerminated {
		t.Errorf("stored status = %q", sess.Status)
	}
	if sess.TerminationReason != "repeated proctoring violations" {
		t.Errorf("termination reason = %q", sess.TerminationReason)
	}

	note := "Interview terminated: repeated proctoring violations"
	for _, qid := range []string{"q1", "q2"} {
		ans := sess.Answers[qid]
		found := false
		for _, f := range ans.Feedback {
			if f == note {
				found = true
			}
		}
		if !found {
			t.Errorf("%s feedback missing termination note: %v", qid, ans.Feedback)
		}
	}
	if ans := sess.Answers["q3"]; len(ans.Feedback) != 0 {
		t.Errorf("unscored answer got feedback: %v", ans.Feedback)
	}
}

func TestTerminateIdempotent(t *testing.T) {
	st := newTestStore(t)
	seedThreeAnswers(t, st)
	ev := &stubEvaluator{scores: map[string]float64{"answer one": 4, "answer two": 2}}
	a := NewAnalyzer(st, ev)

	if _, err := a.Terminate(context.Background(), "sess-1", "first reason"); err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	res, err := a.Terminate(context.Background(), "sess-1", "second reason")
	if err != nil {
		t.Fatalf("second Terminate: %v", err)
	}
	if res.Status != models.SessionStatusTerminated {
		t.Errorf("status = %q", res.Status)
	}

	sess, err := st.GetSession(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.TerminationReason != "first reason" {
		t.Errorf("termination reason overwritten: %q", sess.TerminationReason)
	}

	// The note must not be duplicated either.
	note := "Interview terminated: first reason"
	count := 0
	for _, f := range sess.Answers["q1"].Feedback {
		if f == note {
			count++
		}
	}
	if count != 1 {
		t.Errorf("termination note appears %d times, want 1", count)
	}
}
