package answers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-coach/internal/docstore"
	"github.com/loqalabs/loqa-coach/internal/domain"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T) *docstore.SQLite {
	t.Helper()
	s, err := docstore.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "answers.db"), newLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// countingStore wraps a store and records calls, optionally failing one step.
type countingStore struct {
	docstore.Store
	queries, creates, updates, deletes int
	failOn                             string
}

func (c *countingStore) Query(ctx context.Context, coll string, filters ...docstore.Filter) ([]docstore.Document, error) {
	c.queries++
	if c.failOn == "query" {
		return nil, errors.New("unavailable")
	}
	return c.Store.Query(ctx, coll, filters...)
}

func (c *countingStore) Create(ctx context.Context, coll string, fields docstore.Fields) (string, error) {
	c.creates++
	if c.failOn == "create" {
		return "", errors.New("permission denied")
	}
	return c.Store.Create(ctx, coll, fields)
}

func (c *countingStore) Update(ctx context.Context, coll, id string, fields docstore.Fields) error {
	c.updates++
	if c.failOn == "update" {
		return errors.New("deadline exceeded")
	}
	return c.Store.Update(ctx, coll, id, fields)
}

func (c *countingStore) Delete(ctx context.Context, coll string, ids ...string) (int, error) {
	c.deletes++
	if c.failOn == "delete" {
		return 0, errors.New("unavailable")
	}
	return c.Store.Delete(ctx, coll, ids...)
}

var goroutineQ = domain.Question{
	Prompt:          "What is a goroutine?",
	ReferenceAnswer: "A lightweight thread managed by the Go runtime.",
}

func submission(result domain.GradingResult) Submission {
	return Submission{
		InterviewRef: "interview-1",
		Question:     goroutineQ,
		UserAnswer:   "A goroutine is a function running concurrently with others.",
		Result:       result,
	}
}

func TestSaveThenDuplicate(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{Store: openStore(t)}
	gate := NewGate(store, "userAnswers", time.Second, newLogger())

	first, err := gate.Save(ctx, "user-1", submission(domain.GradingResult{Rating: 8, Feedback: "Good."}))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if first.Outcome != OutcomeSaved || first.ID == "" {
		t.Fatalf("unexpected result %+v", first)
	}
	if store.creates != 1 || store.updates != 1 {
		t.Fatalf("expected one create and one update, got %d/%d", store.creates, store.updates)
	}

	second, err := gate.Save(ctx, "user-1", submission(domain.GradingResult{Rating: 3, Feedback: "Retry."}))
	if err != nil {
		t.Fatalf("second save: %v", err)
	}
	if second.Outcome != OutcomeAlreadyAnswered {
		t.Fatalf("expected already answered, got %v", second.Outcome)
	}
	if store.creates != 1 {
		t.Fatalf("duplicate must not write, creates=%d", store.creates)
	}

	docs, err := store.Store.Query(ctx, "userAnswers", docstore.Eq("userId", "user-1"))
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 {
		t.Fatalf("expected exactly one record, got %d", len(docs))
	}
	rec := recordFromDocument(docs[0])
	if rec.ID != first.ID || rec.Rating != 8 || rec.Feedback != "Good." || rec.ReferenceAnswer != goroutineQ.ReferenceAnswer {
		t.Fatalf("record does not carry the saved grade: %+v", rec)
	}
	if rec.CreatedAt.IsZero() || rec.UpdatedAt.IsZero() {
		t.Fatalf("expected server timestamps, got %+v", rec)
	}
}

func TestSameQuestionDifferentUsers(t *testing.T) {
	ctx := context.Background()
	gate := NewGate(openStore(t), "userAnswers", time.Second, newLogger())
	for _, user := range []string{"user-1", "user-2"} {
		res, err := gate.Save(ctx, user, submission(domain.GradingResult{Rating: 5, Feedback: "ok"}))
		if err != nil || res.Outcome != OutcomeSaved {
			t.Fatalf("%s: expected saved, got %+v %v", user, res, err)
		}
	}
}

func TestSentinelResultIsSaved(t *testing.T) {
	gate := NewGate(openStore(t), "userAnswers", time.Second, newLogger())
	res, err := gate.Save(context.Background(), "user-1", submission(domain.FailedGrading("bad json")))
	if err != nil || res.Outcome != OutcomeSaved {
		t.Fatalf("expected sentinel to be saved, got %+v %v", res, err)
	}
}

func TestUnauthenticatedTouchesNothing(t *testing.T) {
	store := &countingStore{Store: openStore(t)}
	gate := NewGate(store, "userAnswers", time.Second, newLogger())
	_, err := gate.Save(context.Background(), "", submission(domain.GradingResult{Rating: 5}))
	if !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
	if store.queries+store.creates+store.updates != 0 {
		t.Fatalf("store must not be called")
	}
}

func TestStoreFailures(t *testing.T) {
	for _, step := range []string{"query", "create", "update"} {
		t.Run(step, func(t *testing.T) {
			store := &countingStore{Store: openStore(t), failOn: step}
			gate := NewGate(store, "userAnswers", time.Second, newLogger())
			_, err := gate.Save(context.Background(), "user-1", submission(domain.GradingResult{Rating: 5}))
			if !errors.Is(err, ErrSaveFailed) {
				t.Fatalf("expected ErrSaveFailed, got %v", err)
			}
		})
	}
}

func TestFailedStampLeavesNoRecord(t *testing.T) {
	ctx := context.Background()
	store := &countingStore{Store: openStore(t), failOn: "update"}
	gate := NewGate(store, "userAnswers", time.Second, newLogger())

	if _, err := gate.Save(ctx, "user-1", submission(domain.GradingResult{Rating: 6})); !errors.Is(err, ErrSaveFailed) {
		t.Fatalf("expected ErrSaveFailed, got %v", err)
	}
	if store.deletes != 1 {
		t.Fatalf("expected the unstamped record to be removed, deletes=%d", store.deletes)
	}
	docs, err := store.Store.Query(ctx, "userAnswers", docstore.Eq("userId", "user-1"))
	if err != nil || len(docs) != 0 {
		t.Fatalf("expected no records, got %d %v", len(docs), err)
	}

	store.failOn = ""
	res, err := gate.Save(ctx, "user-1", submission(domain.GradingResult{Rating: 6}))
	if err != nil || res.Outcome != OutcomeSaved {
		t.Fatalf("expected retry to save, got %+v %v", res, err)
	}
}

func TestClearInterview(t *testing.T) {
	ctx := context.Background()
	gate := NewGate(openStore(t), "userAnswers", time.Second, newLogger())

	for _, prompt := range []string{"q1", "q2"} {
		sub := submission(domain.GradingResult{Rating: 5})
		sub.Question.Prompt = prompt
		if _, err := gate.Save(ctx, "user-1", sub); err != nil {
			t.Fatal(err)
		}
	}
	other := submission(domain.GradingResult{Rating: 5})
	other.InterviewRef = "interview-2"
	if _, err := gate.Save(ctx, "user-1", other); err != nil {
		t.Fatal(err)
	}
	if _, err := gate.Save(ctx, "user-2", submission(domain.GradingResult{Rating: 5})); err != nil {
		t.Fatal(err)
	}

	if _, err := gate.ClearInterview(ctx, "", "interview-1"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
	n, err := gate.ClearInterview(ctx, "user-1", "interview-1")
	if err != nil || n != 2 {
		t.Fatalf("expected 2 cleared, got %d %v", n, err)
	}
	if s, _ := gate.Feedback(ctx, "user-1", "interview-1"); len(s.Records) != 0 {
		t.Fatalf("expected interview-1 cleared, got %d records", len(s.Records))
	}
	if s, _ := gate.Feedback(ctx, "user-1", "interview-2"); len(s.Records) != 1 {
		t.Fatal("other interviews must be kept")
	}
	if s, _ := gate.Feedback(ctx, "user-2", "interview-1"); len(s.Records) != 1 {
		t.Fatal("other users must be kept")
	}

	res, err := gate.Save(ctx, "user-1", submission(domain.GradingResult{Rating: 9}))
	if err != nil || res.Outcome != OutcomeSaved {
		t.Fatalf("expected question answerable again, got %+v %v", res, err)
	}
}

func TestFeedbackSummary(t *testing.T) {
	ctx := context.Background()
	gate := NewGate(openStore(t), "userAnswers", time.Second, newLogger())

	empty, err := gate.Feedback(ctx, "user-1", "interview-1")
	if err != nil {
		t.Fatalf("feedback: %v", err)
	}
	if empty.Overall != "0.0" || len(empty.Records) != 0 {
		t.Fatalf("unexpected empty summary %+v", empty)
	}

	ratings := []int{7, 8, 8}
	for i, r := range ratings {
		sub := submission(domain.GradingResult{Rating: r, Feedback: "f"})
		sub.Question.Prompt = []string{"q1", "q2", "q3"}[i]
		if _, err := gate.Save(ctx, "user-1", sub); err != nil {
			t.Fatal(err)
		}
	}
	other := submission(domain.GradingResult{Rating: 1})
	other.InterviewRef = "interview-2"
	if _, err := gate.Save(ctx, "user-1", other); err != nil {
		t.Fatal(err)
	}

	summary, err := gate.Feedback(ctx, "user-1", "interview-1")
	if err != nil {
		t.Fatalf("feedback: %v", err)
	}
	if len(summary.Records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(summary.Records))
	}
	if summary.Overall != "7.7" {
		t.Fatalf("expected overall 7.7, got %s", summary.Overall)
	}
}
