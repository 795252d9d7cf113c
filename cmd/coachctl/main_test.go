package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-coach/internal/answers"
	"github.com/loqalabs/loqa-coach/internal/bus/bustest"
	"github.com/loqalabs/loqa-coach/internal/docstore"
	"github.com/loqalabs/loqa-coach/internal/domain"
)

func TestRunValidate(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.yaml")
	if err := os.WriteFile(good, []byte(`id: go-backend
position: Backend Engineer
experience: 3
questions:
  - question: What is a goroutine?
    answer: A function running concurrently, scheduled by the Go runtime.
`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := runValidate(good); err != nil {
		t.Fatalf("expected valid interview, got %v", err)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("id: empty\nposition: Nobody\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := runValidate(bad); err == nil {
		t.Fatal("expected interview without questions to fail")
	}
}

func TestRunFeedback(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "answers.db")
	store, err := docstore.OpenSQLite(ctx, dbPath, bustest.Logger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	gate := answers.NewGate(store, "userAnswers", time.Second, bustest.Logger())
	_, err = gate.Save(ctx, "user-1", answers.Submission{
		InterviewRef: "go-backend",
		Question:     domain.Question{Prompt: "What is a goroutine?", ReferenceAnswer: "A concurrent function."},
		UserAnswer:   "A goroutine is a function scheduled by the Go runtime.",
		Result:       domain.GradingResult{Rating: 9, Feedback: "Precise."},
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	_ = store.Close()

	var out bytes.Buffer
	if err := runFeedback(&out, dbPath, "userAnswers", "user-1", "go-backend"); err != nil {
		t.Fatalf("feedback: %v", err)
	}
	var summary answers.Summary
	if err := json.Unmarshal(out.Bytes(), &summary); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if len(summary.Records) != 1 || summary.Overall != "9.0" {
		t.Fatalf("unexpected summary %+v", summary)
	}

	if err := runFeedback(&out, dbPath, "userAnswers", "", "go-backend"); !errors.Is(err, answers.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated without a user, got %v", err)
	}
}

func TestRunClear(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "answers.db")
	store, err := docstore.OpenSQLite(ctx, dbPath, bustest.Logger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	gate := answers.NewGate(store, "userAnswers", time.Second, bustest.Logger())
	for _, user := range []string{"user-1", "user-2"} {
		_, err = gate.Save(ctx, user, answers.Submission{
			InterviewRef: "go-backend",
			Question:     domain.Question{Prompt: "What is a goroutine?", ReferenceAnswer: "A concurrent function."},
			UserAnswer:   "A goroutine is a function scheduled by the Go runtime.",
			Result:       domain.GradingResult{Rating: 6, Feedback: "Fine."},
		})
		if err != nil {
			t.Fatalf("save %s: %v", user, err)
		}
	}
	_ = store.Close()

	var out bytes.Buffer
	if err := runClear(&out, dbPath, "userAnswers", "user-1", "go-backend"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if out.String() != "deleted 1 answers\n" {
		t.Fatalf("unexpected output %q", out.String())
	}

	out.Reset()
	if err := runFeedback(&out, dbPath, "userAnswers", "user-2", "go-backend"); err != nil {
		t.Fatalf("feedback: %v", err)
	}
	var summary answers.Summary
	if err := json.Unmarshal(out.Bytes(), &summary); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if len(summary.Records) != 1 {
		t.Fatalf("expected other user's answer kept, got %+v", summary)
	}

	if err := runClear(&out, dbPath, "userAnswers", "", "go-backend"); !errors.Is(err, answers.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated without a user, got %v", err)
	}
	if err := runClear(&out, dbPath, "userAnswers", "user-1", ""); err == nil {
		t.Fatal("expected missing interview to fail")
	}
}
