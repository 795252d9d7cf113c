package questions

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const validYAML = `id: go-backend
position: Backend Engineer
description: Services written in Go
experience: 3
tech_stack:
  - go
  - postgres
questions:
  - question: What is a goroutine?
    answer: A lightweight thread of execution managed by the Go runtime.
  - question: How do channels synchronize goroutines?
    answer: Unbuffered sends block until a receiver is ready, buffered ones until there is room.
`

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValidInterview(t *testing.T) {
	path := writeFile(t, t.TempDir(), "go.yaml", validYAML)
	iv, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := Validate(iv); err != nil {
		t.Fatalf("validate: %v", err)
	}
	q, err := iv.Question(1)
	if err != nil {
		t.Fatalf("question: %v", err)
	}
	if q.Prompt != "How do channels synchronize goroutines?" || q.ReferenceAnswer == "" {
		t.Fatalf("unexpected question %+v", q)
	}
	if _, err := iv.Question(2); !errors.Is(err, ErrQuestionIndex) {
		t.Fatalf("expected ErrQuestionIndex, got %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	if err := Validate(Interview{}); err == nil {
		t.Fatal("expected error for empty interview")
	}
	iv, err := Load(writeFile(t, t.TempDir(), "go.yaml", validYAML))
	if err != nil {
		t.Fatal(err)
	}
	iv.Questions = append(iv.Questions, iv.Questions[0])
	if err := Validate(iv); err == nil {
		t.Fatal("expected error for repeated question text")
	}
}

func TestBankLoadAllAndGet(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "go.yaml", validYAML)
	writeFile(t, dir, "notes.txt", "ignored")

	bank := NewBank(dir, newLogger())
	if err := bank.LoadAll(); err != nil {
		t.Fatalf("load all: %v", err)
	}
	if _, err := bank.Get("go-backend"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := bank.Get("missing"); !errors.Is(err, ErrUnknownInterview) {
		t.Fatalf("expected ErrUnknownInterview, got %v", err)
	}
	if len(bank.List()) != 1 {
		t.Fatalf("expected one interview")
	}
}

func TestBankRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "bad.yml", "id: x\nposition: y\n")
	if err := NewBank(dir, newLogger()).LoadAll(); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestBankWatchReloads(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "go.yaml", validYAML)
	bank := NewBank(dir, newLogger())
	if err := bank.LoadAll(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bank.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)
	second := `id: sql
position: Data Engineer
experience: 2
questions:
  - question: What is an index?
    answer: A data structure that speeds up lookups at the cost of writes.
`
	writeFile(t, dir, "sql.yaml", second)

	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := bank.Get("sql"); err == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("bank did not reload after file creation")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
