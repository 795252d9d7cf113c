package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openTemp(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "docs.db"), newLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateQueryUpdate(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return fixed }

	id, err := s.Create(ctx, "userAnswers", Fields{
		"userId":    "user-1",
		"question":  "What is a channel?",
		"rating":    7,
		"createdAt": ServerTimestamp,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Create(ctx, "userAnswers", Fields{"userId": "user-2", "question": "What is a channel?"}); err != nil {
		t.Fatalf("create second: %v", err)
	}

	docs, err := s.Query(ctx, "userAnswers", Eq("userId", "user-1"), Eq("question", "What is a channel?"))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(docs) != 1 || docs[0].ID != id {
		t.Fatalf("expected the single matching doc, got %+v", docs)
	}
	if docs[0].Fields["createdAt"] != fixed.Format(time.RFC3339Nano) {
		t.Fatalf("server timestamp not resolved: %v", docs[0].Fields["createdAt"])
	}
	if n, ok := docs[0].Fields["rating"].(json.Number); !ok || n.String() != "7" {
		t.Fatalf("expected numeric rating, got %#v", docs[0].Fields["rating"])
	}

	if err := s.Update(ctx, "userAnswers", id, Fields{"id": id, "updatedAt": ServerTimestamp}); err != nil {
		t.Fatalf("update: %v", err)
	}
	docs, err = s.Query(ctx, "userAnswers", Eq("id", id))
	if err != nil {
		t.Fatalf("query by id: %v", err)
	}
	if len(docs) != 1 || docs[0].Fields["question"] != "What is a channel?" {
		t.Fatalf("update must merge, got %+v", docs)
	}
}

func TestQueryIsolatesCollections(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	if _, err := s.Create(ctx, "a", Fields{"k": "v"}); err != nil {
		t.Fatal(err)
	}
	docs, err := s.Query(ctx, "b", Eq("k", "v"))
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 0 {
		t.Fatalf("expected no documents from other collection, got %d", len(docs))
	}
}

func TestUpdateMissing(t *testing.T) {
	s := openTemp(t)
	err := s.Update(context.Background(), "userAnswers", "nope", Fields{"x": 1})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestQueryRejectsInjectedField(t *testing.T) {
	s := openTemp(t)
	_, err := s.Query(context.Background(), "userAnswers", Eq("x') = 1 OR ('1", "v"))
	if !errors.Is(err, ErrInvalidField) {
		t.Fatalf("expected ErrInvalidField, got %v", err)
	}
}

func TestDeleteOnlyListedDocuments(t *testing.T) {
	ctx := context.Background()
	s := openTemp(t)
	var ids []string
	for _, user := range []string{"user-1", "user-1", "user-2"} {
		id, err := s.Create(ctx, "userAnswers", Fields{"userId": user})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		ids = append(ids, id)
	}
	if _, err := s.Create(ctx, "other", Fields{"userId": "user-1"}); err != nil {
		t.Fatalf("create other: %v", err)
	}

	n, err := s.Delete(ctx, "userAnswers", ids[0], ids[1], "missing")
	if err != nil || n != 2 {
		t.Fatalf("expected 2 deleted, got %d %v", n, err)
	}
	if n, err := s.Delete(ctx, "userAnswers"); err != nil || n != 0 {
		t.Fatalf("empty delete: %d %v", n, err)
	}
	left, err := s.Query(ctx, "userAnswers")
	if err != nil || len(left) != 1 || left[0].ID != ids[2] {
		t.Fatalf("unexpected remaining docs %+v %v", left, err)
	}
	if other, _ := s.Query(ctx, "other"); len(other) != 1 {
		t.Fatal("delete must not touch other collections")
	}
}
