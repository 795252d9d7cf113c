// Package answers persists graded answers, at most one per user and question,
// and summarizes them per interview.
package answers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-coach/internal/docstore"
	"github.com/loqalabs/loqa-coach/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const discardTimeout = 5 * time.Second

var (
	ErrUnauthenticated = errors.New("user is not signed in")
	ErrSaveFailed      = errors.New("failed to save answer")
)

// Document field names, shared with records written by earlier clients.
const (
	fieldID           = "id"
	fieldInterviewRef = "mockIdRef"
	fieldQuestion     = "question"
	fieldReference    = "correct_ans"
	fieldUserAnswer   = "user_ans"
	fieldFeedback     = "feedback"
	fieldRating       = "rating"
	fieldUserID       = "userId"
	fieldCreatedAt    = "createdAt"
	fieldUpdatedAt    = "updatedAt"
)

type Outcome int

const (
	OutcomeSaved Outcome = iota + 1
	OutcomeAlreadyAnswered
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSaved:
		return "saved"
	case OutcomeAlreadyAnswered:
		return "already_answered"
	default:
		return "unknown"
	}
}

// SaveResult reports what Save did. ID is set only for OutcomeSaved.
type SaveResult struct {
	Outcome Outcome
	ID      string
}

// Submission is a graded answer ready to persist.
type Submission struct {
	InterviewRef string
	Question     domain.Question
	UserAnswer   string
	Result       domain.GradingResult
}

// Gate writes answers through a document store.
type Gate struct {
	store      docstore.Store
	collection string
	timeout    time.Duration
	log        *slog.Logger
	saves      metric.Int64Counter
}

func NewGate(store docstore.Store, collection string, timeout time.Duration, log *slog.Logger) *Gate {
	g := &Gate{
		store:      store,
		collection: collection,
		timeout:    timeout,
		log:        log.With(slog.String("component", "answers")),
	}
	counter, err := otel.Meter("github.com/loqalabs/loqa-coach/answers").Int64Counter("coach.answers.saves",
		metric.WithDescription("Answer save attempts by outcome"))
	if err != nil {
		g.log.Warn("failed to create save counter", slog.String("error", err.Error()))
	} else {
		g.saves = counter
	}
	return g
}

// Save stores sub for userID unless that user already has an answer for the
// same question text. The existence check and the write are separate store
// calls, so two concurrent saves can both pass the check. A record whose id
// stamp fails is deleted again so a retry is not reported as a duplicate.
func (g *Gate) Save(ctx context.Context, userID string, sub Submission) (SaveResult, error) {
	if userID == "" {
		return SaveResult{}, ErrUnauthenticated
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	existing, err := g.store.Query(ctx, g.collection,
		docstore.Eq(fieldUserID, userID),
		docstore.Eq(fieldQuestion, sub.Question.Prompt))
	if err != nil {
		return g.fail(ctx, "query existing answers", err)
	}
	if len(existing) > 0 {
		g.log.Info("answer already recorded",
			slog.String("user_id", userID),
			slog.String("question", sub.Question.Prompt),
			slog.Int("matches", len(existing)))
		g.count(ctx, OutcomeAlreadyAnswered.String())
		return SaveResult{Outcome: OutcomeAlreadyAnswered}, nil
	}

	id, err := g.store.Create(ctx, g.collection, docstore.Fields{
		fieldInterviewRef: sub.InterviewRef,
		fieldQuestion:     sub.Question.Prompt,
		fieldReference:    sub.Question.ReferenceAnswer,
		fieldUserAnswer:   sub.UserAnswer,
		fieldFeedback:     sub.Result.Feedback,
		fieldRating:       sub.Result.Rating,
		fieldUserID:       userID,
		fieldCreatedAt:    docstore.ServerTimestamp,
	})
	if err != nil {
		return g.fail(ctx, "create answer", err)
	}
	if err := g.store.Update(ctx, g.collection, id, docstore.Fields{
		fieldID:        id,
		fieldUpdatedAt: docstore.ServerTimestamp,
	}); err != nil {
		g.discard(ctx, id)
		return g.fail(ctx, "stamp answer id", err)
	}

	g.log.Info("answer saved", slog.String("id", id), slog.String("user_id", userID), slog.Int("rating", sub.Result.Rating))
	g.count(ctx, OutcomeSaved.String())
	return SaveResult{Outcome: OutcomeSaved, ID: id}, nil
}

// discard removes a record left behind by a failed save. It runs even when
// ctx has expired.
func (g *Gate) discard(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), discardTimeout)
	defer cancel()
	if _, err := g.store.Delete(ctx, g.collection, id); err != nil {
		g.log.Error("failed to remove unstamped answer", slog.String("id", id), slog.String("error", err.Error()))
	}
}

// ClearInterview deletes every answer userID saved for interviewRef, which
// lets the user answer those questions again. It returns how many were
// removed.
func (g *Gate) ClearInterview(ctx context.Context, userID, interviewRef string) (int, error) {
	if userID == "" {
		return 0, ErrUnauthenticated
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}
	docs, err := g.store.Query(ctx, g.collection,
		docstore.Eq(fieldUserID, userID),
		docstore.Eq(fieldInterviewRef, interviewRef))
	if err != nil {
		return 0, fmt.Errorf("query answers to clear: %w", err)
	}
	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		ids = append(ids, doc.ID)
	}
	n, err := g.store.Delete(ctx, g.collection, ids...)
	if err != nil {
		return n, fmt.Errorf("clear answers: %w", err)
	}
	g.log.Info("answers cleared", slog.String("user_id", userID), slog.String("interview_ref", interviewRef), slog.Int("count", n))
	return n, nil
}

func (g *Gate) fail(ctx context.Context, step string, err error) (SaveResult, error) {
	g.log.Error("answer save failed", slog.String("step", step), slog.String("error", err.Error()))
	g.count(ctx, "failed")
	return SaveResult{}, fmt.Errorf("%w: %s: %w", ErrSaveFailed, step, err)
}

func (g *Gate) count(ctx context.Context, outcome string) {
	if g.saves != nil {
		g.saves.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}
