// Package grading asks a language model to rate an answer against the
// reference answer for its question.
package grading

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/loqalabs/loqa-coach/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// TextService sends a prompt to a generative model and returns its raw reply.
type TextService interface {
	Send(ctx context.Context, prompt string) (string, error)
}

var (
	errMissingRating   = errors.New("response has no numeric ratings field")
	errMissingFeedback = errors.New("response has no feedback field")
	errRatingRange     = errors.New("ratings value is not a representable integer")
)

var fenceMarkers = regexp.MustCompile("(?i)```json|```")

// Client grades answers. It never returns an error: every failure collapses
// into domain.FailedGrading and is logged.
type Client struct {
	text     TextService
	timeout  time.Duration
	log      *slog.Logger
	tracer   trace.Tracer
	attempts metric.Int64Counter
	latency  metric.Float64Histogram
}

func NewClient(text TextService, timeout time.Duration, log *slog.Logger) *Client {
	c := &Client{
		text:    text,
		timeout: timeout,
		log:     log.With(slog.String("component", "grading")),
		tracer:  otel.Tracer("github.com/loqalabs/loqa-coach/grading"),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-coach/grading")
	var err error
	if c.attempts, err = meter.Int64Counter("coach.grading.attempts", metric.WithDescription("Grading attempts by outcome")); err != nil {
		c.log.Warn("failed to create grading counter", slog.String("error", err.Error()))
	}
	if c.latency, err = meter.Float64Histogram("coach.grading.latency", metric.WithUnit("s")); err != nil {
		c.log.Warn("failed to create grading histogram", slog.String("error", err.Error()))
	}
	return c
}

// Grade makes exactly one call to the text service.
func (c *Client) Grade(ctx context.Context, q domain.Question, userAnswer string) domain.GradingResult {
	ctx, span := c.tracer.Start(ctx, "grading.grade")
	defer span.End()
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	result := c.grade(ctx, q, userAnswer)
	elapsed := time.Since(start)

	outcome := "graded"
	if result.Failed {
		outcome = "failed"
		span.SetStatus(codes.Error, result.Reason)
		c.log.Warn("grading failed",
			slog.String("question", q.Prompt),
			slog.String("reason", result.Reason),
			slog.Duration("latency", elapsed))
	} else {
		span.SetAttributes(attribute.Int("grading.rating", result.Rating))
		c.log.Info("answer graded", slog.Int("rating", result.Rating), slog.Duration("latency", elapsed))
	}
	if c.attempts != nil {
		c.attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
	if c.latency != nil {
		c.latency.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("outcome", outcome)))
	}
	return result
}

func (c *Client) grade(ctx context.Context, q domain.Question, userAnswer string) domain.GradingResult {
	raw, err := c.text.Send(ctx, BuildPrompt(q, userAnswer))
	if err != nil {
		return domain.FailedGrading(fmt.Sprintf("send prompt: %v", err))
	}
	result, err := ParseResponse(raw)
	if err != nil {
		return domain.FailedGrading(err.Error())
	}
	return result
}

// BuildPrompt renders the grading instructions for one answer.
func BuildPrompt(q domain.Question, userAnswer string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %q\n", q.Prompt)
	fmt.Fprintf(&b, "User Answer: %q\n", userAnswer)
	fmt.Fprintf(&b, "Correct Answer: %q\n\n", q.ReferenceAnswer)
	b.WriteString("Compare the user's answer to the correct answer and give:\n")
	b.WriteString("1. A \"ratings\" field (number from 1-10).\n")
	b.WriteString("2. A \"feedback\" field (string with improvement advice).\n\n")
	b.WriteString("Return ONLY a valid JSON object. Do not include explanations, markdown, or code fences.\n")
	b.WriteString("Format must be exactly:\n\n")
	b.WriteString("{\n  \"ratings\": <number>,\n  \"feedback\": \"<string>\"\n}")
	return b.String()
}

// CleanResponse strips code fence markers the model may add despite the
// instructions.
func CleanResponse(raw string) string {
	return strings.TrimSpace(fenceMarkers.ReplaceAllString(strings.TrimSpace(raw), ""))
}

type verdict struct {
	Ratings  *float64 `json:"ratings"`
	Feedback *string  `json:"feedback"`
}

// ParseResponse decodes a model reply. Ratings are passed through without
// range checks; fractional ratings round to the nearest integer. Values
// outside the int32 range are rejected.
func ParseResponse(raw string) (domain.GradingResult, error) {
	cleaned := CleanResponse(raw)
	var v verdict
	if err := json.Unmarshal([]byte(cleaned), &v); err != nil {
		return domain.GradingResult{}, fmt.Errorf("decode response: %w", err)
	}
	if v.Ratings == nil {
		return domain.GradingResult{}, errMissingRating
	}
	if v.Feedback == nil {
		return domain.GradingResult{}, errMissingFeedback
	}
	rating := math.Round(*v.Ratings)
	if math.IsNaN(rating) || rating < math.MinInt32 || rating > math.MaxInt32 {
		return domain.GradingResult{}, errRatingRange
	}
	return domain.GradingResult{
		Rating:   int(rating),
		Feedback: *v.Feedback,
	}, nil
}
