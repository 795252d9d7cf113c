package answers

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-coach/internal/docstore"
	"github.com/loqalabs/loqa-coach/internal/domain"
)

// Summary aggregates a user's answers for one interview.
type Summary struct {
	InterviewRef string                `json:"interview_ref"`
	Records      []domain.AnswerRecord `json:"records"`
	Average      float64               `json:"average"`
	Overall      string                `json:"overall"`
}

// Feedback lists the answers userID saved for interviewRef with the mean
// rating formatted to one decimal place.
func (g *Gate) Feedback(ctx context.Context, userID, interviewRef string) (Summary, error) {
	if userID == "" {
		return Summary{}, ErrUnauthenticated
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
		return Summary{}, fmt.Errorf("query feedback: %w", err)
	}

	summary := Summary{InterviewRef: interviewRef, Records: make([]domain.AnswerRecord, 0, len(docs))}
	total := 0
	for _, doc := range docs {
		rec := recordFromDocument(doc)
		total += rec.Rating
		summary.Records = append(summary.Records, rec)
	}
	if n := len(summary.Records); n > 0 {
		summary.Average = float64(total) / float64(n)
	}
	summary.Overall = strconv.FormatFloat(math.Round(summary.Average*10)/10, 'f', 1, 64)
	return summary, nil
}

func recordFromDocument(doc docstore.Document) domain.AnswerRecord {
	f := doc.Fields
	rec := domain.AnswerRecord{
		ID:              stringField(f, fieldID),
		InterviewRef:    stringField(f, fieldInterviewRef),
		Question:        stringField(f, fieldQuestion),
		ReferenceAnswer: stringField(f, fieldReference),
		UserAnswer:      stringField(f, fieldUserAnswer),
		Feedback:        stringField(f, fieldFeedback),
		Rating:          intField(f, fieldRating),
		UserID:          stringField(f, fieldUserID),
		CreatedAt:       timeField(f, fieldCreatedAt),
		UpdatedAt:       timeField(f, fieldUpdatedAt),
	}
	if rec.ID == "" {
		rec.ID = doc.ID
	}
	return rec
}

func stringField(f docstore.Fields, key string) string {
	s, _ := f[key].(string)
	return s
}

func intField(f docstore.Fields, key string) int {
	switch v := f[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
		if x, err := v.Float64(); err == nil {
			return int(x)
		}
	}
	return 0
}

func timeField(f docstore.Fields, key string) time.Time {
	switch v := f[key].(type) {
	case time.Time:
		return v
	case string:
		if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return ts
		}
	}
	return time.Time{}
}
