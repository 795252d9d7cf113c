package eventstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-coach/internal/session"
)

// Recorder writes session state changes to the timeline.
type Recorder struct {
	store  *Store
	log    *slog.Logger
	opened sync.Map
}

func NewRecorder(store *Store, log *slog.Logger) *Recorder {
	return &Recorder{store: store, log: log.With(slog.String("component", "timeline"))}
}

type transitionPayload struct {
	Notice   string `json:"notice,omitempty"`
	Error    string `json:"error,omitempty"`
	Rating   *int   `json:"rating,omitempty"`
	Failed   bool   `json:"failed,omitempty"`
	RecordID string `json:"record_id,omitempty"`
	Chars    int    `json:"answer_chars"`
}

// Observe records transitions that change the session state. Fragment
// updates within Listening are not recorded.
func (r *Recorder) Observe(ctx context.Context, t session.Transition) {
	if t.From.State == t.To.State && t.From.Notice == t.To.Notice && t.From.Error == t.To.Error {
		return
	}
	if _, seen := r.opened.Load(t.SessionID); !seen {
		err := r.store.OpenSession(ctx, Session{
			ID:           t.SessionID,
			InterviewRef: t.To.InterviewRef,
			Question:     t.To.Question.Prompt,
			UserID:       t.UserID,
			CreatedAt:    t.At,
		})
		if err != nil {
			r.log.Warn("failed to record session", slog.String("error", err.Error()))
			return
		}
		r.opened.Store(t.SessionID, struct{}{})
	}

	payload := transitionPayload{
		Notice:   t.To.Notice,
		Error:    t.To.Error,
		RecordID: t.To.RecordID,
		Chars:    len([]rune(t.To.Text())),
	}
	if t.To.Result != nil {
		rating := t.To.Result.Rating
		payload.Rating = &rating
		payload.Failed = t.To.Result.Failed
	}
	data, err := json.Marshal(payload)
	if err != nil {
		r.log.Warn("failed to encode transition", slog.String("error", err.Error()))
		return
	}
	err = r.store.Append(ctx, Event{
		SessionID: t.SessionID,
		UserID:    t.UserID,
		Type:      t.Event.String(),
		FromState: t.From.State.String(),
		ToState:   t.To.State.String(),
		Payload:   data,
		CreatedAt: t.At,
	})
	if err != nil {
		r.log.Warn("failed to record transition", slog.String("error", err.Error()))
	}
}
