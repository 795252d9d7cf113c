// Package httpapi exposes answer sessions over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-coach/internal/answer"
	"github.com/loqalabs/loqa-coach/internal/answers"
	"github.com/loqalabs/loqa-coach/internal/eventstore"
	"github.com/loqalabs/loqa-coach/internal/events"
	"github.com/loqalabs/loqa-coach/internal/identity"
	"github.com/loqalabs/loqa-coach/internal/questions"
	"github.com/loqalabs/loqa-coach/internal/session"
	"github.com/loqalabs/loqa-coach/internal/stt"
)

const maxBody = 64 * 1024

type Interviews interface {
	Get(id string) (questions.Interview, error)
	List() []questions.Interview
}

type Feedback interface {
	Feedback(ctx context.Context, userID, interviewRef string) (answers.Summary, error)
}

type Answers interface {
	ClearInterview(ctx context.Context, userID, interviewRef string) (int, error)
}

type Timeline interface {
	Timeline(ctx context.Context, sessionID string, limit int) ([]eventstore.Event, error)
}

type Config struct {
	Sessions   *session.Manager
	Interviews Interviews
	Feedback   Feedback
	Answers    Answers
	Timeline   Timeline
	Events     *events.Publisher
	Users      identity.Provider
	UserHeader string
	// WaitTimeout caps how long ?wait=true blocks for grading or saving.
	WaitTimeout time.Duration
}

type API struct {
	cfg      Config
	log      *slog.Logger
	upgrader websocket.Upgrader
	mux      *http.ServeMux
}

func New(cfg Config, log *slog.Logger) *API {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 60 * time.Second
	}
	a := &API{
		cfg: cfg,
		log: log.With(slog.String("component", "http-api")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		mux: http.NewServeMux(),
	}
	a.mux.HandleFunc("GET /v1/interviews", a.handleListInterviews)
	a.mux.HandleFunc("GET /v1/interviews/{id}/feedback", a.handleFeedback)
	a.mux.HandleFunc("DELETE /v1/interviews/{id}/answers", a.handleClearAnswers)
	a.mux.HandleFunc("POST /v1/sessions", a.handleOpen)
	a.mux.HandleFunc("GET /v1/sessions/{id}", a.handleGet)
	a.mux.HandleFunc("DELETE /v1/sessions/{id}", a.handleClose)
	a.mux.HandleFunc("POST /v1/sessions/{id}/toggle", a.action((*session.Controller).Toggle))
	a.mux.HandleFunc("POST /v1/sessions/{id}/record-again", a.action((*session.Controller).RecordAgain))
	a.mux.HandleFunc("POST /v1/sessions/{id}/reset", a.action((*session.Controller).Reset))
	a.mux.HandleFunc("POST /v1/sessions/{id}/grade", a.action((*session.Controller).Grade))
	a.mux.HandleFunc("POST /v1/sessions/{id}/save", a.action((*session.Controller).Save))
	a.mux.HandleFunc("PUT /v1/sessions/{id}/answer", a.handleEdit)
	a.mux.HandleFunc("GET /v1/sessions/{id}/timeline", a.handleTimeline)
	a.mux.HandleFunc("GET /v1/sessions/{id}/events", a.handleEvents)
	return a
}

// Handler returns the API with the user id header applied.
func (a *API) Handler() http.Handler {
	return identity.Middleware(a.cfg.UserHeader, a.mux)
}

type interviewSummary struct {
	ID          string   `json:"id"`
	Position    string   `json:"position"`
	Description string   `json:"description,omitempty"`
	Experience  int      `json:"experience,omitempty"`
	TechStack   []string `json:"tech_stack,omitempty"`
	Questions   int      `json:"questions"`
}

func (a *API) handleListInterviews(w http.ResponseWriter, _ *http.Request) {
	list := a.cfg.Interviews.List()
	out := make([]interviewSummary, 0, len(list))
	for _, iv := range list {
		out = append(out, interviewSummary{
			ID:          iv.ID,
			Position:    iv.Position,
			Description: iv.Description,
			Experience:  iv.Experience,
			TechStack:   iv.TechStack,
			Questions:   len(iv.Questions),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleFeedback(w http.ResponseWriter, r *http.Request) {
	userID, ok := a.cfg.Users.CurrentUserID(r.Context())
	if !ok {
		a.writeError(w, answers.ErrUnauthenticated, nil)
		return
	}
	interviewID := r.PathValue("id")
	if _, err := a.cfg.Interviews.Get(interviewID); err != nil {
		a.writeError(w, err, nil)
		return
	}
	summary, err := a.cfg.Feedback.Feedback(r.Context(), userID, interviewID)
	if err != nil {
		a.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleClearAnswers deletes the caller's saved answers for one interview.
func (a *API) handleClearAnswers(w http.ResponseWriter, r *http.Request) {
	userID, ok := a.cfg.Users.CurrentUserID(r.Context())
	if !ok {
		a.writeError(w, answers.ErrUnauthenticated, nil)
		return
	}
	interviewID := r.PathValue("id")
	if _, err := a.cfg.Interviews.Get(interviewID); err != nil {
		a.writeError(w, err, nil)
		return
	}
	n, err := a.cfg.Answers.ClearInterview(r.Context(), userID, interviewID)
	if err != nil {
		a.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

type openRequest struct {
	InterviewID   string `json:"interview_id"`
	QuestionIndex int    `json:"question_index"`
}

func (a *API) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ctrl, err := a.cfg.Sessions.Open(r.Context(), req.InterviewID, req.QuestionIndex)
	if err != nil {
		a.writeError(w, err, nil)
		return
	}
	w.Header().Set("Location", "/v1/sessions/"+ctrl.ID())
	writeJSON(w, http.StatusCreated, ctrl.Snapshot())
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	ctrl, err := a.cfg.Sessions.Session(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, ctrl.Snapshot())
}

func (a *API) handleClose(w http.ResponseWriter, r *http.Request) {
	ctrl, err := a.cfg.Sessions.Session(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err, nil)
		return
	}
	if err := a.cfg.Sessions.Close(ctrl.ID()); err != nil {
		a.writeError(w, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// action adapts a controller method to a handler. With ?wait=true the
// response is delayed until grading or saving has finished.
func (a *API) action(fn func(*session.Controller, context.Context) (session.Snapshot, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctrl, err := a.cfg.Sessions.Session(r.Context(), r.PathValue("id"))
		if err != nil {
			a.writeError(w, err, nil)
			return
		}
		snap, err := fn(ctrl, r.Context())
		if err != nil {
			a.writeError(w, err, &snap)
			return
		}
		a.respond(w, r, ctrl, snap)
	}
}

type editRequest struct {
	Text string `json:"text"`
}

func (a *API) handleEdit(w http.ResponseWriter, r *http.Request) {
	ctrl, err := a.cfg.Sessions.Session(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err, nil)
		return
	}
	var req editRequest
	if err := decodeBody(r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	snap, err := ctrl.Edit(r.Context(), req.Text)
	if err != nil {
		a.writeError(w, err, &snap)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) respond(w http.ResponseWriter, r *http.Request, ctrl *session.Controller, snap session.Snapshot) {
	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait && snap.State.Busy() {
		ctx, cancel := context.WithTimeout(r.Context(), a.cfg.WaitTimeout)
		defer cancel()
		settled, err := ctrl.Await(ctx)
		if err != nil {
			writeJSON(w, http.StatusAccepted, settled)
			return
		}
		writeJSON(w, http.StatusOK, settled)
		return
	}
	if snap.State.Busy() {
		writeJSON(w, http.StatusAccepted, snap)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleTimeline lists recorded transitions. Live sessions are checked
// against their owner; closed ones against the user ids on their events.
func (a *API) handleTimeline(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	_, err := a.cfg.Sessions.Session(r.Context(), id)
	live := err == nil
	if err != nil && !errors.Is(err, session.ErrNotFound) {
		a.writeError(w, err, nil)
		return
	}
	userID, signedIn := a.cfg.Users.CurrentUserID(r.Context())
	if !live && !signedIn {
		a.writeError(w, answers.ErrUnauthenticated, nil)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := a.cfg.Timeline.Timeline(r.Context(), id, limit)
	if err != nil {
		a.writeError(w, err, nil)
		return
	}
	if !live {
		if len(list) == 0 {
			a.writeError(w, fmt.Errorf("%w: %q", session.ErrNotFound, id), nil)
			return
		}
		for _, e := range list {
			if e.UserID != "" && e.UserID != userID {
				a.writeError(w, session.ErrForbidden, nil)
				return
			}
		}
	}
	type entry struct {
		Type    string          `json:"type"`
		From    string          `json:"from"`
		To      string          `json:"to"`
		UserID  string          `json:"user_id,omitempty"`
		Payload json.RawMessage `json:"payload,omitempty"`
		At      time.Time       `json:"at"`
	}
	out := make([]entry, 0, len(list))
	for _, e := range list {
		out = append(out, entry{Type: e.Type, From: e.FromState, To: e.ToState, UserID: e.UserID, Payload: e.Payload, At: e.CreatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

type errorBody struct {
	Error   string            `json:"error"`
	Session *session.Snapshot `json:"session,omitempty"`
}

func (a *API) writeError(w http.ResponseWriter, err error, snap *session.Snapshot) {
	status := statusFor(err)
	if status >= 500 {
		a.log.Error("request failed", slog.String("error", err.Error()))
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Session: snap})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, questions.ErrUnknownInterview):
		return http.StatusNotFound
	case errors.Is(err, questions.ErrQuestionIndex):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrInvalidTransition), errors.Is(err, session.ErrBusy):
		return http.StatusConflict
	case errors.Is(err, answer.ErrTooShort):
		return http.StatusUnprocessableEntity
	case errors.Is(err, answers.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, stt.ErrMicrophoneDenied), errors.Is(err, session.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, stt.ErrCaptureUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, session.ErrTooManySessions):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid request body: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
