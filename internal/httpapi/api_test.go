package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-coach/internal/answers"
	"github.com/loqalabs/loqa-coach/internal/bus/bustest"
	"github.com/loqalabs/loqa-coach/internal/config"
	"github.com/loqalabs/loqa-coach/internal/docstore"
	"github.com/loqalabs/loqa-coach/internal/domain"
	"github.com/loqalabs/loqa-coach/internal/events"
	"github.com/loqalabs/loqa-coach/internal/eventstore"
	"github.com/loqalabs/loqa-coach/internal/identity"
	"github.com/loqalabs/loqa-coach/internal/questions"
	"github.com/loqalabs/loqa-coach/internal/session"
	"github.com/loqalabs/loqa-coach/internal/stt"
)

const userHeader = "X-User-ID"

var script = []string{
	"A goroutine is a lightweight thread",
	"managed by the Go runtime scheduler.",
}

type catalog map[string]questions.Interview

func (c catalog) Get(id string) (questions.Interview, error) {
	iv, ok := c[id]
	if !ok {
		return questions.Interview{}, questions.ErrUnknownInterview
	}
	return iv, nil
}

func (c catalog) List() []questions.Interview {
	out := make([]questions.Interview, 0, len(c))
	for _, iv := range c {
		out = append(out, iv)
	}
	return out
}

type fixedGrader struct{}

func (fixedGrader) Grade(context.Context, domain.Question, string) domain.GradingResult {
	return domain.GradingResult{Rating: 7, Feedback: "Mention the scheduler's work stealing."}
}

// view mirrors the session snapshot JSON with the state as a string.
type view struct {
	ID     string                `json:"id"`
	State  string                `json:"state"`
	Answer string                `json:"answer"`
	Result *domain.GradingResult `json:"result"`
	Notice string                `json:"notice"`
	Error  string                `json:"error"`
}

type errorView struct {
	Error   string `json:"error"`
	Session *view  `json:"session"`
}

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	ctx := context.Background()
	log := bustest.Logger()

	store, err := docstore.OpenSQLite(ctx, filepath.Join(t.TempDir(), "answers.db"), log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	gate := answers.NewGate(store, "userAnswers", time.Second, log)

	es, err := eventstore.Open(ctx, config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "events.db"),
		RetentionMode: "persistent",
		RetentionDays: 1,
		MaxSessions:   100,
	}, log)
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })

	interviews := catalog{
		"go-backend": {
			ID:       "go-backend",
			Position: "Backend Engineer",
			Questions: []domain.Question{{
				Prompt:          "What is a goroutine?",
				ReferenceAnswer: "A function executing concurrently, multiplexed onto OS threads by the runtime.",
			}},
		},
	}
	publisher := events.NewPublisher(nil, "coach-test", log)
	users := identity.Context{}
	manager := session.NewManager(ctx, session.ManagerConfig{
		Capture: func(string) stt.Capture {
			return &stt.ScriptedCapture{Lines: script, Interval: 5 * time.Millisecond}
		},
		Grader:     fixedGrader{},
		Saver:      gate,
		Users:      users,
		Observers:  []session.Observer{publisher, eventstore.NewRecorder(es, log)},
		Locale:     "en-US",
		Continuous: true,
	}, interviews, log)
	t.Cleanup(manager.Shutdown)

	api := New(Config{
		Sessions:    manager,
		Interviews:  interviews,
		Feedback:    gate,
		Answers:     gate,
		Timeline:    es,
		Events:      publisher,
		Users:       users,
		UserHeader:  userHeader,
		WaitTimeout: 5 * time.Second,
	}, log)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, srv *httptest.Server, method, path, body, user string) (int, []byte) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, srv.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if user != "" {
		req.Header.Set(userHeader, user)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return v
}

func openSession(t *testing.T, srv *httptest.Server, user string) view {
	t.Helper()
	status, body := call(t, srv, http.MethodPost, "/v1/sessions", `{"interview_id":"go-backend","question_index":0}`, user)
	if status != http.StatusCreated {
		t.Fatalf("open session: status %d body %s", status, body)
	}
	v := decode[view](t, body)
	if v.State != "idle" || v.ID == "" {
		t.Fatalf("unexpected new session %+v", v)
	}
	return v
}

func TestListInterviews(t *testing.T) {
	srv := newServer(t)
	status, body := call(t, srv, http.MethodGet, "/v1/interviews", "", "")
	if status != http.StatusOK {
		t.Fatalf("status %d", status)
	}
	list := decode[[]interviewSummary](t, body)
	if len(list) != 1 || list[0].ID != "go-backend" || list[0].Questions != 1 {
		t.Fatalf("unexpected interviews %+v", list)
	}
}

func TestRecordGradeAndSave(t *testing.T) {
	srv := newServer(t)
	sess := openSession(t, srv, "user-1")
	base := "/v1/sessions/" + sess.ID

	status, body := call(t, srv, http.MethodPost, base+"/toggle", "", "user-1")
	if status != http.StatusOK || decode[view](t, body).State != "listening" {
		t.Fatalf("toggle start: status %d body %s", status, body)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, body = call(t, srv, http.MethodGet, base, "", "user-1")
		if strings.Contains(decode[view](t, body).Answer, "scheduler") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("transcript never arrived: %s", body)
		}
		time.Sleep(10 * time.Millisecond)
	}

	status, body = call(t, srv, http.MethodPost, base+"/toggle?wait=true", "", "user-1")
	graded := decode[view](t, body)
	if status != http.StatusOK || graded.State != "reviewable" || graded.Result == nil || graded.Result.Rating != 7 {
		t.Fatalf("toggle stop: status %d body %s", status, body)
	}

	status, body = call(t, srv, http.MethodPost, base+"/save?wait=true", "", "")
	if status != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a user, got %d %s", status, body)
	}

	status, body = call(t, srv, http.MethodPost, base+"/save?wait=true", "", "user-1")
	saved := decode[view](t, body)
	if status != http.StatusOK || saved.State != "saved" || saved.Notice != "Saved" {
		t.Fatalf("save: status %d body %s", status, body)
	}

	status, body = call(t, srv, http.MethodGet, "/v1/interviews/go-backend/feedback", "", "user-1")
	if status != http.StatusOK {
		t.Fatalf("feedback: status %d body %s", status, body)
	}
	summary := decode[answers.Summary](t, body)
	if len(summary.Records) != 1 || summary.Records[0].Rating != 7 || summary.Overall != "7.0" {
		t.Fatalf("unexpected feedback %+v", summary)
	}

	// Observers run after waiters wake, so the last entry may lag briefly.
	deadline = time.Now().Add(2 * time.Second)
	for {
		status, body = call(t, srv, http.MethodGet, base+"/timeline", "", "user-1")
		if status != http.StatusOK {
			t.Fatalf("timeline: status %d body %s", status, body)
		}
		timeline := decode[[]struct {
			To string `json:"to"`
		}](t, body)
		if len(timeline) > 0 && timeline[len(timeline)-1].To == "saved" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected timeline ending in saved, got %s", body)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestShortAnswerRejected(t *testing.T) {
	srv := newServer(t)
	sess := openSession(t, srv, "user-1")
	base := "/v1/sessions/" + sess.ID

	status, body := call(t, srv, http.MethodPut, base+"/answer", `{"text":"Too short."}`, "user-1")
	if status != http.StatusOK {
		t.Fatalf("edit: status %d body %s", status, body)
	}
	status, body = call(t, srv, http.MethodPost, base+"/grade", "", "user-1")
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", status, body)
	}
	resp := decode[errorView](t, body)
	if resp.Session == nil || resp.Session.State != "idle" || resp.Session.Error == "" {
		t.Fatalf("expected idle session with error, got %s", body)
	}
}

func TestErrorStatuses(t *testing.T) {
	srv := newServer(t)
	sess := openSession(t, srv, "user-1")

	base := "/v1/sessions/" + sess.ID

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		user   string
		status int
	}{
		{"unknown session", http.MethodGet, "/v1/sessions/nope", "", "user-1", http.StatusNotFound},
		{"unknown interview", http.MethodPost, "/v1/sessions", `{"interview_id":"rust","question_index":0}`, "user-1", http.StatusNotFound},
		{"question out of range", http.MethodPost, "/v1/sessions", `{"interview_id":"go-backend","question_index":4}`, "user-1", http.StatusBadRequest},
		{"malformed body", http.MethodPost, "/v1/sessions", `{"interview":`, "user-1", http.StatusBadRequest},
		{"open signed out", http.MethodPost, "/v1/sessions", `{"interview_id":"go-backend","question_index":0}`, "", http.StatusUnauthorized},
		{"save without result", http.MethodPost, base + "/save", "", "user-1", http.StatusConflict},
		{"feedback signed out", http.MethodGet, "/v1/interviews/go-backend/feedback", "", "", http.StatusUnauthorized},
		{"clear signed out", http.MethodDelete, "/v1/interviews/go-backend/answers", "", "", http.StatusUnauthorized},
		{"clear unknown interview", http.MethodDelete, "/v1/interviews/rust/answers", "", "user-1", http.StatusNotFound},
		{"wrong method", http.MethodGet, base + "/toggle", "", "user-1", http.StatusMethodNotAllowed},
		{"session signed out", http.MethodGet, base, "", "", http.StatusUnauthorized},
		{"other user's session", http.MethodGet, base, "", "user-2", http.StatusForbidden},
		{"other user's action", http.MethodPost, base + "/toggle", "", "user-2", http.StatusForbidden},
		{"other user's edit", http.MethodPut, base + "/answer", `{"text":"hijacked"}`, "user-2", http.StatusForbidden},
		{"other user's timeline", http.MethodGet, base + "/timeline", "", "user-2", http.StatusForbidden},
		{"other user's events", http.MethodGet, base + "/events", "", "user-2", http.StatusForbidden},
		{"other user's close", http.MethodDelete, base, "", "user-2", http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := call(t, srv, tc.method, tc.path, tc.body, tc.user)
			if status != tc.status {
				t.Fatalf("expected %d, got %d %s", tc.status, status, body)
			}
		})
	}
}

func TestCloseSession(t *testing.T) {
	srv := newServer(t)
	sess := openSession(t, srv, "user-1")
	if status, body := call(t, srv, http.MethodPost, "/v1/sessions/"+sess.ID+"/toggle", "", "user-1"); status != http.StatusOK {
		t.Fatalf("toggle: status %d body %s", status, body)
	}
	if status, _ := call(t, srv, http.MethodDelete, "/v1/sessions/"+sess.ID, "", "user-1"); status != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", status)
	}
	if status, _ := call(t, srv, http.MethodGet, "/v1/sessions/"+sess.ID, "", "user-1"); status != http.StatusNotFound {
		t.Fatalf("expected closed session gone, got %d", status)
	}

	// The recorded timeline stays readable by its owner only.
	deadline := time.Now().Add(2 * time.Second)
	for {
		status, body := call(t, srv, http.MethodGet, "/v1/sessions/"+sess.ID+"/timeline", "", "user-1")
		if status == http.StatusOK {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected owner to read closed timeline, got %d %s", status, body)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if status, _ := call(t, srv, http.MethodGet, "/v1/sessions/"+sess.ID+"/timeline", "", "user-2"); status != http.StatusForbidden {
		t.Fatalf("expected 403 for another user, got %d", status)
	}
	if status, _ := call(t, srv, http.MethodGet, "/v1/sessions/"+sess.ID+"/timeline", "", ""); status != http.StatusUnauthorized {
		t.Fatalf("expected 401 signed out, got %d", status)
	}
}

func TestClearAnswers(t *testing.T) {
	srv := newServer(t)
	answer := `{"text":"Goroutines are cheap, runtime-scheduled functions."}`

	saveOnce := func() view {
		t.Helper()
		sess := openSession(t, srv, "user-1")
		base := "/v1/sessions/" + sess.ID
		if status, body := call(t, srv, http.MethodPut, base+"/answer", answer, "user-1"); status != http.StatusOK {
			t.Fatalf("edit: status %d body %s", status, body)
		}
		if status, body := call(t, srv, http.MethodPost, base+"/grade?wait=true", "", "user-1"); status != http.StatusOK {
			t.Fatalf("grade: status %d body %s", status, body)
		}
		status, body := call(t, srv, http.MethodPost, base+"/save?wait=true", "", "user-1")
		if status != http.StatusOK {
			t.Fatalf("save: status %d body %s", status, body)
		}
		return decode[view](t, body)
	}

	if got := saveOnce(); got.Notice != session.NoticeSaved {
		t.Fatalf("expected first save stored, got %+v", got)
	}
	if got := saveOnce(); got.Notice != session.NoticeAlreadyAnswered {
		t.Fatalf("expected duplicate save refused, got %+v", got)
	}

	status, body := call(t, srv, http.MethodDelete, "/v1/interviews/go-backend/answers", "", "user-1")
	if status != http.StatusOK || decode[map[string]int](t, body)["deleted"] != 1 {
		t.Fatalf("clear: status %d body %s", status, body)
	}
	_, body = call(t, srv, http.MethodGet, "/v1/interviews/go-backend/feedback", "", "user-1")
	if summary := decode[answers.Summary](t, body); len(summary.Records) != 0 {
		t.Fatalf("expected no records after clear, got %+v", summary)
	}

	if got := saveOnce(); got.Notice != session.NoticeSaved {
		t.Fatalf("expected question answerable again, got %+v", got)
	}
}

func TestEventStream(t *testing.T) {
	srv := newServer(t)
	sess := openSession(t, srv, "user-1")

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/sessions/" + sess.ID + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{userHeader: {"user-1"}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first struct {
		Type    string `json:"type"`
		Session view   `json:"session"`
	}
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if first.Type != "snapshot" || first.Session.ID != sess.ID {
		t.Fatalf("unexpected first message %+v", first)
	}

	answer := `{"text":"Goroutines are cheap, runtime-scheduled functions."}`
	if status, body := call(t, srv, http.MethodPut, "/v1/sessions/"+sess.ID+"/answer", answer, "user-1"); status != http.StatusOK {
		t.Fatalf("edit: status %d body %s", status, body)
	}

	for {
		var env events.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("read event: %v", err)
		}
		if env.SessionID != sess.ID {
			t.Fatalf("event for wrong session: %+v", env)
		}
		if env.Type != events.TypeTranscript {
			continue
		}
		if strings.HasPrefix(decode[events.TranscriptChanged](t, env.Data).Answer, "Goroutines") {
			return
		}
	}
}

func TestStatusFor(t *testing.T) {
	cases := map[error]int{
		stt.ErrMicrophoneDenied:       http.StatusForbidden,
		stt.ErrCaptureUnsupported:     http.StatusNotImplemented,
		session.ErrBusy:               http.StatusConflict,
		session.ErrForbidden:          http.StatusForbidden,
		session.ErrTooManySessions:    http.StatusServiceUnavailable,
		answers.ErrSaveFailed:         http.StatusInternalServerError,
		questions.ErrUnknownInterview: http.StatusNotFound,
	}
	for err, want := range cases {
		if got := statusFor(err); got != want {
			t.Errorf("%v: expected %d, got %d", err, want, got)
		}
	}
}
