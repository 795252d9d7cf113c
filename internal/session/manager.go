package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-coach/internal/answers"
	"github.com/loqalabs/loqa-coach/internal/identity"
	"github.com/loqalabs/loqa-coach/internal/questions"
	"github.com/loqalabs/loqa-coach/internal/stt"
	"github.com/rs/xid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var (
	ErrNotFound        = errors.New("session not found")
	ErrTooManySessions = errors.New("too many active sessions")
)

// Interviews looks up interviews by id.
type Interviews interface {
	Get(id string) (questions.Interview, error)
}

// CaptureFactory builds the speech capture for a new session.
type CaptureFactory func(sessionID string) stt.Capture

type ManagerConfig struct {
	Capture     CaptureFactory
	Grader      Grader
	Saver       Saver
	Users       identity.Provider
	Observers   []Observer
	Locale      string
	Continuous  bool
	MaxActive   int
	IdleTimeout time.Duration
}

// Manager tracks the open answer sessions.
type Manager struct {
	ctx        context.Context
	cfg        ManagerConfig
	interviews Interviews
	log        *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Controller

	active metric.Int64UpDownCounter
}

func NewManager(ctx context.Context, cfg ManagerConfig, interviews Interviews, log *slog.Logger) *Manager {
	m := &Manager{
		ctx:        ctx,
		cfg:        cfg,
		interviews: interviews,
		log:        log.With(slog.String("component", "session-manager")),
		sessions:   make(map[string]*Controller),
	}
	counter, err := otel.Meter("github.com/loqalabs/loqa-coach/session").Int64UpDownCounter("coach.sessions.active",
		metric.WithDescription("Open answer sessions"))
	if err != nil {
		m.log.Warn("failed to create session gauge", slogError(err))
	} else {
		m.active = counter
	}
	return m
}

// Open starts a session for one question of an interview, owned by the user
// in ctx. A signed-in user is required when the manager has an identity
// provider.
func (m *Manager) Open(ctx context.Context, interviewID string, index int) (*Controller, error) {
	var owner string
	if m.cfg.Users != nil {
		id, ok := m.cfg.Users.CurrentUserID(ctx)
		if !ok {
			return nil, answers.ErrUnauthenticated
		}
		owner = id
	}
	iv, err := m.interviews.Get(interviewID)
	if err != nil {
		return nil, err
	}
	question, err := iv.Question(index)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.MaxActive > 0 && len(m.sessions) >= m.cfg.MaxActive {
		return nil, fmt.Errorf("%w: limit %d", ErrTooManySessions, m.cfg.MaxActive)
	}

	id := xid.New().String()
	opts := stt.Options{SessionID: id, Locale: m.cfg.Locale, Continuous: m.cfg.Continuous}
	ctrl := NewController(m.ctx, Config{
		ID:           id,
		Owner:        owner,
		InterviewRef: iv.ID,
		Question:     question,
		Source:       stt.NewSource(m.cfg.Capture(id), opts, m.log),
		Grader:       m.cfg.Grader,
		Saver:        m.cfg.Saver,
		Users:        m.cfg.Users,
		Observers:    m.cfg.Observers,
	}, m.log)
	m.sessions[id] = ctrl
	if m.active != nil {
		m.active.Add(ctx, 1)
	}
	m.log.Info("session opened",
		slog.String("session_id", id),
		slog.String("user_id", owner),
		slog.String("interview_id", iv.ID),
		slog.Int("question_index", index))
	return ctrl, nil
}

func (m *Manager) Get(id string) (*Controller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctrl, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return ctrl, nil
}

// Session returns the session with id if the caller in ctx owns it.
func (m *Manager) Session(ctx context.Context, id string) (*Controller, error) {
	ctrl, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if err := ctrl.Authorize(ctx); err != nil {
		return nil, err
	}
	return ctrl, nil
}

// Close ends a session and forgets it.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	ctrl, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	ctrl.Close()
	if m.active != nil {
		m.active.Add(m.ctx, -1)
	}
	m.log.Info("session closed", slog.String("session_id", id))
	return nil
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep closes sessions idle longer than the configured timeout and returns
// how many were closed. Sessions with grading or a save in flight are kept.
func (m *Manager) Sweep(now time.Time) int {
	if m.cfg.IdleTimeout <= 0 {
		return 0
	}
	m.mu.Lock()
	var stale []string
	for id, ctrl := range m.sessions {
		if ctrl.IdleFor(now) >= m.cfg.IdleTimeout && !ctrl.Snapshot().State.Busy() {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		if err := m.Close(id); err != nil && !errors.Is(err, ErrNotFound) {
			m.log.Warn("failed to close idle session", slog.String("session_id", id), slogError(err))
		}
	}
	return len(stale)
}

// Run sweeps idle sessions until ctx is done, then closes every session.
func (m *Manager) Run(ctx context.Context) {
	interval := m.cfg.IdleTimeout / 4
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.Shutdown()
			return
		case now := <-ticker.C:
			if n := m.Sweep(now); n > 0 {
				m.log.Info("closed idle sessions", slog.Int("count", n))
			}
		}
	}
}

func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		_ = m.Close(id)
	}
}
