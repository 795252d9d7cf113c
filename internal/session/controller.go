package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-coach/internal/answers"
	"github.com/loqalabs/loqa-coach/internal/domain"
	"github.com/loqalabs/loqa-coach/internal/identity"
	"github.com/loqalabs/loqa-coach/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Grader scores an answer. It never fails; unusable grades come back as the
// failed sentinel result.
type Grader interface {
	Grade(ctx context.Context, q domain.Question, userAnswer string) domain.GradingResult
}

// Saver persists a graded answer at most once per user and question.
type Saver interface {
	Save(ctx context.Context, userID string, sub answers.Submission) (answers.SaveResult, error)
}

// Transition describes one state change, delivered to observers after the
// snapshot is updated.
type Transition struct {
	SessionID string
	UserID    string
	Event     EventKind
	From      Snapshot
	To        Snapshot
	At        time.Time
}

type Observer interface {
	Observe(ctx context.Context, t Transition)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, t Transition)

func (f ObserverFunc) Observe(ctx context.Context, t Transition) { f(ctx, t) }

// Controller owns one answer session. User actions are serialized; capture
// fragments and grading or save completions are fed through Reduce as they
// arrive.
type Controller struct {
	id        string
	source    *stt.Source
	grader    Grader
	saver     Saver
	users     identity.Provider
	owner     string
	observers []Observer
	log       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	actions sync.Mutex

	mu       sync.Mutex
	snap     Snapshot
	changed  chan struct{}
	capture  *captureRun
	opCancel context.CancelFunc
	lastUsed time.Time

	transitions metric.Int64Counter
}

type captureRun struct {
	epoch    uint64
	done     chan struct{}
	stopping bool
}

// Config wires a Controller. Owner is the user the session belongs to; when
// set, only that user may act on it and saves are stored under that id.
type Config struct {
	ID           string
	Owner        string
	InterviewRef string
	Question     domain.Question
	Source       *stt.Source
	Grader       Grader
	Saver        Saver
	Users        identity.Provider
	Observers    []Observer
}

func NewController(parent context.Context, cfg Config, log *slog.Logger) *Controller {
	ctx, cancel := context.WithCancel(parent)
	c := &Controller{
		id:        cfg.ID,
		source:    cfg.Source,
		grader:    cfg.Grader,
		saver:     cfg.Saver,
		users:     cfg.Users,
		owner:     cfg.Owner,
		observers: cfg.Observers,
		log:       log.With(slog.String("component", "session"), slog.String("session_id", cfg.ID)),
		ctx:       ctx,
		cancel:    cancel,
		snap: Snapshot{
			ID:           cfg.ID,
			InterviewRef: cfg.InterviewRef,
			Question:     cfg.Question,
			State:        Idle,
		},
		changed:  make(chan struct{}),
		lastUsed: time.Now(),
	}
	counter, err := otel.Meter("github.com/loqalabs/loqa-coach/session").Int64Counter("coach.sessions.transitions",
		metric.WithDescription("Session state transitions"))
	if err != nil {
		c.log.Warn("failed to create transition counter", slogError(err))
	} else {
		c.transitions = counter
	}
	return c
}

func (c *Controller) ID() string {
	return c.id
}

// Owner is the user the session was opened for, or "" when unowned.
func (c *Controller) Owner() string {
	return c.owner
}

// Authorize checks that the caller in ctx owns the session.
func (c *Controller) Authorize(ctx context.Context) error {
	if c.owner == "" || c.users == nil {
		return nil
	}
	id, ok := c.users.CurrentUserID(ctx)
	if !ok {
		return answers.ErrUnauthenticated
	}
	if id != c.owner {
		return ErrForbidden
	}
	return nil
}

// Snapshot returns the current session state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// Toggle starts listening when idle and stops listening when recording. A
// stop submits the answer for grading if it is long enough.
func (c *Controller) Toggle(ctx context.Context) (Snapshot, error) {
	c.actions.Lock()
	defer c.actions.Unlock()
	if err := c.touch(ctx); err != nil {
		return c.Snapshot(), err
	}

	if c.Snapshot().State == Listening {
		c.stopCapture()
		return c.dispatch(ctx, Event{Kind: EventStopListening})
	}
	return c.dispatch(ctx, Event{Kind: EventStartListening})
}

// RecordAgain discards the answer and any grade and starts a fresh capture.
func (c *Controller) RecordAgain(ctx context.Context) (Snapshot, error) {
	c.actions.Lock()
	defer c.actions.Unlock()
	if err := c.touch(ctx); err != nil {
		return c.Snapshot(), err
	}
	return c.dispatch(ctx, Event{Kind: EventRecordAgain})
}

// Reset discards the answer and any grade and returns to Idle.
func (c *Controller) Reset(ctx context.Context) (Snapshot, error) {
	c.actions.Lock()
	defer c.actions.Unlock()
	if err := c.touch(ctx); err != nil {
		return c.Snapshot(), err
	}
	return c.dispatch(ctx, Event{Kind: EventReset})
}

// Edit replaces the answer text. Any grade for the old text is discarded.
func (c *Controller) Edit(ctx context.Context, text string) (Snapshot, error) {
	c.actions.Lock()
	defer c.actions.Unlock()
	if err := c.touch(ctx); err != nil {
		return c.Snapshot(), err
	}
	return c.dispatch(ctx, Event{Kind: EventEdit, Text: text})
}

// Grade submits the current answer for grading. It is a no-op while a
// grading is already in flight.
func (c *Controller) Grade(ctx context.Context) (Snapshot, error) {
	c.actions.Lock()
	defer c.actions.Unlock()
	if err := c.touch(ctx); err != nil {
		return c.Snapshot(), err
	}
	return c.dispatch(ctx, Event{Kind: EventGrade})
}

// Save persists the graded answer for the session owner. An unowned session
// cannot be saved; the state check comes first so callers see a conflict
// when there is nothing to save yet.
func (c *Controller) Save(ctx context.Context) (Snapshot, error) {
	c.actions.Lock()
	defer c.actions.Unlock()
	if err := c.touch(ctx); err != nil {
		return c.Snapshot(), err
	}
	if snap := c.Snapshot(); c.owner == "" && snap.State == Reviewable {
		return snap, answers.ErrUnauthenticated
	}
	return c.dispatch(ctx, Event{Kind: EventSave})
}

// Await blocks until no grading or save is in flight.
func (c *Controller) Await(ctx context.Context) (Snapshot, error) {
	for {
		c.mu.Lock()
		snap, changed := c.snap, c.changed
		c.mu.Unlock()
		if !snap.State.Busy() {
			return snap, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return snap, ctx.Err()
		}
	}
}

// Changed returns a channel closed at the next state change.
func (c *Controller) Changed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changed
}

// IdleFor reports how long the session has gone without a user action.
func (c *Controller) IdleFor(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return now.Sub(c.lastUsed)
}

// Close stops capture and abandons in-flight grading and saves.
func (c *Controller) Close() {
	c.actions.Lock()
	defer c.actions.Unlock()
	c.stopCapture()
	c.cancel()
	c.wg.Wait()
}

// touch authorizes the caller and records the action time.
func (c *Controller) touch(ctx context.Context) error {
	if err := c.Authorize(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.lastUsed = time.Now()
	c.mu.Unlock()
	return nil
}

func (c *Controller) dispatch(ctx context.Context, ev Event) (Snapshot, error) {
	c.mu.Lock()
	prev := c.snap
	next, effects, err := Reduce(prev, ev)
	moved := next.Version != prev.Version
	if moved {
		c.snap = next
		close(c.changed)
		c.changed = make(chan struct{})
	}
	if next.Epoch != prev.Epoch && c.opCancel != nil {
		c.opCancel()
		c.opCancel = nil
	}
	c.mu.Unlock()

	if moved {
		c.notify(Transition{
			SessionID: next.ID,
			UserID:    c.owner,
			Event:     ev.Kind,
			From:      prev,
			To:        next,
			At:        time.Now().UTC(),
		})
	}
	if err != nil && !errors.Is(err, ErrInvalidTransition) && !errors.Is(err, ErrBusy) {
		c.log.Info("action rejected", slog.String("event", ev.Kind.String()), slogError(err))
	}

	for _, effect := range effects {
		if effErr := c.run(ctx, effect); effErr != nil && err == nil {
			err = effErr
		}
	}
	return c.Snapshot(), err
}

func (c *Controller) run(_ context.Context, effect Effect) error {
	switch effect.Kind {
	case EffectStartCapture:
		return c.startCapture(effect.Epoch)
	case EffectStopCapture:
		c.stopCapture()
	case EffectGrade:
		c.startGrading(effect)
	case EffectSave:
		c.startSave(effect)
	}
	return nil
}

func (c *Controller) startCapture(epoch uint64) error {
	fragments, err := c.source.Start(c.ctx)
	if err != nil {
		c.log.Warn("capture failed to start", slogError(err))
		c.dispatch(c.ctx, Event{Kind: EventCaptureFailed, Epoch: epoch, Err: err})
		return err
	}
	run := &captureRun{epoch: epoch, done: make(chan struct{})}
	c.mu.Lock()
	c.capture = run
	c.mu.Unlock()

	c.wg.Add(1)
	go c.consume(run, fragments)
	return nil
}

func (c *Controller) consume(run *captureRun, fragments <-chan domain.Fragment) {
	defer c.wg.Done()
	defer close(run.done)
	for fragment := range fragments {
		c.dispatch(c.ctx, Event{Kind: EventFragment, Epoch: run.epoch, Fragment: fragment})
	}
	c.mu.Lock()
	stopping := run.stopping
	c.mu.Unlock()
	if !stopping {
		c.dispatch(c.ctx, Event{Kind: EventCaptureEnded, Epoch: run.epoch})
	}
}

// stopCapture stops the source and waits until every fragment it produced
// has been reduced.
func (c *Controller) stopCapture() {
	c.mu.Lock()
	run := c.capture
	c.capture = nil
	if run != nil {
		run.stopping = true
	}
	c.mu.Unlock()

	if err := c.source.Stop(); err != nil {
		c.log.Warn("capture stopped with error", slogError(err))
	}
	if run != nil {
		<-run.done
	}
}

func (c *Controller) operation() context.Context {
	ctx, cancel := context.WithCancel(c.ctx)
	c.mu.Lock()
	if c.opCancel != nil {
		c.opCancel()
	}
	c.opCancel = cancel
	c.mu.Unlock()
	return ctx
}

func (c *Controller) startGrading(effect Effect) {
	ctx := c.operation()
	snap := c.Snapshot()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		result := c.grader.Grade(ctx, snap.Question, effect.Answer)
		c.dispatch(c.ctx, Event{Kind: EventGraded, Epoch: effect.Epoch, Result: result})
	}()
}

func (c *Controller) startSave(effect Effect) {
	ctx := c.operation()
	snap := c.Snapshot()

	sub := answers.Submission{
		InterviewRef: snap.InterviewRef,
		Question:     snap.Question,
		UserAnswer:   effect.Answer,
		Result:       effect.Result,
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		res, err := c.saver.Save(ctx, c.owner, sub)
		if err != nil {
			c.dispatch(c.ctx, Event{Kind: EventSaveFailed, Epoch: effect.Epoch, Err: err})
			return
		}
		c.dispatch(c.ctx, Event{
			Kind:          EventSaved,
			Epoch:         effect.Epoch,
			RecordID:      res.ID,
			AlreadyExists: res.Outcome == answers.OutcomeAlreadyAnswered,
		})
	}()
}

func (c *Controller) notify(t Transition) {
	if c.transitions != nil {
		c.transitions.Add(c.ctx, 1, metric.WithAttributes(
			attribute.String("from", t.From.State.String()),
			attribute.String("to", t.To.State.String()),
		))
	}
	if t.From.State != t.To.State {
		c.log.Info("session transition",
			slog.String("event", t.Event.String()),
			slog.String("from", t.From.State.String()),
			slog.String("to", t.To.State.String()),
		)
	}
	for _, o := range c.observers {
		o.Observe(c.ctx, t)
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
