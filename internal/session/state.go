// Package session runs the answer recording state machine: capture speech,
// grade the answer, and save it once per user and question.
package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/loqalabs/loqa-coach/internal/answer"
	"github.com/loqalabs/loqa-coach/internal/domain"
)

var (
	ErrBusy              = errors.New("session is busy")
	ErrInvalidTransition = errors.New("action not allowed in current state")
	ErrForbidden         = errors.New("session belongs to another user")
)

// Notices shown to the user alongside a snapshot.
const (
	NoticeAlreadyAnswered = "Already Answered"
	NoticeSaved           = "Saved"
	NoticeCaptureEnded    = "Recording stopped"
)

type State int

const (
	Idle State = iota
	Listening
	Grading
	Reviewable
	Saving
	Saved
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Grading:
		return "grading"
	case Reviewable:
		return "reviewable"
	case Saving:
		return "saving"
	case Saved:
		return "saved"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Busy reports whether an asynchronous step is in flight.
func (s State) Busy() bool {
	return s == Grading || s == Saving
}

var allStateNames = map[string]State{
	"idle":       Idle,
	"listening":  Listening,
	"grading":    Grading,
	"reviewable": Reviewable,
	"saving":     Saving,
	"saved":      Saved,
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	state, ok := allStateNames[string(text)]
	if !ok {
		return fmt.Errorf("unknown session state %q", text)
	}
	*s = state
	return nil
}

// Snapshot is the complete state of one answer session. Answer holds
// committed text; Interim is the latest unconfirmed fragment.
type Snapshot struct {
	ID           string                `json:"id"`
	InterviewRef string                `json:"interview_id"`
	Question     domain.Question       `json:"question"`
	State        State                 `json:"state"`
	Answer       string                `json:"answer"`
	Interim      string                `json:"interim,omitempty"`
	Result       *domain.GradingResult `json:"result,omitempty"`
	RecordID     string                `json:"record_id,omitempty"`
	Notice       string                `json:"notice,omitempty"`
	Error        string                `json:"error,omitempty"`
	Epoch        uint64                `json:"-"`
	Version      uint64                `json:"version"`
}

// Text is the answer as the user currently sees it.
func (s Snapshot) Text() string {
	return joinText(s.Answer, s.Interim)
}

type EventKind int

const (
	EventStartListening EventKind = iota + 1
	EventStopListening
	EventFragment
	EventCaptureFailed
	EventCaptureEnded
	EventGrade
	EventGraded
	EventEdit
	EventSave
	EventSaved
	EventSaveFailed
	EventRecordAgain
	EventReset
)

var eventNames = map[EventKind]string{
	EventStartListening: "start_listening",
	EventStopListening:  "stop_listening",
	EventFragment:       "fragment",
	EventCaptureFailed:  "capture_failed",
	EventCaptureEnded:   "capture_ended",
	EventGrade:          "grade",
	EventGraded:         "graded",
	EventEdit:           "edit",
	EventSave:           "save",
	EventSaved:          "saved",
	EventSaveFailed:     "save_failed",
	EventRecordAgain:    "record_again",
	EventReset:          "reset",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is a user action or the completion of an effect. Completion events
// carry the Epoch of the effect that produced them; stale ones are ignored.
type Event struct {
	Kind          EventKind
	Epoch         uint64
	Fragment      domain.Fragment
	Text          string
	Result        domain.GradingResult
	RecordID      string
	AlreadyExists bool
	Err           error
}

type EffectKind int

const (
	EffectStartCapture EffectKind = iota + 1
	EffectStopCapture
	EffectGrade
	EffectSave
)

// Effect is work the reducer asks the controller to perform.
type Effect struct {
	Kind   EffectKind
	Epoch  uint64
	Answer string
	Result domain.GradingResult
}

// Reduce applies ev to s. It is the only place session state changes. When
// the event is rejected or ignored, s is returned unchanged; rejections also
// return ErrBusy or ErrInvalidTransition. A too-short answer is reported with
// answer.ErrTooShort alongside the resulting Idle snapshot.
func Reduce(s Snapshot, ev Event) (Snapshot, []Effect, error) {
	next, effects, err := reduce(s, ev)
	if next != s {
		next.Version = s.Version + 1
	}
	return next, effects, err
}

func reduce(s Snapshot, ev Event) (Snapshot, []Effect, error) {
	switch ev.Kind {
	case EventStartListening:
		switch s.State {
		case Idle, Reviewable:
			// An answer that keeps growing invalidates its old grade.
			s.Result = nil
			s.State = Listening
			s.clearMessages()
			s.Epoch++
			return s, []Effect{{Kind: EffectStartCapture, Epoch: s.Epoch}}, nil
		case Listening, Grading:
			return s, nil, nil
		case Saving:
			return s, nil, ErrBusy
		}
		return reject(s)

	case EventStopListening:
		if s.State != Listening {
			return reject(s)
		}
		s.Answer = joinText(s.Answer, s.Interim)
		s.Interim = ""
		s.Epoch++
		if err := answer.Validate(s.Answer); err != nil {
			s.State = Idle
			s.Error = err.Error()
			return s, nil, err
		}
		s.State = Grading
		return s, []Effect{{Kind: EffectGrade, Epoch: s.Epoch, Answer: s.Answer}}, nil

	case EventFragment:
		if s.State != Listening || ev.Epoch != s.Epoch {
			return s, nil, nil
		}
		if ev.Fragment.Final {
			s.Answer = joinText(s.Answer, strings.TrimSpace(ev.Fragment.Text))
			s.Interim = ""
		} else {
			s.Interim = strings.TrimSpace(ev.Fragment.Text)
		}
		return s, nil, nil

	case EventCaptureFailed:
		if s.State != Listening || ev.Epoch != s.Epoch {
			return s, nil, nil
		}
		s.State = Idle
		s.Interim = ""
		s.Error = errorText(ev.Err)
		return s, nil, nil

	case EventCaptureEnded:
		if s.State != Listening || ev.Epoch != s.Epoch {
			return s, nil, nil
		}
		s.Answer = joinText(s.Answer, s.Interim)
		s.Interim = ""
		s.State = Idle
		s.Notice = NoticeCaptureEnded
		return s, nil, nil

	case EventGrade:
		switch s.State {
		case Grading:
			return s, nil, nil
		case Idle, Reviewable:
		case Saving:
			return s, nil, ErrBusy
		default:
			return reject(s)
		}
		s.clearMessages()
		if err := answer.Validate(s.Answer); err != nil {
			s.State = Idle
			s.Result = nil
			s.Error = err.Error()
			return s, nil, err
		}
		s.Epoch++
		s.State = Grading
		s.Result = nil
		return s, []Effect{{Kind: EffectGrade, Epoch: s.Epoch, Answer: s.Answer}}, nil

	case EventGraded:
		if s.State != Grading || ev.Epoch != s.Epoch {
			return s, nil, nil
		}
		result := ev.Result
		s.Result = &result
		s.State = Reviewable
		return s, nil, nil

	case EventEdit:
		switch s.State {
		case Idle, Reviewable:
		case Grading, Saving:
			return s, nil, ErrBusy
		default:
			return reject(s)
		}
		if ev.Text == s.Answer && s.Interim == "" {
			return s, nil, nil
		}
		s.Answer = ev.Text
		s.Interim = ""
		s.Result = nil
		s.State = Idle
		s.clearMessages()
		s.Epoch++
		return s, nil, nil

	case EventSave:
		switch s.State {
		case Reviewable:
		case Saving, Grading:
			return s, nil, ErrBusy
		default:
			return reject(s)
		}
		if s.Result == nil {
			return reject(s)
		}
		s.clearMessages()
		s.Epoch++
		s.State = Saving
		return s, []Effect{{Kind: EffectSave, Epoch: s.Epoch, Answer: s.Answer, Result: *s.Result}}, nil

	case EventSaved:
		if s.State != Saving || ev.Epoch != s.Epoch {
			return s, nil, nil
		}
		if ev.AlreadyExists {
			s.State = Reviewable
			s.Notice = NoticeAlreadyAnswered
			return s, nil, nil
		}
		s.State = Saved
		s.RecordID = ev.RecordID
		s.Answer = ""
		s.Interim = ""
		s.Result = nil
		s.Notice = NoticeSaved
		return s, nil, nil

	case EventSaveFailed:
		if s.State != Saving || ev.Epoch != s.Epoch {
			return s, nil, nil
		}
		s.State = Reviewable
		s.Error = errorText(ev.Err)
		return s, nil, nil

	case EventRecordAgain, EventReset:
		if s.State == Saving {
			return s, nil, ErrBusy
		}
		var effects []Effect
		if s.State == Listening {
			effects = append(effects, Effect{Kind: EffectStopCapture, Epoch: s.Epoch})
		}
		s.Answer = ""
		s.Interim = ""
		s.Result = nil
		s.RecordID = ""
		s.clearMessages()
		s.Epoch++
		s.State = Idle
		if ev.Kind == EventRecordAgain {
			s.State = Listening
			effects = append(effects, Effect{Kind: EffectStartCapture, Epoch: s.Epoch})
		}
		return s, effects, nil
	}
	return s, nil, fmt.Errorf("%w: unknown event %s", ErrInvalidTransition, ev.Kind)
}

func reject(s Snapshot) (Snapshot, []Effect, error) {
	return s, nil, fmt.Errorf("%w: %s", ErrInvalidTransition, s.State)
}

func (s *Snapshot) clearMessages() {
	s.Notice = ""
	s.Error = ""
}

func joinText(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + " " + b
	}
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
