package stt

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/loqalabs/loqa-coach/internal/domain"
)

var (
	ErrCaptureUnsupported = errors.New("speech capture is not supported")
	ErrMicrophoneDenied   = errors.New("microphone access denied")
)

// Options configure a single recognition session.
type Options struct {
	SessionID  string
	Locale     string
	Continuous bool
}

// Stream is a live recognition session. Fragments is closed once Stop has
// flushed every pending fragment, or when the capture ends on its own.
type Stream interface {
	Fragments() <-chan domain.Fragment
	Stop() error
}

// Capture is a speech capture backend.
type Capture interface {
	Supported(ctx context.Context) bool
	AcquireMicrophone(ctx context.Context, opts Options) error
	Listen(ctx context.Context, opts Options) (Stream, error)
}

// ScriptedCapture replays a fixed list of final fragments, one per Interval,
// then stays open until stopped. It stands in for a microphone in demos and
// tests.
type ScriptedCapture struct {
	Lines       []string
	Interval    time.Duration
	Unsupported bool
	DenyMic     bool
}

func (c *ScriptedCapture) Supported(context.Context) bool {
	return !c.Unsupported
}

func (c *ScriptedCapture) AcquireMicrophone(context.Context, Options) error {
	if c.DenyMic {
		return ErrMicrophoneDenied
	}
	return nil
}

func (c *ScriptedCapture) Listen(ctx context.Context, _ Options) (Stream, error) {
	s := &scriptedStream{
		out:  make(chan domain.Fragment, len(c.Lines)+1),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go s.run(ctx, c.Lines, c.Interval)
	return s, nil
}

type scriptedStream struct {
	out  chan domain.Fragment
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func (s *scriptedStream) run(ctx context.Context, lines []string, interval time.Duration) {
	defer close(s.done)
	defer close(s.out)
	for _, line := range lines {
		if interval > 0 {
			select {
			case <-time.After(interval):
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
		}
		select {
		case s.out <- domain.Fragment{Text: line, Final: true}:
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
	select {
	case <-s.stop:
	case <-ctx.Done():
	}
}

func (s *scriptedStream) Fragments() <-chan domain.Fragment { return s.out }

func (s *scriptedStream) Stop() error {
	s.once.Do(func() { close(s.stop) })
	<-s.done
	return nil
}
