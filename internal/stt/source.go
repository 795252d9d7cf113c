package stt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loqalabs/loqa-coach/internal/domain"
)

// Source turns a Capture into a restartable stream of transcript fragments.
// Start while already listening is a no-op that hands back the live channel.
type Source struct {
	capture Capture
	opts    Options
	log     *slog.Logger

	mu     sync.Mutex
	stream Stream
	out    chan domain.Fragment
	done   chan struct{}
}

func NewSource(capture Capture, opts Options, log *slog.Logger) *Source {
	return &Source{
		capture: capture,
		opts:    opts,
		log:     log.With(slog.String("component", "transcript-source"), slog.String("session_id", opts.SessionID)),
	}
}

// Start begins capture and returns the fragment channel. The channel is
// closed after Stop, once every fragment produced before it was delivered.
func (s *Source) Start(ctx context.Context) (<-chan domain.Fragment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream != nil {
		select {
		case <-s.done:
			// capture ended on its own; release it and start over
			if err := s.stream.Stop(); err != nil {
				s.log.Debug("ended capture stopped with error", slogError(err))
			}
			s.stream = nil
		default:
			return s.out, nil
		}
	}

	if !s.capture.Supported(ctx) {
		return nil, ErrCaptureUnsupported
	}
	if err := s.capture.AcquireMicrophone(ctx, s.opts); err != nil {
		if errors.Is(err, ErrMicrophoneDenied) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrMicrophoneDenied, err)
	}
	stream, err := s.capture.Listen(ctx, s.opts)
	if err != nil {
		return nil, fmt.Errorf("start listening: %w", err)
	}

	s.stream = stream
	s.out = make(chan domain.Fragment, 64)
	s.done = make(chan struct{})
	go s.pump(stream.Fragments(), s.out, s.done)

	s.log.Info("listening", slog.String("locale", s.opts.Locale), slog.Bool("continuous", s.opts.Continuous))
	return s.out, nil
}

func (s *Source) pump(in <-chan domain.Fragment, out chan<- domain.Fragment, done chan<- struct{}) {
	defer close(done)
	defer close(out)
	for fragment := range in {
		out <- fragment
	}
}

// Stop ends capture and waits until the fragment channel is closed. Calling
// Stop when not listening does nothing.
func (s *Source) Stop() error {
	s.mu.Lock()
	stream, done := s.stream, s.done
	s.stream = nil
	s.mu.Unlock()

	if stream == nil {
		return nil
	}
	err := stream.Stop()
	<-done
	if err != nil {
		s.log.Warn("capture stopped with error", slogError(err))
		return fmt.Errorf("stop capture: %w", err)
	}
	s.log.Info("stopped listening")
	return nil
}

// Listening reports whether a capture is active.
func (s *Source) Listening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}
