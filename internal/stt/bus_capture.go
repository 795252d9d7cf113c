package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-coach/internal/bus"
	"github.com/loqalabs/loqa-coach/internal/domain"
	"github.com/loqalabs/loqa-coach/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Availability reports whether some node on the bus advertises a capability.
type Availability interface {
	Available(name string) bool
}

// BusCapture drives a remote capture agent over the bus and listens for the
// transcripts the stt service publishes for the session.
type BusCapture struct {
	bus          *bus.Client
	nodes        Availability
	micTimeout   time.Duration
	drainTimeout time.Duration
	log          *slog.Logger
}

func NewBusCapture(busClient *bus.Client, nodes Availability, micTimeout, drainTimeout time.Duration, log *slog.Logger) *BusCapture {
	if micTimeout <= 0 {
		micTimeout = 3 * time.Second
	}
	if drainTimeout <= 0 {
		drainTimeout = 5 * time.Second
	}
	return &BusCapture{
		bus:          busClient,
		nodes:        nodes,
		micTimeout:   micTimeout,
		drainTimeout: drainTimeout,
		log:          log.With(slog.String("component", "bus-capture")),
	}
}

// Supported requires both a capture agent and a recognizer on the bus.
func (c *BusCapture) Supported(context.Context) bool {
	if !c.bus.Healthy() {
		return false
	}
	return c.nodes.Available(protocol.CapabilitySpeechCapture) && c.nodes.Available(protocol.CapabilitySTT)
}

func (c *BusCapture) AcquireMicrophone(ctx context.Context, opts Options) error {
	ctx, cancel := context.WithTimeout(ctx, c.micTimeout)
	defer cancel()

	var grant protocol.MicGrant
	req := protocol.MicRequest{SessionID: opts.SessionID, Locale: opts.Locale}
	if err := c.bus.RequestJSON(ctx, protocol.SubjectMicAcquire, req, &grant); err != nil {
		return fmt.Errorf("%w: %w", ErrMicrophoneDenied, err)
	}
	if !grant.Granted {
		return fmt.Errorf("%w: %s", ErrMicrophoneDenied, grant.Reason)
	}
	return nil
}

func (c *BusCapture) Listen(_ context.Context, opts Options) (Stream, error) {
	s := &busStream{
		capture: c,
		opts:    opts,
		out:     make(chan domain.Fragment, 64),
		final:   make(chan struct{}, 1),
	}
	// One wildcard subscription keeps partials and finals in publish order.
	sub, err := c.bus.Conn().Subscribe(protocol.SubjectTranscriptWildcard, s.handleTranscript)
	if err != nil {
		return nil, fmt.Errorf("subscribe transcripts: %w", err)
	}
	s.sub = sub
	ctrl := protocol.CaptureControl{
		SessionID:  opts.SessionID,
		Action:     protocol.CaptureStart,
		Locale:     opts.Locale,
		Continuous: opts.Continuous,
	}
	if err := c.bus.PublishJSON(protocol.SubjectCaptureControl, ctrl); err != nil {
		s.unsubscribe()
		return nil, fmt.Errorf("start capture: %w", err)
	}
	return s, nil
}

type busStream struct {
	capture *BusCapture
	opts    Options
	sub     *nats.Subscription

	mu       sync.Mutex
	out      chan domain.Fragment
	closed   bool
	stopping bool
	final    chan struct{}
	stopOnce sync.Once
	stopErr  error
}

func (s *busStream) handleTranscript(msg *nats.Msg) {
	var transcript protocol.Transcript
	if err := json.Unmarshal(msg.Data, &transcript); err != nil {
		s.capture.log.Warn("failed to decode transcript", slogError(err))
		return
	}
	if transcript.SessionID != s.opts.SessionID {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if transcript.Text != "" {
		select {
		case s.out <- domain.Fragment{Text: transcript.Text, Final: !transcript.Partial}:
		default:
			s.capture.log.Warn("dropping transcript fragment", slog.String("session_id", transcript.SessionID))
		}
	}
	if !transcript.Partial && s.stopping {
		select {
		case s.final <- struct{}{}:
		default:
		}
	}
}

func (s *busStream) Fragments() <-chan domain.Fragment { return s.out }

// Stop asks the agent to end capture, then waits for the closing final
// transcript before closing the fragment channel.
func (s *busStream) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopping = true
		s.mu.Unlock()

		ctrl := protocol.CaptureControl{SessionID: s.opts.SessionID, Action: protocol.CaptureStop}
		if err := s.capture.bus.PublishJSON(protocol.SubjectCaptureControl, ctrl); err != nil {
			s.stopErr = fmt.Errorf("stop capture: %w", err)
		} else {
			select {
			case <-s.final:
			case <-time.After(s.capture.drainTimeout):
				s.capture.log.Warn("timed out waiting for final transcript", slog.String("session_id", s.opts.SessionID))
			}
		}

		s.unsubscribe()
		s.mu.Lock()
		s.closed = true
		close(s.out)
		s.mu.Unlock()
	})
	return s.stopErr
}

func (s *busStream) unsubscribe() {
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
	}
}
