package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-coach/internal/bus"
	"github.com/loqalabs/loqa-coach/internal/config"
	"github.com/loqalabs/loqa-coach/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	recognizeTimeout = 45 * time.Second
	// utteranceTTL bounds how long audio is buffered for a session whose
	// capture node stopped sending frames without a final one.
	utteranceTTL = 2 * time.Minute
)

// Service recognizes speech from audio frames published by capture agents.
// Audio is buffered per answer session; interim transcripts are published at
// most every PartialEveryMS and a final one when the closing frame arrives.
type Service struct {
	cfg        config.STTConfig
	bus        *bus.Client
	recognizer Recognizer
	mu         sync.Mutex
	utterances map[string]*utterance
	ctx        context.Context
	cancel     context.CancelFunc
	sub        *nats.Subscription
	wg         sync.WaitGroup
	ready      bool
	log        *slog.Logger

	recognitions metric.Int64Counter
	latency      metric.Float64Histogram
}

type utterance struct {
	pcm          []byte
	sampleRate   int
	channels     int
	nextSeq      int
	lastFrame    time.Time
	lastInterim  time.Time
	inflight     bool
	pendingFinal bool
}

func NewService(parent context.Context, cfg config.STTConfig, busClient *bus.Client, recognizer Recognizer, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:        cfg,
		bus:        busClient,
		recognizer: recognizer,
		utterances: make(map[string]*utterance),
		ctx:        ctx,
		cancel:     cancel,
		log:        log.With(slog.String("component", "stt-service")),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-coach/stt")
	var err error
	if s.recognitions, err = meter.Int64Counter("coach.stt.recognitions", metric.WithDescription("Recognizer runs by kind and outcome")); err != nil {
		s.log.Warn("failed to create recognition counter", slogError(err))
	}
	if s.latency, err = meter.Float64Histogram("coach.stt.latency", metric.WithUnit("s")); err != nil {
		s.log.Warn("failed to create recognition histogram", slogError(err))
	}
	return s
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectAudioFramePrefix+".>", s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	s.sub = sub
	s.ready = true

	s.wg.Add(1)
	go s.expire()
	s.log.Info("stt service ready", slog.String("mode", s.cfg.Mode), slog.String("language", s.cfg.Language))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.log.Warn("failed to decode audio frame", slogError(err))
		return
	}
	if frame.SessionID == "" {
		return
	}

	s.mu.Lock()
	u := s.utterances[frame.SessionID]
	if u == nil {
		u = &utterance{sampleRate: s.cfg.SampleRate, channels: s.cfg.Channels}
		s.utterances[frame.SessionID] = u
	}
	if frame.Sequence < u.nextSeq {
		s.mu.Unlock()
		s.log.Debug("dropping replayed audio frame",
			slog.String("session_id", frame.SessionID), slog.Int("sequence", frame.Sequence))
		return
	}
	if frame.Sequence > u.nextSeq {
		s.log.Warn("audio frames missing",
			slog.String("session_id", frame.SessionID),
			slog.Int("expected", u.nextSeq), slog.Int("got", frame.Sequence))
	}
	u.nextSeq = frame.Sequence + 1
	if frame.SampleRate > 0 {
		u.sampleRate = frame.SampleRate
	}
	if frame.Channels > 0 {
		u.channels = frame.Channels
	}
	u.pcm = append(u.pcm, frame.PCM...)
	u.lastFrame = time.Now()
	interim := !frame.Final && s.cfg.PublishInterim && s.interimDue(u)
	s.mu.Unlock()

	switch {
	case frame.Final:
		s.recognize(frame.SessionID, true)
	case interim:
		s.recognize(frame.SessionID, false)
	}
}

// interimDue reports whether an interim pass should run now. Callers hold mu.
func (s *Service) interimDue(u *utterance) bool {
	if u.inflight {
		return false
	}
	interval := time.Duration(s.cfg.PartialEveryMS) * time.Millisecond
	if !u.lastInterim.IsZero() && (interval <= 0 || time.Since(u.lastInterim) < interval) {
		return false
	}
	u.lastInterim = time.Now()
	return true
}

// recognize transcribes everything buffered for sessionID. A final request
// arriving while another pass is running is deferred until that pass ends.
func (s *Service) recognize(sessionID string, final bool) {
	s.mu.Lock()
	u := s.utterances[sessionID]
	if u == nil {
		s.mu.Unlock()
		return
	}
	if u.inflight {
		if final {
			u.pendingFinal = true
		}
		s.mu.Unlock()
		return
	}
	u.inflight = true
	pcm := append([]byte(nil), u.pcm...)
	sampleRate, channels := u.sampleRate, u.channels
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, recognizeTimeout)
		defer cancel()

		start := time.Now()
		result, err := s.recognizer.Transcribe(ctx, pcm, sampleRate, channels, final)
		s.record(ctx, final, err, time.Since(start))
		if err != nil {
			s.log.Warn("stt transcription failed", slogError(err), slog.String("session_id", sessionID), slog.Bool("final", final))
			result = TranscriptResult{}
		}
		// Listeners wait for a final, so one is sent even when recognition failed.
		if err == nil || final {
			s.publishTranscript(sessionID, result, final)
		}

		s.mu.Lock()
		var pendingFinal bool
		if u := s.utterances[sessionID]; u != nil {
			u.inflight = false
			pendingFinal = u.pendingFinal
			if final {
				delete(s.utterances, sessionID)
			}
		}
		s.mu.Unlock()

		if pendingFinal && !final {
			s.recognize(sessionID, true)
		}
	}()
}

func (s *Service) record(ctx context.Context, final bool, err error, elapsed time.Duration) {
	kind, outcome := "interim", "ok"
	if final {
		kind = "final"
	}
	if err != nil {
		outcome = "error"
	}
	attrs := metric.WithAttributes(attribute.String("kind", kind), attribute.String("outcome", outcome))
	if s.recognitions != nil {
		s.recognitions.Add(ctx, 1, attrs)
	}
	if s.latency != nil {
		s.latency.Record(ctx, elapsed.Seconds(), attrs)
	}
}

func (s *Service) publishTranscript(sessionID string, result TranscriptResult, final bool) {
	if result.Text == "" && !final {
		return
	}
	subject := protocol.SubjectTranscriptPartial
	if final {
		subject = protocol.SubjectTranscriptFinal
	}
	msg := protocol.Transcript{
		SessionID:  sessionID,
		Text:       result.Text,
		Partial:    !final,
		Timestamp:  time.Now().UTC(),
		Confidence: result.Confidence,
	}
	if err := s.bus.PublishJSON(subject, msg); err != nil {
		s.log.Warn("failed to publish transcript", slogError(err))
	}
}

// expire drops buffers whose capture agent went away without a final frame.
func (s *Service) expire() {
	defer s.wg.Done()
	ticker := time.NewTicker(utteranceTTL / 4)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case now := <-ticker.C:
			s.dropStale(now)
		}
	}
}

func (s *Service) dropStale(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := 0
	for id, u := range s.utterances {
		if !u.inflight && now.Sub(u.lastFrame) > utteranceTTL {
			delete(s.utterances, id)
			dropped++
			s.log.Info("dropped abandoned audio", slog.String("session_id", id), slog.Int("bytes", len(u.pcm)))
		}
	}
	return dropped
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
