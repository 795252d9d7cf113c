package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-coach/internal/audio"
	"github.com/loqalabs/loqa-coach/internal/bus"
	"github.com/loqalabs/loqa-coach/internal/config"
	"github.com/loqalabs/loqa-coach/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Agent owns a local microphone and streams it onto the bus as audio frames
// for whichever session holds the microphone grant.
type Agent struct {
	bus      *bus.Client
	mic      audio.Capture
	audioCfg audio.Config
	frame    time.Duration
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	subs   []*nats.Subscription
	wg     sync.WaitGroup

	mu     sync.Mutex
	owner  string
	active audio.Session
}

func NewAgent(parent context.Context, cfg config.STTConfig, busClient *bus.Client, mic audio.Capture, log *slog.Logger) *Agent {
	ctx, cancel := context.WithCancel(parent)
	frame := time.Duration(cfg.FrameDurationMS) * time.Millisecond
	if frame <= 0 {
		frame = 20 * time.Millisecond
	}
	return &Agent{
		bus: busClient,
		mic: mic,
		audioCfg: audio.Config{
			SampleRate:  cfg.SampleRate,
			Channels:    cfg.Channels,
			InputFormat: cfg.FFmpeg.InputFormat,
			InputDevice: cfg.FFmpeg.InputDevice,
		},
		frame:  frame,
		log:    log.With(slog.String("component", "capture-agent")),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (a *Agent) Start() error {
	conn := a.bus.Conn()
	acquire, err := conn.Subscribe(protocol.SubjectMicAcquire, a.handleAcquire)
	if err != nil {
		return fmt.Errorf("subscribe mic acquire: %w", err)
	}
	control, err := conn.Subscribe(protocol.SubjectCaptureControl, a.handleControl)
	if err != nil {
		_ = acquire.Unsubscribe()
		return fmt.Errorf("subscribe capture control: %w", err)
	}
	a.subs = append(a.subs, acquire, control)
	a.log.Info("capture agent ready")
	return nil
}

func (a *Agent) Close() {
	a.cancel()
	for _, sub := range a.subs {
		_ = sub.Drain()
	}
	a.mu.Lock()
	active := a.active
	a.mu.Unlock()
	if active != nil {
		_ = active.Stop()
	}
	a.wg.Wait()
}

func (a *Agent) handleAcquire(msg *nats.Msg) {
	var req protocol.MicRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		a.log.Warn("failed to decode mic request", slogError(err))
		return
	}

	grant := protocol.MicGrant{SessionID: req.SessionID, Granted: true}
	a.mu.Lock()
	switch {
	case req.SessionID == "":
		grant.Granted = false
		grant.Reason = "session id required"
	case a.owner != "" && a.owner != req.SessionID:
		grant.Granted = false
		grant.Reason = "microphone in use"
	default:
		a.owner = req.SessionID
	}
	a.mu.Unlock()

	if err := bus.RespondJSON(msg, grant); err != nil {
		a.log.Warn("failed to answer mic request", slogError(err))
	}
}

func (a *Agent) handleControl(msg *nats.Msg) {
	var ctrl protocol.CaptureControl
	if err := json.Unmarshal(msg.Data, &ctrl); err != nil {
		a.log.Warn("failed to decode capture control", slogError(err))
		return
	}
	switch ctrl.Action {
	case protocol.CaptureStart:
		a.start(ctrl.SessionID)
	case protocol.CaptureStop:
		a.stop(ctrl.SessionID)
	default:
		a.log.Warn("unknown capture action", slog.String("action", ctrl.Action))
	}
}

func (a *Agent) start(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.owner != sessionID {
		a.log.Warn("capture start without microphone grant", slog.String("session_id", sessionID))
		return
	}
	if a.active != nil {
		return
	}

	session, err := a.mic.Start(a.ctx, a.audioCfg)
	if err != nil {
		a.log.Error("failed to open microphone", slogError(err), slog.String("session_id", sessionID))
		a.owner = ""
		a.publishFrame(sessionID, 0, nil, true)
		return
	}
	a.active = session
	a.wg.Add(1)
	go a.stream(sessionID, session)
	a.log.Info("capture started", slog.String("session_id", sessionID))
}

func (a *Agent) stop(sessionID string) {
	a.mu.Lock()
	if a.owner != sessionID {
		a.mu.Unlock()
		return
	}
	active := a.active
	if active == nil {
		// granted but never started
		a.owner = ""
		a.mu.Unlock()
		a.publishFrame(sessionID, 0, nil, true)
		return
	}
	a.mu.Unlock()

	if err := active.Stop(); err != nil {
		a.log.Warn("microphone stopped with error", slogError(err), slog.String("session_id", sessionID))
	}
}

// stream publishes fixed-size frames until the microphone session ends, then
// sends the closing final frame and releases the grant.
func (a *Agent) stream(sessionID string, session audio.Session) {
	defer a.wg.Done()

	buf := make([]byte, audio.FrameBytes(a.audioCfg, a.frame))
	seq := 0
	for {
		n, err := io.ReadFull(session, buf)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				a.log.Debug("microphone read ended", slogError(err))
			}
			a.publishFrame(sessionID, seq, buf[:n], true)
			break
		}
		a.publishFrame(sessionID, seq, buf[:n], false)
		seq++
	}

	a.mu.Lock()
	if a.active == session {
		a.active = nil
		a.owner = ""
	}
	a.mu.Unlock()
	a.log.Info("capture finished", slog.String("session_id", sessionID), slog.Int("frames", seq))
}

func (a *Agent) publishFrame(sessionID string, seq int, pcm []byte, final bool) {
	frame := protocol.AudioFrame{
		SessionID:  sessionID,
		Sequence:   seq,
		SampleRate: a.audioCfg.SampleRate,
		Channels:   a.audioCfg.Channels,
		PCM:        append([]byte(nil), pcm...),
		Final:      final,
	}
	if err := a.bus.PublishJSON(protocol.SubjectAudioFramePrefix+"."+sessionID, frame); err != nil {
		a.log.Warn("failed to publish audio frame", slogError(err))
	}
}
