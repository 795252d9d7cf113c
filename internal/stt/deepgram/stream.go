package deepgram

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-coach/internal/audio"
	"github.com/loqalabs/loqa-coach/internal/domain"
)

type stream struct {
	conn         *websocket.Conn
	mic          audio.Session
	singleShot   bool
	drainTimeout time.Duration
	log          *slog.Logger

	out   chan domain.Fragment
	audio chan []byte
	done  chan struct{}
	wg    sync.WaitGroup

	errMu sync.Mutex
	err   error

	micOnce   sync.Once
	closeOnce sync.Once
}

func newStream(conn *websocket.Conn, mic audio.Session, singleShot bool, drain time.Duration, log *slog.Logger) *stream {
	s := &stream{
		conn:         conn,
		mic:          mic,
		singleShot:   singleShot,
		drainTimeout: drain,
		log:          log,
		out:          make(chan domain.Fragment, 64),
		audio:        make(chan []byte, 32),
		done:         make(chan struct{}),
	}
	s.wg.Add(2)
	go s.readLoop()
	go s.writeLoop()
	go func() {
		s.wg.Wait()
		close(s.out)
		close(s.done)
		_ = conn.Close()
	}()
	return s
}

func (s *stream) Fragments() <-chan domain.Fragment { return s.out }

// Stop closes the microphone, which ends the audio stream and asks Deepgram
// to flush. Trailing results are delivered until the server closes or the
// drain timeout elapses.
func (s *stream) Stop() error {
	s.stopMic()
	select {
	case <-s.done:
	case <-time.After(s.drainTimeout):
		s.log.Warn("deepgram did not close in time")
		s.closeOnce.Do(func() { _ = s.conn.Close() })
		<-s.done
	}
	return s.waitErr()
}

func (s *stream) stopMic() {
	s.micOnce.Do(func() {
		if err := s.mic.Stop(); err != nil {
			s.log.Warn("microphone stopped with error", slog.String("error", err.Error()))
		}
	})
}

// pump copies microphone frames into the websocket writer until the
// microphone ends.
func (s *stream) pump(frameBytes int) {
	defer close(s.audio)
	for {
		buf := make([]byte, frameBytes)
		n, err := io.ReadFull(s.mic, buf)
		if n > 0 {
			select {
			case s.audio <- buf[:n]:
			case <-s.done:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *stream) writeLoop() {
	defer s.wg.Done()
	for chunk := range s.audio {
		if err := s.conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			s.setErr(fmt.Errorf("send audio: %w", err))
			return
		}
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`)); err != nil {
		s.setErr(fmt.Errorf("close stream: %w", err))
	}
}

func (s *stream) readLoop() {
	defer s.wg.Done()
	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			s.setErr(fmt.Errorf("read deepgram event: %w", err))
			s.stopMic()
			return
		}

		var resp response
		if err := json.Unmarshal(payload, &resp); err != nil {
			continue
		}
		if strings.EqualFold(resp.Type, "Error") {
			message := strings.TrimSpace(resp.Message)
			if message == "" {
				message = "deepgram returned an unknown error"
			}
			s.setErr(errors.New(message))
			s.stopMic()
			return
		}

		text := resp.transcript()
		if text != "" {
			s.out <- domain.Fragment{Text: text, Final: resp.IsFinal || resp.SpeechFinal}
		}
		if resp.SpeechFinal && s.singleShot {
			s.stopMic()
		}
	}
}

func (s *stream) waitErr() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *stream) setErr(err error) {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && isNormalClose(closeErr) {
		return
	}
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

type response struct {
	Type        string `json:"type"`
	Message     string `json:"message"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`

	Channel struct {
		Alternatives []struct {
			Transcript string `json:"transcript"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (r response) transcript() string {
	if len(r.Channel.Alternatives) == 0 {
		return ""
	}
	return strings.TrimSpace(r.Channel.Alternatives[0].Transcript)
}
