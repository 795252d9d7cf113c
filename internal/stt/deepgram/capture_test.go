package deepgram

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-coach/internal/audio"
	"github.com/loqalabs/loqa-coach/internal/domain"
	"github.com/loqalabs/loqa-coach/internal/stt"
)

type fakeMic struct {
	pcm     []byte
	err     error
	started int
}

func (m *fakeMic) Start(context.Context, audio.Config) (audio.Session, error) {
	if m.err != nil {
		return nil, m.err
	}
	m.started++
	return &fakeSession{r: bytes.NewReader(m.pcm), stop: make(chan struct{})}, nil
}

// fakeSession yields its PCM, then blocks like a live microphone until Stop.
type fakeSession struct {
	r    io.Reader
	stop chan struct{}
	once sync.Once
}

func (s *fakeSession) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if errors.Is(err, io.EOF) {
		<-s.stop
	}
	return n, err
}

func (s *fakeSession) Stop() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBuildListenURL(t *testing.T) {
	url, err := buildListenURL(Config{BaseURL: "https://api.deepgram.com/v1", Model: "nova-2", SmartFormat: true}, "en-US")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"wss://api.deepgram.com/v1/listen", "encoding=linear16", "sample_rate=16000", "channels=1", "interim_results=true", "smart_format=true", "language=en-US"} {
		if !strings.Contains(url, want) {
			t.Fatalf("expected %q in %s", want, url)
		}
	}

	url, err = buildListenURL(Config{BaseURL: "http://localhost:8080/v1/", Model: "m"}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(url, "ws://localhost:8080/v1/listen") || strings.Contains(url, "language=") {
		t.Fatalf("unexpected url %s", url)
	}
}

func TestSupportedRequiresAPIKey(t *testing.T) {
	c := New(Config{}, &fakeMic{}, discardLogger())
	if c.Supported(context.Background()) {
		t.Fatal("expected capture without api key to be unsupported")
	}
	c = New(Config{APIKey: "key"}, audio.NewFFmpeg("ffmpeg-does-not-exist-here"), discardLogger())
	if c.Supported(context.Background()) {
		t.Fatal("expected capture without ffmpeg to be unsupported")
	}
}

func TestAcquireMicrophoneDenied(t *testing.T) {
	c := New(Config{APIKey: "key"}, &fakeMic{err: errors.New("device busy")}, discardLogger())
	err := c.AcquireMicrophone(context.Background(), stt.Options{})
	if !errors.Is(err, stt.ErrMicrophoneDenied) {
		t.Fatalf("expected ErrMicrophoneDenied, got %v", err)
	}
}

func TestListenStreamsFragments(t *testing.T) {
	var received int
	var mu sync.Mutex
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"a goroutine"}]}}`))
		for {
			kind, payload, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind == websocket.BinaryMessage {
				mu.Lock()
				received += len(payload)
				mu.Unlock()
				continue
			}
			if strings.Contains(string(payload), "CloseStream") {
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"A goroutine is a lightweight thread."}]}}`))
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
		}
	}))
	defer srv.Close()

	mic := &fakeMic{pcm: make([]byte, 3200)}
	c := New(Config{APIKey: "key", BaseURL: srv.URL, DrainTimeout: 2 * time.Second}, mic, discardLogger())
	ctx := context.Background()
	opts := stt.Options{SessionID: "s1", Locale: "en-US", Continuous: true}
	if err := c.AcquireMicrophone(ctx, opts); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	stream, err := c.Listen(ctx, opts)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if mic.started != 1 {
		t.Fatalf("expected microphone opened once, got %d", mic.started)
	}

	first := <-stream.Fragments()
	if first.Final || first.Text != "a goroutine" {
		t.Fatalf("unexpected first fragment %+v", first)
	}
	if err := stream.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}

	var rest []domain.Fragment
	for f := range stream.Fragments() {
		rest = append(rest, f)
	}
	if len(rest) != 1 || !rest[0].Final || rest[0].Text != "A goroutine is a lightweight thread." {
		t.Fatalf("unexpected trailing fragments %+v", rest)
	}
	mu.Lock()
	defer mu.Unlock()
	if received != 3200 {
		t.Fatalf("expected 3200 audio bytes at server, got %d", received)
	}
}
