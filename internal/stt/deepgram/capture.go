// Package deepgram implements speech capture backed by Deepgram's streaming
// websocket API and a local microphone.
package deepgram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-coach/internal/audio"
	"github.com/loqalabs/loqa-coach/internal/config"
	"github.com/loqalabs/loqa-coach/internal/stt"
)

const defaultBaseURL = "https://api.deepgram.com/v1"

type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	SmartFormat bool
	Audio       audio.Config
	Frame       time.Duration
	// DrainTimeout bounds how long Stop waits for trailing results.
	DrainTimeout time.Duration
}

// ConfigFromSTT maps the stt section onto a Deepgram capture config.
func ConfigFromSTT(cfg config.STTConfig) Config {
	return Config{
		APIKey:      cfg.Deepgram.APIKey,
		BaseURL:     cfg.Deepgram.BaseURL,
		Model:       cfg.Deepgram.Model,
		SmartFormat: cfg.Deepgram.SmartFormat,
		Audio: audio.Config{
			SampleRate:  cfg.SampleRate,
			Channels:    cfg.Channels,
			InputFormat: cfg.FFmpeg.InputFormat,
			InputDevice: cfg.FFmpeg.InputDevice,
		},
		Frame: time.Duration(cfg.FrameDurationMS) * time.Millisecond,
	}
}

type availability interface {
	Available() bool
}

// Capture is a per-session stt.Capture. AcquireMicrophone opens the
// microphone and Listen streams it to Deepgram.
type Capture struct {
	cfg    Config
	mic    audio.Capture
	dialer *websocket.Dialer
	log    *slog.Logger

	mu      sync.Mutex
	session audio.Session
}

func New(cfg Config, mic audio.Capture, log *slog.Logger) *Capture {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = "nova-2"
	}
	if cfg.Frame <= 0 {
		cfg.Frame = 20 * time.Millisecond
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 5 * time.Second
	}
	return &Capture{
		cfg:    cfg,
		mic:    mic,
		dialer: websocket.DefaultDialer,
		log:    log.With(slog.String("component", "deepgram-capture")),
	}
}

func (c *Capture) Supported(context.Context) bool {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return false
	}
	if a, ok := c.mic.(availability); ok {
		return a.Available()
	}
	return true
}

func (c *Capture) AcquireMicrophone(ctx context.Context, _ stt.Options) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return nil
	}
	session, err := c.mic.Start(ctx, c.cfg.Audio)
	if err != nil {
		return fmt.Errorf("%w: %w", stt.ErrMicrophoneDenied, err)
	}
	c.session = session
	return nil
}

func (c *Capture) Listen(ctx context.Context, opts stt.Options) (stt.Stream, error) {
	if err := c.AcquireMicrophone(ctx, opts); err != nil {
		return nil, err
	}
	c.mu.Lock()
	mic := c.session
	c.session = nil
	c.mu.Unlock()

	wsURL, err := buildListenURL(c.cfg, opts.Locale)
	if err != nil {
		_ = mic.Stop()
		return nil, err
	}
	headers := http.Header{}
	headers.Set("Authorization", "Token "+c.cfg.APIKey)

	conn, _, err := c.dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		_ = mic.Stop()
		return nil, fmt.Errorf("connect to deepgram: %w", err)
	}

	s := newStream(conn, mic, !opts.Continuous, c.cfg.DrainTimeout, c.log)
	go s.pump(audio.FrameBytes(c.cfg.Audio, c.cfg.Frame))
	return s, nil
}

func buildListenURL(cfg Config, locale string) (string, error) {
	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		base = defaultBaseURL
	}
	if strings.HasPrefix(base, "https://") {
		base = "wss://" + strings.TrimPrefix(base, "https://")
	} else if strings.HasPrefix(base, "http://") {
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	base = strings.TrimRight(base, "/")

	listenURL, err := url.Parse(base + "/listen")
	if err != nil {
		return "", fmt.Errorf("invalid deepgram base url: %w", err)
	}
	rate, channels := cfg.Audio.SampleRate, cfg.Audio.Channels
	if rate <= 0 {
		rate = 16000
	}
	if channels <= 0 {
		channels = 1
	}
	query := listenURL.Query()
	query.Set("model", cfg.Model)
	query.Set("encoding", "linear16")
	query.Set("sample_rate", fmt.Sprintf("%d", rate))
	query.Set("channels", fmt.Sprintf("%d", channels))
	query.Set("interim_results", "true")
	query.Set("smart_format", fmt.Sprintf("%t", cfg.SmartFormat))
	if locale != "" {
		query.Set("language", locale)
	}
	listenURL.RawQuery = query.Encode()
	return listenURL.String(), nil
}

func isNormalClose(err error) bool {
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
	)
}
