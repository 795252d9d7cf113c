package audio

import (
	"context"
	"testing"
	"time"
)

func TestFrameBytes(t *testing.T) {
	cases := []struct {
		cfg   Config
		frame time.Duration
		want  int
	}{
		{Config{SampleRate: 16000, Channels: 1}, 20 * time.Millisecond, 640},
		{Config{SampleRate: 48000, Channels: 2}, 10 * time.Millisecond, 1920},
		{Config{}, 20 * time.Millisecond, 640},
		{Config{SampleRate: 16000, Channels: 1}, 0, 2},
	}
	for _, tc := range cases {
		if got := FrameBytes(tc.cfg, tc.frame); got != tc.want {
			t.Fatalf("FrameBytes(%+v, %v) = %d, want %d", tc.cfg, tc.frame, got, tc.want)
		}
	}
}

func TestFFmpegMissingBinary(t *testing.T) {
	c := NewFFmpeg("ffmpeg-does-not-exist-here")
	if c.Available() {
		t.Fatal("expected missing binary to be unavailable")
	}
	if _, err := c.Start(context.Background(), Config{}); err == nil {
		t.Fatal("expected start to fail")
	}
}
