package stt

import (
	"context"
	"fmt"
)

// mockRecognizer reports how much audio it was given, which is enough to
// exercise the capture pipeline without a speech engine.
type mockRecognizer struct{}

func NewMockRecognizer() Recognizer {
	return mockRecognizer{}
}

func (mockRecognizer) Transcribe(_ context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error) {
	if len(pcm) == 0 {
		return TranscriptResult{}, nil
	}
	seconds := 0.0
	if sampleRate > 0 && channels > 0 {
		seconds = float64(len(pcm)) / float64(2*sampleRate*channels)
	}
	if !final {
		return TranscriptResult{Text: fmt.Sprintf("listening (%.1fs)", seconds)}, nil
	}
	return TranscriptResult{
		Text:       fmt.Sprintf("recorded %.1f seconds of speech", seconds),
		Confidence: 1,
	}, nil
}
