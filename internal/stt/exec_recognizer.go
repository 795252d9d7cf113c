package stt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-coach/internal/config"
	"github.com/mattn/go-shellwords"
)

// Placeholders substituted into stt.command. Without {audio} the WAV path is
// appended as --audio <path>.
const (
	placeholderAudio    = "{audio}"
	placeholderModel    = "{model}"
	placeholderLanguage = "{language}"
)

// execRecognizer stages the buffered PCM as a WAV file and runs a local
// speech engine on it, one invocation at a time.
type execRecognizer struct {
	args []string
	cfg  config.STTConfig
	mu   sync.Mutex
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func NewExecRecognizer(cfg config.STTConfig) (Recognizer, error) {
	args, err := shellwords.NewParser().Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse stt command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("stt command is empty")
	}
	return &execRecognizer{args: args, cfg: cfg}, nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int, final bool) (TranscriptResult, error) {
	if len(pcm) == 0 {
		return TranscriptResult{}, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := os.CreateTemp("", "coach_stt_*.wav")
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := writeWAV(file, pcm, sampleRate, channels); err != nil {
		return TranscriptResult{}, err
	}

	argv := r.argv(file.Name(), final)
	command := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return TranscriptResult{}, fmt.Errorf("stt command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return parseExecOutput(stdout.Bytes())
}

func (r *execRecognizer) argv(audioPath string, final bool) []string {
	replacer := strings.NewReplacer(
		placeholderAudio, audioPath,
		placeholderModel, r.cfg.ModelPath,
		placeholderLanguage, r.cfg.Language,
	)
	templated := false
	out := make([]string, 0, len(r.args)+6)
	for _, arg := range r.args {
		if strings.Contains(arg, placeholderAudio) {
			templated = true
		}
		out = append(out, replacer.Replace(arg))
	}
	if templated {
		return out
	}
	out = append(out, "--audio", audioPath)
	if r.cfg.ModelPath != "" {
		out = append(out, "--model", r.cfg.ModelPath)
	}
	if r.cfg.Language != "" {
		out = append(out, "--language", r.cfg.Language)
	}
	if !final {
		out = append(out, "--partial")
	}
	return out
}

// parseExecOutput accepts either a JSON object with text and confidence or
// the bare transcript on stdout.
func parseExecOutput(out []byte) (TranscriptResult, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return TranscriptResult{}, nil
	}
	if trimmed[0] != '{' {
		return TranscriptResult{Text: strings.Join(strings.Fields(string(trimmed)), " ")}, nil
	}
	var resp execResult
	if err := json.Unmarshal(trimmed, &resp); err != nil {
		return TranscriptResult{}, fmt.Errorf("decode stt response: %w", err)
	}
	return TranscriptResult{Text: strings.TrimSpace(resp.Text), Confidence: resp.Confidence}, nil
}

func writeWAV(file *os.File, pcm []byte, sampleRate int, channels int) error {
	if len(pcm)%2 != 0 {
		return errors.New("pcm payload not aligned to 16-bit samples")
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer := &audio.IntBuffer{
		Format: &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:   samples,
	}
	enc := wav.NewEncoder(file, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}
