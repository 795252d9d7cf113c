package llm

import (
	"context"
	"time"

	"github.com/loqalabs/loqa-coach/internal/config"
)

// Request describes a language model prompt.
type Request struct {
	SessionID   string
	Prompt      string
	System      string
	Tier        string
	MaxTokens   int
	Temperature float64
	TraceID     string
	// JSON asks backends that support it to constrain output to a JSON object.
	JSON bool
}

// Chunk represents streamed model output.
type Chunk struct {
	SessionID        string
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
	TraceID          string
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// tierModels maps a request tier to a backend model name.
type tierModels struct {
	fast     string
	balanced string
	fallback string
}

func (m tierModels) pick(tier string) string {
	if tier == "fast" && m.fast != "" {
		return m.fast
	}
	for _, name := range []string{m.balanced, m.fast} {
		if name != "" {
			return name
		}
	}
	return m.fallback
}

// OptionsFromConfig builds defaults from config.
func OptionsFromConfig(cfg config.LLMConfig, reqTier string) Request {
	req := Request{Tier: cfg.DefaultTier, MaxTokens: cfg.MaxTokens, Temperature: cfg.Temperature}
	if reqTier != "" {
		req.Tier = reqTier
	}
	return req
}

// NewGenerator builds the backend selected by cfg.Mode.
func NewGenerator(cfg config.LLMConfig) (Generator, error) {
	switch cfg.Mode {
	case "ollama":
		return NewOllamaGenerator(cfg.Endpoint, cfg.ModelFast, cfg.ModelBalanced), nil
	case "exec":
		return NewExecGenerator(cfg.Command)
	case "gemini":
		return NewGeminiGenerator(cfg.APIKey, cfg.ModelBalanced, cfg.Endpoint), nil
	default:
		return NewMockGenerator(), nil
	}
}

// Collect runs req to completion and returns the concatenated output.
func Collect(ctx context.Context, gen Generator, req Request) (string, error) {
	var out []byte
	err := gen.Generate(ctx, req, func(chunk Chunk) error {
		out = append(out, chunk.Content...)
		return nil
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}
