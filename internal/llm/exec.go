package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"
)

// execGenerator runs a local command per prompt. The request is written to
// its stdin as JSON; stdout is either an execResponse object or plain text.
type execGenerator struct {
	argv []string
	mu   sync.Mutex
}

type execRequest struct {
	Prompt      string  `json:"prompt"`
	System      string  `json:"system,omitempty"`
	Tier        string  `json:"tier,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	Temperature float64 `json:"temperature"`
	JSON        bool    `json:"json"`
}

type execResponse struct {
	Content          string `json:"content"`
	PromptTokens     int    `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
	Error            string `json:"error,omitempty"`
}

func NewExecGenerator(command string) (Generator, error) {
	argv, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse llm command: %w", err)
	}
	if len(argv) == 0 {
		return nil, errors.New("llm command is empty")
	}
	return &execGenerator{argv: argv}, nil
}

func (g *execGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	input, err := json.Marshal(execRequest{
		Prompt:      req.Prompt,
		System:      req.System,
		Tier:        req.Tier,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		JSON:        req.JSON,
	})
	if err != nil {
		return fmt.Errorf("marshal llm exec request: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	cmd := exec.CommandContext(ctx, g.argv[0], g.argv[1:]...)
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	start := time.Now()
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("llm exec command failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	resp, err := parseExecResponse(stdout.Bytes())
	if err != nil {
		return err
	}
	return consumer(Chunk{
		SessionID:        req.SessionID,
		Content:          resp.Content,
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
		Latency:          time.Since(start),
		TraceID:          req.TraceID,
	})
}

// parseExecResponse treats output that is not an execResponse object as the
// completion itself. A model asked for JSON prints its own object, so an
// object without content is passed through verbatim.
func parseExecResponse(out []byte) (execResponse, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 {
		return execResponse{}, errors.New("llm exec command produced no output")
	}
	var resp execResponse
	if trimmed[0] != '{' || json.Unmarshal(trimmed, &resp) != nil {
		return execResponse{Content: string(trimmed)}, nil
	}
	if resp.Error != "" {
		return execResponse{}, fmt.Errorf("llm exec command: %s", resp.Error)
	}
	if resp.Content == "" {
		return execResponse{Content: string(trimmed)}, nil
	}
	return resp, nil
}
