package llm

import (
	"context"
	"errors"

	"github.com/loqalabs/loqa-coach/internal/bus"
	"github.com/loqalabs/loqa-coach/internal/protocol"
)

// LocalText sends prompts straight to an in-process generator.
type LocalText struct {
	Generator Generator
	Defaults  Request
}

// Send returns the complete model output for prompt.
func (t LocalText) Send(ctx context.Context, prompt string) (string, error) {
	req := t.Defaults
	req.Prompt = prompt
	req.JSON = true
	return Collect(ctx, t.Generator, req)
}

// BusText sends prompts to whichever llm service answers on the bus.
type BusText struct {
	Bus  *bus.Client
	Tier string
}

// Send issues a single request/reply exchange; ctx bounds the wait.
func (t BusText) Send(ctx context.Context, prompt string) (string, error) {
	var resp protocol.LLMResponse
	req := protocol.LLMRequest{Prompt: prompt, Tier: t.Tier, JSON: true}
	if err := t.Bus.RequestJSON(ctx, protocol.SubjectLLMRequest, req, &resp); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", errors.New(resp.Error)
	}
	return resp.Content, nil
}
