package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const mockDelay = 20 * time.Millisecond

type mockGenerator struct{}

// NewMockGenerator returns a backend that answers every prompt with a fenced
// JSON verdict whose rating is derived from the prompt's word count. The
// verdict arrives in two chunks so streaming consumers see a partial.
func NewMockGenerator() Generator { return mockGenerator{} }

func (mockGenerator) Generate(ctx context.Context, req Request, consumer func(Chunk) error) error {
	words := len(strings.Fields(req.Prompt))
	verdict := fmt.Sprintf("```json\n{\"ratings\": %d, \"feedback\": \"Mock review of a %d word prompt.\"}\n```", 1+words%10, words)
	head, tail := verdict[:len(verdict)/2], verdict[len(verdict)/2:]

	start := time.Now()
	for i, part := range []string{head, tail} {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(mockDelay / 2):
		}
		err := consumer(Chunk{
			SessionID:        req.SessionID,
			Content:          part,
			Partial:          i == 0,
			CompletionTokens: words,
			Latency:          time.Since(start),
			TraceID:          req.TraceID,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
