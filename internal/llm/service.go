package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-coach/internal/bus"
	"github.com/loqalabs/loqa-coach/internal/config"
	"github.com/loqalabs/loqa-coach/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	requestTimeout = 60 * time.Second
	queueGroup     = "llm-workers"
)

// Service serves generation requests arriving on the bus. Requests sent with a
// reply subject get a single collected response; the rest are streamed to the
// response subjects. At most cfg.Concurrency generations run at once.
type Service struct {
	cfg       config.LLMConfig
	bus       *bus.Client
	generator Generator
	sub       *nats.Subscription
	slots     chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	ready     bool
	logger    *slog.Logger

	requests metric.Int64Counter
	tokens   metric.Int64Histogram
}

func NewService(parent context.Context, cfg config.LLMConfig, busClient *bus.Client, generator Generator, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	workers := cfg.Concurrency
	if workers <= 0 {
		workers = 1
	}
	s := &Service{
		cfg:       cfg,
		bus:       busClient,
		generator: generator,
		slots:     make(chan struct{}, workers),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger.With(slog.String("component", "llm-service")),
	}
	meter := otel.Meter("github.com/loqalabs/loqa-coach/llm")
	var err error
	if s.requests, err = meter.Int64Counter("coach.llm.requests", metric.WithDescription("Generation requests served over the bus")); err != nil {
		s.logger.Warn("failed to create request counter", slogError(err))
	}
	if s.tokens, err = meter.Int64Histogram("coach.llm.completion_tokens", metric.WithDescription("Completion tokens per request")); err != nil {
		s.logger.Warn("failed to create token histogram", slogError(err))
	}
	return s
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().QueueSubscribe(protocol.SubjectLLMRequest, queueGroup, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe LLM requests: %w", err)
	}
	s.sub = sub
	s.ready = true
	s.logger.Info("llm service ready", slog.String("mode", s.cfg.Mode), slog.Int("concurrency", cap(s.slots)))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.ready
}

// request fills unset fields of req from the service defaults.
func (s *Service) request(req protocol.LLMRequest) Request {
	out := OptionsFromConfig(s.cfg, req.Tier)
	out.SessionID = req.SessionID
	out.Prompt = req.Prompt
	out.System = req.System
	out.TraceID = req.TraceID
	out.JSON = req.JSON
	if req.MaxTokens > 0 {
		out.MaxTokens = req.MaxTokens
	}
	if req.Temperature != 0 {
		out.Temperature = req.Temperature
	}
	return out
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.LLMRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode llm request", slogError(err))
		_ = bus.RespondJSON(msg, protocol.LLMResponse{Error: "invalid request", Timestamp: time.Now().UTC()})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case s.slots <- struct{}{}:
			defer func() { <-s.slots }()
		case <-s.ctx.Done():
			return
		}
		ctx, cancel := context.WithTimeout(s.ctx, requestTimeout)
		defer cancel()

		opts := s.request(req)
		start := time.Now()
		var (
			resp protocol.LLMResponse
			err  error
		)
		if msg.Reply != "" {
			resp, err = s.collect(ctx, opts)
			if sendErr := bus.RespondJSON(msg, resp); sendErr != nil {
				s.logger.Warn("failed to send llm reply", slogError(sendErr))
			}
		} else {
			err = s.generator.Generate(ctx, opts, s.publishChunk)
		}
		s.record(ctx, err, resp.CompletionTokens)
		if err != nil {
			s.logger.Warn("llm generation failed", slogError(err), slog.String("session_id", req.SessionID))
			return
		}
		s.logger.Debug("llm generation complete",
			slog.String("session_id", req.SessionID),
			slog.Duration("latency", time.Since(start)))
	}()
}

// collect runs a generation to completion for a request-reply caller. Failures
// are reported in the response's Error field.
func (s *Service) collect(ctx context.Context, opts Request) (protocol.LLMResponse, error) {
	start := time.Now()
	resp := protocol.LLMResponse{SessionID: opts.SessionID, TraceID: opts.TraceID}
	var content []byte
	err := s.generator.Generate(ctx, opts, func(chunk Chunk) error {
		content = append(content, chunk.Content...)
		resp.PromptTokens = max(resp.PromptTokens, chunk.PromptTokens)
		resp.CompletionTokens = max(resp.CompletionTokens, chunk.CompletionTokens)
		return nil
	})
	if err != nil {
		resp.Error = err.Error()
	}
	resp.Content = string(content)
	resp.LatencyMS = time.Since(start).Milliseconds()
	resp.Timestamp = time.Now().UTC()
	return resp, err
}

func (s *Service) publishChunk(chunk Chunk) error {
	if chunk.Content == "" && chunk.Partial {
		return nil
	}
	subject := protocol.SubjectLLMResponseFinal
	if chunk.Partial {
		subject = protocol.SubjectLLMResponsePartial
	}
	err := s.bus.PublishJSON(subject, protocol.LLMResponse{
		SessionID:        chunk.SessionID,
		Content:          chunk.Content,
		Partial:          chunk.Partial,
		TraceID:          chunk.TraceID,
		PromptTokens:     chunk.PromptTokens,
		CompletionTokens: chunk.CompletionTokens,
		LatencyMS:        chunk.Latency.Milliseconds(),
		Timestamp:        time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("publish llm chunk: %w", err)
	}
	return nil
}

func (s *Service) record(ctx context.Context, err error, completionTokens int) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	if s.requests != nil {
		s.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome), attribute.String("mode", s.cfg.Mode)))
	}
	if s.tokens != nil && completionTokens > 0 {
		s.tokens.Record(ctx, int64(completionTokens))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
