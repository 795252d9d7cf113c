package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-coach/internal/answers"
	"github.com/loqalabs/loqa-coach/internal/audio"
	"github.com/loqalabs/loqa-coach/internal/bus"
	"github.com/loqalabs/loqa-coach/internal/capability"
	"github.com/loqalabs/loqa-coach/internal/config"
	"github.com/loqalabs/loqa-coach/internal/docstore"
	"github.com/loqalabs/loqa-coach/internal/docstore/firestore"
	"github.com/loqalabs/loqa-coach/internal/events"
	"github.com/loqalabs/loqa-coach/internal/eventstore"
	"github.com/loqalabs/loqa-coach/internal/grading"
	"github.com/loqalabs/loqa-coach/internal/httpapi"
	"github.com/loqalabs/loqa-coach/internal/identity"
	"github.com/loqalabs/loqa-coach/internal/llm"
	"github.com/loqalabs/loqa-coach/internal/natsserver"
	"github.com/loqalabs/loqa-coach/internal/protocol"
	"github.com/loqalabs/loqa-coach/internal/questions"
	"github.com/loqalabs/loqa-coach/internal/session"
	"github.com/loqalabs/loqa-coach/internal/stt"
	"github.com/loqalabs/loqa-coach/internal/stt/deepgram"
)

const prunerInterval = time.Hour

// services holds every long-lived component. Fields are torn down in the
// reverse order of construction by close.
type services struct {
	cfg      config.Config
	log      *slog.Logger
	embedded *natsserver.EmbeddedServer
	bus      *bus.Client
	registry *capability.Registry
	llm      *llm.Service
	stt      *stt.Service
	agent    *stt.Agent
	docs     docstore.Store
	events   *eventstore.Store
	bank     *questions.Bank
	manager  *session.Manager
	api      *httpapi.API
}

func build(ctx context.Context, cfg config.Config, log *slog.Logger) (_ *services, err error) {
	s := &services{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			s.close()
		}
	}()

	if err := s.startBus(ctx); err != nil {
		return nil, err
	}

	generator, err := llm.NewGenerator(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("build llm generator: %w", err)
	}
	s.llm = llm.NewService(ctx, cfg.LLM, s.bus, generator, log)
	if err := s.llm.Start(); err != nil {
		return nil, err
	}

	recognizer, err := stt.NewRecognizer(cfg.STT)
	if err != nil {
		return nil, fmt.Errorf("build recognizer: %w", err)
	}
	s.stt = stt.NewService(ctx, cfg.STT, s.bus, recognizer, log)
	if err := s.stt.Start(); err != nil {
		return nil, err
	}
	if err := s.startAgent(ctx); err != nil {
		return nil, err
	}
	s.advertise()

	if s.docs, err = openDocs(ctx, cfg.Store, log); err != nil {
		return nil, err
	}
	gate := answers.NewGate(s.docs, cfg.Store.Collection, ms(cfg.Store.TimeoutMS), log)

	if s.events, err = eventstore.Open(ctx, cfg.EventStore, log); err != nil {
		return nil, fmt.Errorf("open event store: %w", err)
	}

	s.bank = questions.NewBank(cfg.Questions.Directory, log)
	if err := s.bank.LoadAll(); err != nil {
		return nil, fmt.Errorf("load interviews: %w", err)
	}

	var eventBus *bus.Client
	if cfg.Session.PublishEvents {
		eventBus = s.bus
	}
	publisher := events.NewPublisher(eventBus, cfg.Node.ID, log)
	users := identity.Context{Default: cfg.Identity.DefaultUser}
	capture := s.captureFactory(log)

	s.manager = session.NewManager(ctx, session.ManagerConfig{
		Capture:     capture,
		Grader:      grading.NewClient(s.textService(generator), ms(cfg.Grading.TimeoutMS), log),
		Saver:       gate,
		Users:       users,
		Observers:   []session.Observer{publisher, eventstore.NewRecorder(s.events, log)},
		Locale:      cfg.STT.Language,
		Continuous:  cfg.STT.Continuous,
		MaxActive:   cfg.Session.MaxActive,
		IdleTimeout: ms(cfg.Session.IdleTimeoutMS),
	}, s.bank, log)

	s.api = httpapi.New(httpapi.Config{
		Sessions:    s.manager,
		Interviews:  s.bank,
		Feedback:    gate,
		Answers:     gate,
		Timeline:    s.events,
		Events:      publisher,
		Users:       users,
		UserHeader:  cfg.Identity.Header,
		WaitTimeout: ms(cfg.Grading.TimeoutMS) + ms(cfg.Store.TimeoutMS),
	}, log)
	return s, nil
}

func (s *services) startBus(ctx context.Context) error {
	busCfg := s.cfg.Bus
	embedded, err := natsserver.Start(busCfg, s.log)
	if err != nil {
		return fmt.Errorf("start embedded nats: %w", err)
	}
	s.embedded = embedded
	if url := embedded.ClientURL(); url != "" {
		busCfg.Servers = []string{url}
	}

	if s.bus, err = bus.Connect(ctx, s.cfg.RuntimeName, busCfg, s.log); err != nil {
		return err
	}
	if s.registry, err = capability.NewRegistry(ctx, s.cfg.Node, s.bus, s.log); err != nil {
		return fmt.Errorf("start capability registry: %w", err)
	}
	return nil
}

// startAgent offers this node's microphone to the bus when a local ffmpeg is
// present.
func (s *services) startAgent(ctx context.Context) error {
	if !s.cfg.STT.Enabled {
		return nil
	}
	mic := audio.NewFFmpeg(s.cfg.STT.FFmpeg.Command)
	if !mic.Available() {
		s.log.Info("ffmpeg not found, capture agent disabled", slog.String("command", s.cfg.STT.FFmpeg.Command))
		return nil
	}
	s.agent = stt.NewAgent(ctx, s.cfg.STT, s.bus, mic, s.log)
	return s.agent.Start()
}

func (s *services) advertise() {
	var caps []capability.Capability
	if s.cfg.STT.Enabled {
		caps = append(caps, capability.Capability{
			Name:       protocol.CapabilitySTT,
			Attributes: map[string]string{"mode": s.cfg.STT.Mode, "language": s.cfg.STT.Language},
		})
	}
	if s.agent != nil {
		caps = append(caps, capability.Capability{
			Name:       protocol.CapabilitySpeechCapture,
			Attributes: map[string]string{"input_format": s.cfg.STT.FFmpeg.InputFormat},
		})
	}
	if s.cfg.LLM.Enabled {
		caps = append(caps, capability.Capability{
			Name:       protocol.CapabilityLLM,
			Tier:       s.cfg.LLM.DefaultTier,
			Attributes: map[string]string{"mode": s.cfg.LLM.Mode},
		})
	}
	if len(caps) == 0 {
		return
	}
	if err := s.registry.Advertise(caps...); err != nil {
		s.log.Warn("failed to advertise capabilities", slog.String("error", err.Error()))
	}
}

func (s *services) captureFactory(log *slog.Logger) session.CaptureFactory {
	switch s.cfg.STT.Capture {
	case "bus":
		drain := ms(s.cfg.STT.MicTimeoutMS)
		shared := stt.NewBusCapture(s.bus, s.registry, ms(s.cfg.STT.MicTimeoutMS), drain, log)
		return func(string) stt.Capture { return shared }
	case "deepgram":
		shared := deepgram.New(deepgram.ConfigFromSTT(s.cfg.STT), audio.NewFFmpeg(s.cfg.STT.FFmpeg.Command), log)
		return func(string) stt.Capture { return shared }
	default:
		lines := s.cfg.STT.Script
		interval := ms(s.cfg.STT.PartialEveryMS)
		return func(string) stt.Capture {
			return &stt.ScriptedCapture{Lines: lines, Interval: interval}
		}
	}
}

func (s *services) textService(generator llm.Generator) grading.TextService {
	if s.cfg.Grading.Transport == "bus" {
		return llm.BusText{Bus: s.bus, Tier: s.cfg.Grading.Tier}
	}
	return llm.LocalText{Generator: generator, Defaults: llm.OptionsFromConfig(s.cfg.LLM, s.cfg.Grading.Tier)}
}

func openDocs(ctx context.Context, cfg config.StoreConfig, log *slog.Logger) (docstore.Store, error) {
	switch cfg.Backend {
	case "firestore":
		store, err := firestore.Open(ctx, cfg.ProjectID, cfg.CredentialsFile, log)
		if err != nil {
			return nil, fmt.Errorf("open firestore: %w", err)
		}
		return store, nil
	default:
		store, err := docstore.OpenSQLite(ctx, cfg.Path, log)
		if err != nil {
			return nil, fmt.Errorf("open answer store: %w", err)
		}
		return store, nil
	}
}

// run starts the background loops; each exits when ctx is done.
func (s *services) run(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.manager.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		s.events.RunPruner(ctx, prunerInterval)
	}()
	if s.cfg.Questions.Watch {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.bank.Watch(ctx); err != nil {
				s.log.Warn("interview watch stopped", slog.String("error", err.Error()))
			}
		}()
	}
}

// status reports per-component health for /readyz.
func (s *services) status() map[string]bool {
	if s == nil || s.bus == nil {
		return map[string]bool{"bus": false}
	}
	return map[string]bool{
		"bus":      s.bus.Healthy(),
		"registry": s.registry.Healthy(),
		"llm":      s.llm.Healthy(),
		"stt":      s.stt.Healthy(),
	}
}

func (s *services) close() {
	if s.manager != nil {
		s.manager.Shutdown()
	}
	if s.events != nil {
		if err := s.events.Close(); err != nil {
			s.log.Warn("close event store", slog.String("error", err.Error()))
		}
	}
	if s.docs != nil {
		if err := s.docs.Close(); err != nil {
			s.log.Warn("close answer store", slog.String("error", err.Error()))
		}
	}
	if s.agent != nil {
		s.agent.Close()
	}
	if s.stt != nil {
		s.stt.Close()
	}
	if s.llm != nil {
		s.llm.Close()
	}
	if s.registry != nil {
		s.registry.Close()
	}
	if s.bus != nil {
		s.bus.Close()
	}
	s.embedded.Shutdown()
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
