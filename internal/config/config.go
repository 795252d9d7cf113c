package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	Traces         string `yaml:"traces"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Store       StoreConfig      `yaml:"store"`
	STT         STTConfig        `yaml:"stt"`
	LLM         LLMConfig        `yaml:"llm"`
	Grading     GradingConfig    `yaml:"grading"`
	Session     SessionConfig    `yaml:"session"`
	Questions   QuestionsConfig  `yaml:"questions"`
	Identity    IdentityConfig   `yaml:"identity"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Host           string   `yaml:"host"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type NodeConfig struct {
	ID                string           `yaml:"id"`
	Role              string           `yaml:"role"`
	HeartbeatInterval int              `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int              `yaml:"heartbeat_timeout_ms"`
	Capabilities      []NodeCapability `yaml:"capabilities"`
}

type NodeCapability struct {
	Name       string            `yaml:"name"`
	Tier       string            `yaml:"tier"`
	Attributes map[string]string `yaml:"attributes"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// StoreConfig selects the document store holding graded answers.
type StoreConfig struct {
	Backend         string `yaml:"backend"` // sqlite, firestore
	Path            string `yaml:"path"`
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"`
	Collection      string `yaml:"collection"`
	TimeoutMS       int    `yaml:"timeout_ms"`
}

type STTConfig struct {
	Enabled         bool           `yaml:"enabled"`
	Mode            string         `yaml:"mode"`
	Command         string         `yaml:"command"`
	ModelPath       string         `yaml:"model_path"`
	Language        string         `yaml:"language"`
	SampleRate      int            `yaml:"sample_rate"`
	Channels        int            `yaml:"channels"`
	FrameDurationMS int            `yaml:"frame_duration_ms"`
	PartialEveryMS  int            `yaml:"partial_every_ms"`
	PublishInterim  bool           `yaml:"publish_interim"`
	Capture         string         `yaml:"capture"` // scripted, bus, deepgram
	Continuous      bool           `yaml:"continuous"`
	MicTimeoutMS    int            `yaml:"mic_timeout_ms"`
	Script          []string       `yaml:"script"`
	Deepgram        DeepgramConfig `yaml:"deepgram"`
	FFmpeg          FFmpegConfig   `yaml:"ffmpeg"`
}

type DeepgramConfig struct {
	APIKey      string `yaml:"api_key"`
	BaseURL     string `yaml:"base_url"`
	Model       string `yaml:"model"`
	SmartFormat bool   `yaml:"smart_format"`
}

type FFmpegConfig struct {
	Command     string `yaml:"command"`
	InputFormat string `yaml:"input_format"`
	InputDevice string `yaml:"input_device"`
}

type LLMConfig struct {
	Enabled       bool    `yaml:"enabled"`
	Mode          string  `yaml:"mode"` // mock, ollama, exec, gemini
	Endpoint      string  `yaml:"endpoint"`
	Command       string  `yaml:"command"`
	APIKey        string  `yaml:"api_key"`
	ModelFast     string  `yaml:"model_fast"`
	ModelBalanced string  `yaml:"model_balanced"`
	DefaultTier   string  `yaml:"default_tier"`
	MaxTokens     int     `yaml:"max_tokens"`
	Temperature   float64 `yaml:"temperature"`
	Concurrency   int     `yaml:"concurrency"`
}

// GradingConfig controls how answers are sent to the language model.
type GradingConfig struct {
	Transport string `yaml:"transport"` // local, bus
	Tier      string `yaml:"tier"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

type SessionConfig struct {
	IdleTimeoutMS int  `yaml:"idle_timeout_ms"`
	MaxActive     int  `yaml:"max_active"`
	PublishEvents bool `yaml:"publish_events"`
}

type QuestionsConfig struct {
	Directory string `yaml:"directory"`
	Watch     bool   `yaml:"watch"`
}

type IdentityConfig struct {
	Header      string `yaml:"header"`
	DefaultUser string `yaml:"default_user"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-coach",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			Traces:         "none",
			PrometheusBind: "",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Host:           "127.0.0.1",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Node: NodeConfig{
			ID:                "coach-node-1",
			Role:              "runtime",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
			Capabilities: []NodeCapability{
				{Name: "coach.session", Tier: "balanced"},
			},
		},
		EventStore: EventStoreConfig{
			Path:          "./data/coach-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Store: StoreConfig{
			Backend:    "sqlite",
			Path:       "./data/coach-answers.db",
			Collection: "userAnswers",
			TimeoutMS:  10000,
		},
		STT: STTConfig{
			Enabled:         false,
			Mode:            "mock",
			Language:        "en-US",
			SampleRate:      16000,
			Channels:        1,
			FrameDurationMS: 20,
			PartialEveryMS:  800,
			Capture:         "scripted",
			Continuous:      true,
			MicTimeoutMS:    3000,
			Deepgram: DeepgramConfig{
				BaseURL:     "https://api.deepgram.com/v1",
				Model:       "nova-2",
				SmartFormat: true,
			},
			FFmpeg: FFmpegConfig{
				Command:     "ffmpeg",
				InputFormat: "pulse",
				InputDevice: "default",
			},
		},
		LLM: LLMConfig{
			Enabled:     false,
			Mode:        "mock",
			DefaultTier: "balanced",
			MaxTokens:   512,
			Temperature: 0.2,
			Concurrency: 2,
		},
		Grading: GradingConfig{
			Transport: "local",
			Tier:      "balanced",
			TimeoutMS: 30000,
		},
		Session: SessionConfig{
			IdleTimeoutMS: 30 * 60 * 1000,
			MaxActive:     1000,
			PublishEvents: true,
		},
		Questions: QuestionsConfig{
			Directory: "./interviews",
			Watch:     false,
		},
		Identity: IdentityConfig{
			Header: "X-User-ID",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "COACH_RUNTIME_NAME")
	overrideString(&cfg.Environment, "COACH_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "COACH_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "COACH_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "COACH_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "COACH_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "COACH_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.Traces, "COACH_TELEMETRY_TRACES")
	overrideString(&cfg.Telemetry.PrometheusBind, "COACH_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "COACH_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "COACH_BUS_PORT")
	overrideString(&cfg.Bus.Host, "COACH_BUS_HOST")
	overrideStringSlice(&cfg.Bus.Servers, "COACH_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "COACH_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "COACH_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "COACH_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "COACH_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "COACH_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Node.ID, "COACH_NODE_ID")
	overrideString(&cfg.Node.Role, "COACH_NODE_ROLE")
	overrideInt(&cfg.Node.HeartbeatInterval, "COACH_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "COACH_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "COACH_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "COACH_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "COACH_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "COACH_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "COACH_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Store.Backend, "COACH_STORE_BACKEND")
	overrideString(&cfg.Store.Path, "COACH_STORE_PATH")
	overrideString(&cfg.Store.ProjectID, "COACH_STORE_PROJECT_ID")
	overrideString(&cfg.Store.CredentialsFile, "COACH_STORE_CREDENTIALS_FILE")
	overrideString(&cfg.Store.Collection, "COACH_STORE_COLLECTION")
	overrideInt(&cfg.Store.TimeoutMS, "COACH_STORE_TIMEOUT_MS")
	overrideBool(&cfg.STT.Enabled, "COACH_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "COACH_STT_MODE")
	overrideString(&cfg.STT.Command, "COACH_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "COACH_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "COACH_STT_LANGUAGE")
	overrideInt(&cfg.STT.SampleRate, "COACH_STT_SAMPLE_RATE")
	overrideInt(&cfg.STT.Channels, "COACH_STT_CHANNELS")
	overrideInt(&cfg.STT.FrameDurationMS, "COACH_STT_FRAME_DURATION_MS")
	overrideInt(&cfg.STT.PartialEveryMS, "COACH_STT_PARTIAL_EVERY_MS")
	overrideBool(&cfg.STT.PublishInterim, "COACH_STT_PUBLISH_INTERIM")
	overrideString(&cfg.STT.Capture, "COACH_STT_CAPTURE")
	overrideBool(&cfg.STT.Continuous, "COACH_STT_CONTINUOUS")
	overrideInt(&cfg.STT.MicTimeoutMS, "COACH_STT_MIC_TIMEOUT_MS")
	overrideString(&cfg.STT.Deepgram.APIKey, "DEEPGRAM_API_KEY")
	overrideString(&cfg.STT.Deepgram.BaseURL, "COACH_STT_DEEPGRAM_BASE_URL")
	overrideString(&cfg.STT.Deepgram.Model, "COACH_STT_DEEPGRAM_MODEL")
	overrideString(&cfg.STT.FFmpeg.Command, "COACH_STT_FFMPEG_COMMAND")
	overrideString(&cfg.STT.FFmpeg.InputFormat, "COACH_STT_FFMPEG_INPUT_FORMAT")
	overrideString(&cfg.STT.FFmpeg.InputDevice, "COACH_STT_FFMPEG_INPUT_DEVICE")
	overrideBool(&cfg.LLM.Enabled, "COACH_LLM_ENABLED")
	overrideString(&cfg.LLM.Mode, "COACH_LLM_MODE")
	overrideString(&cfg.LLM.Endpoint, "COACH_LLM_ENDPOINT")
	overrideString(&cfg.LLM.Command, "COACH_LLM_COMMAND")
	overrideString(&cfg.LLM.APIKey, "GEMINI_API_KEY")
	overrideString(&cfg.LLM.ModelFast, "COACH_LLM_MODEL_FAST")
	overrideString(&cfg.LLM.ModelBalanced, "COACH_LLM_MODEL_BALANCED")
	overrideString(&cfg.LLM.DefaultTier, "COACH_LLM_DEFAULT_TIER")
	overrideInt(&cfg.LLM.MaxTokens, "COACH_LLM_MAX_TOKENS")
	overrideFloat(&cfg.LLM.Temperature, "COACH_LLM_TEMPERATURE")
	overrideInt(&cfg.LLM.Concurrency, "COACH_LLM_CONCURRENCY")
	overrideString(&cfg.Grading.Transport, "COACH_GRADING_TRANSPORT")
	overrideString(&cfg.Grading.Tier, "COACH_GRADING_TIER")
	overrideInt(&cfg.Grading.TimeoutMS, "COACH_GRADING_TIMEOUT_MS")
	overrideInt(&cfg.Session.IdleTimeoutMS, "COACH_SESSION_IDLE_TIMEOUT_MS")
	overrideInt(&cfg.Session.MaxActive, "COACH_SESSION_MAX_ACTIVE")
	overrideBool(&cfg.Session.PublishEvents, "COACH_SESSION_PUBLISH_EVENTS")
	overrideString(&cfg.Questions.Directory, "COACH_QUESTIONS_DIRECTORY")
	overrideBool(&cfg.Questions.Watch, "COACH_QUESTIONS_WATCH")
	overrideString(&cfg.Identity.Header, "COACH_IDENTITY_HEADER")
	overrideString(&cfg.Identity.DefaultUser, "COACH_IDENTITY_DEFAULT_USER")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
		return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat interval")
	}
	if len(cfg.Node.Capabilities) == 0 {
		return errors.New("node.capabilities must not be empty")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	switch cfg.Telemetry.Traces {
	case "", "none", "stdout", "otlp":
	default:
		return errors.New("telemetry.traces must be one of none|stdout|otlp")
	}
	switch cfg.Store.Backend {
	case "sqlite":
		if cfg.Store.Path == "" {
			return errors.New("store.path must be set when backend=sqlite")
		}
	case "firestore":
		if cfg.Store.ProjectID == "" {
			return errors.New("store.project_id must be set when backend=firestore")
		}
	default:
		return errors.New("store.backend must be one of sqlite|firestore")
	}
	if cfg.Store.Collection == "" {
		return errors.New("store.collection must not be empty")
	}
	if cfg.Store.TimeoutMS <= 0 {
		return errors.New("store.timeout_ms must be positive")
	}
	switch cfg.STT.Capture {
	case "scripted", "bus", "deepgram":
	default:
		return errors.New("stt.capture must be one of scripted|bus|deepgram")
	}
	if cfg.STT.Language == "" {
		return errors.New("stt.language must not be empty")
	}
	if cfg.STT.Capture == "deepgram" && cfg.STT.Deepgram.APIKey == "" {
		return errors.New("stt.deepgram.api_key must be set when capture=deepgram")
	}
	if cfg.STT.Capture == "bus" && !cfg.STT.Enabled {
		return errors.New("stt.enabled must be true when capture=bus")
	}
	if cfg.STT.Enabled {
		if cfg.STT.SampleRate <= 0 {
			return errors.New("stt.sample_rate must be positive")
		}
		if cfg.STT.Channels <= 0 {
			return errors.New("stt.channels must be positive")
		}
		if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	}
	switch cfg.LLM.Mode {
	case "mock", "ollama", "exec", "gemini":
	default:
		return errors.New("llm.mode must be one of mock|ollama|exec|gemini")
	}
	if cfg.LLM.Mode == "exec" && cfg.LLM.Command == "" {
		return errors.New("llm.command must be set when mode=exec")
	}
	if cfg.LLM.Mode == "gemini" && cfg.LLM.APIKey == "" {
		return errors.New("llm.api_key must be set when mode=gemini")
	}
	if cfg.LLM.MaxTokens < 0 {
		return errors.New("llm.max_tokens must be >= 0")
	}
	switch cfg.Grading.Transport {
	case "local":
	case "bus":
		if !cfg.LLM.Enabled {
			return errors.New("llm.enabled must be true when grading.transport=bus")
		}
	default:
		return errors.New("grading.transport must be one of local|bus")
	}
	if cfg.Grading.TimeoutMS <= 0 {
		return errors.New("grading.timeout_ms must be positive")
	}
	if cfg.Session.MaxActive <= 0 {
		return errors.New("session.max_active must be >= 1")
	}
	if cfg.Questions.Directory == "" {
		return errors.New("questions.directory must not be empty")
	}
	if cfg.Identity.Header == "" {
		return errors.New("identity.header must not be empty")
	}
	return nil
}
