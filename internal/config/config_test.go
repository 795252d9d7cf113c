package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Store.Collection != "userAnswers" {
		t.Fatalf("expected default collection userAnswers, got %q", cfg.Store.Collection)
	}
	if cfg.STT.Language != "en-US" || !cfg.STT.Continuous {
		t.Fatalf("expected continuous en-US capture, got %q continuous=%v", cfg.STT.Language, cfg.STT.Continuous)
	}
	if cfg.Grading.TimeoutMS != 30000 {
		t.Fatalf("expected 30s grading timeout, got %d", cfg.Grading.TimeoutMS)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("COACH_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("COACH_BUS_USERNAME", "alice")
	t.Setenv("COACH_BUS_PASSWORD", "secret")
	t.Setenv("COACH_BUS_TLS_INSECURE", "true")
	t.Setenv("COACH_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("COACH_NODE_ID", "test-node")
	t.Setenv("COACH_NODE_ROLE", "runtime")
	t.Setenv("COACH_NODE_HEARTBEAT_INTERVAL_MS", "1500")
	t.Setenv("COACH_NODE_HEARTBEAT_TIMEOUT_MS", "5000")
	t.Setenv("COACH_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("COACH_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("COACH_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("COACH_EVENT_STORE_MAX_SESSIONS", "123")
	t.Setenv("COACH_EVENT_STORE_VACUUM_ON_START", "true")
	t.Setenv("COACH_STORE_BACKEND", "firestore")
	t.Setenv("COACH_STORE_PROJECT_ID", "mock-interviews")
	t.Setenv("COACH_GRADING_TIMEOUT_MS", "1500")
	t.Setenv("COACH_STT_LANGUAGE", "en-GB")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Node.ID != "test-node" {
		t.Fatalf("expected node id override")
	}
	if cfg.Node.HeartbeatInterval != 1500 {
		t.Fatalf("expected heartbeat interval override")
	}
	if cfg.Node.HeartbeatTimeout != 5000 {
		t.Fatalf("expected heartbeat timeout override")
	}
	if cfg.EventStore.Path != "./tmp.db" {
		t.Fatalf("expected event store path override")
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
	if cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store retention days override")
	}
	if cfg.EventStore.MaxSessions != 123 {
		t.Fatalf("expected event store max sessions override")
	}
	if !cfg.EventStore.VacuumOnStart {
		t.Fatalf("expected event store vacuum flag override")
	}
	if cfg.Store.Backend != "firestore" || cfg.Store.ProjectID != "mock-interviews" {
		t.Fatalf("expected firestore store override, got %+v", cfg.Store)
	}
	if cfg.Grading.TimeoutMS != 1500 {
		t.Fatalf("expected grading timeout override, got %d", cfg.Grading.TimeoutMS)
	}
	if cfg.STT.Language != "en-GB" {
		t.Fatalf("expected language override, got %q", cfg.STT.Language)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coach.yaml")
	data := []byte(`runtime_name: coach-test
llm:
  enabled: true
  mode: gemini
  api_key: test-key
grading:
  transport: bus
  timeout_ms: 5000
stt:
  capture: scripted
  script:
    - "A goroutine is a lightweight thread"
    - "managed by the Go runtime."
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RuntimeName != "coach-test" {
		t.Fatalf("unexpected runtime name %q", cfg.RuntimeName)
	}
	if cfg.LLM.Mode != "gemini" || cfg.Grading.Transport != "bus" {
		t.Fatalf("unexpected llm/grading config: %+v %+v", cfg.LLM, cfg.Grading)
	}
	if len(cfg.STT.Script) != 2 {
		t.Fatalf("expected 2 scripted fragments, got %d", len(cfg.STT.Script))
	}
	if cfg.Store.Backend != "sqlite" {
		t.Fatalf("expected defaults preserved for unset sections, got backend %q", cfg.Store.Backend)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"unknown store backend":     func(c *Config) { c.Store.Backend = "redis" },
		"firestore without project": func(c *Config) { c.Store.Backend = "firestore"; c.Store.ProjectID = "" },
		"deepgram without key":      func(c *Config) { c.STT.Capture = "deepgram"; c.STT.Deepgram.APIKey = "" },
		"bus capture without stt":   func(c *Config) { c.STT.Capture = "bus"; c.STT.Enabled = false },
		"gemini without key":        func(c *Config) { c.LLM.Mode = "gemini"; c.LLM.APIKey = "" },
		"bus grading without llm":   func(c *Config) { c.Grading.Transport = "bus"; c.LLM.Enabled = false },
		"zero grading timeout":      func(c *Config) { c.Grading.TimeoutMS = 0 },
		"empty identity header":     func(c *Config) { c.Identity.Header = "" },
		"unknown trace exporter":    func(c *Config) { c.Telemetry.Traces = "jaeger" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
