package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/loqalabs/loqa-coach/internal/config"
	"github.com/loqalabs/loqa-coach/internal/llm"
	"github.com/loqalabs/loqa-coach/internal/stt"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestReadyBeforeStart(t *testing.T) {
	rt := New(config.Default(), newLogger())

	rec := httptest.NewRecorder()
	rt.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before start, got %d", rec.Code)
	}
	var body readiness
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode readiness: %v", err)
	}
	if body.Ready || body.Components["bus"] {
		t.Fatalf("unexpected readiness %+v", body)
	}

	rec = httptest.NewRecorder()
	rt.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 health, got %d", rec.Code)
	}
}

func TestCaptureFactoryDefaultsToScript(t *testing.T) {
	cfg := config.Default()
	cfg.STT.Script = []string{"hello"}
	s := &services{cfg: cfg, log: newLogger()}

	factory := s.captureFactory(s.log)
	a, b := factory("s1"), factory("s2")
	if _, ok := a.(*stt.ScriptedCapture); !ok {
		t.Fatalf("expected scripted capture, got %T", a)
	}
	if a == b {
		t.Fatal("expected a fresh scripted capture per session")
	}
}

func TestTextServiceFollowsTransport(t *testing.T) {
	cfg := config.Default()
	s := &services{cfg: cfg, log: newLogger()}
	if _, ok := s.textService(llm.NewMockGenerator()).(llm.LocalText); !ok {
		t.Fatal("expected local text service by default")
	}

	s.cfg.Grading.Transport = "bus"
	if _, ok := s.textService(llm.NewMockGenerator()).(llm.BusText); !ok {
		t.Fatal("expected bus text service")
	}
}

func TestTraceMode(t *testing.T) {
	cases := map[string]config.TelemetryConfig{
		"none":   {},
		"stdout": {Traces: "stdout"},
		"otlp":   {Traces: "stdout", OTLPEndpoint: " collector:4317 "},
	}
	for want, cfg := range cases {
		if got := traceMode(cfg); got != want {
			t.Fatalf("traceMode(%+v) = %q, want %q", cfg, got, want)
		}
	}
	exporter, err := traceExporter(context.Background(), config.TelemetryConfig{Traces: "none"})
	if err != nil || exporter != nil {
		t.Fatalf("expected no exporter, got %v %v", exporter, err)
	}
}

func TestTelemetryMountsMetrics(t *testing.T) {
	cfg := config.Default()
	tel, err := startTelemetry(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("start telemetry: %v", err)
	}
	defer tel.close(context.Background())

	mux := http.NewServeMux()
	tel.mount(mux, "", nil, func() {})
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected metrics on main mux, got %d", rec.Code)
	}
}
