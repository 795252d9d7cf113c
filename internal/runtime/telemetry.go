package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-coach/internal/config"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
)

// telemetry owns the global tracer and meter providers for one runtime.
// Metrics go to the main mux unless telemetry.prometheus_bind names a
// separate listener.
type telemetry struct {
	tracer  *sdktrace.TracerProvider
	meter   *sdkmetric.MeterProvider
	metrics http.Handler
	server  *http.Server
	logger  *slog.Logger
}

func startTelemetry(ctx context.Context, cfg config.Config, logger *slog.Logger) (*telemetry, error) {
	logger = logger.With(slog.String("component", "telemetry"))
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.RuntimeName),
			semconv.ServiceInstanceID(cfg.Node.ID),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry resource: %w", err)
	}

	t := &telemetry{logger: logger}
	exporter, err := traceExporter(ctx, cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if exporter != nil {
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exporter))
	}
	t.tracer = sdktrace.NewTracerProvider(traceOpts...)
	otel.SetTracerProvider(t.tracer)

	// A private registry keeps repeated starts in one process (tests) from
	// colliding on the default registerer.
	registry := promclient.NewRegistry()
	promExporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		logger.Warn("prometheus exporter unavailable", slog.String("error", err.Error()))
		t.meter = sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	} else {
		t.meter = sdkmetric.NewMeterProvider(sdkmetric.WithReader(promExporter), sdkmetric.WithResource(res))
		t.metrics = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	}
	otel.SetMeterProvider(t.meter)

	logger.Info("telemetry initialized",
		slog.String("traces", traceMode(cfg.Telemetry)),
		slog.Bool("metrics", t.metrics != nil))
	return t, nil
}

func traceMode(cfg config.TelemetryConfig) string {
	if strings.TrimSpace(cfg.OTLPEndpoint) != "" {
		return "otlp"
	}
	if cfg.Traces == "" {
		return "none"
	}
	return cfg.Traces
}

func traceExporter(ctx context.Context, cfg config.TelemetryConfig) (sdktrace.SpanExporter, error) {
	switch traceMode(cfg) {
	case "otlp":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(strings.TrimSpace(cfg.OTLPEndpoint))}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("otlp trace exporter: %w", err)
		}
		return exporter, nil
	case "stdout":
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("stdout trace exporter: %w", err)
		}
		return exporter, nil
	default:
		return nil, nil
	}
}

// mount registers /metrics on mux, or starts the dedicated listener.
func (t *telemetry) mount(mux *http.ServeMux, bind string, wg *sync.WaitGroup, onFail func()) {
	if t.metrics == nil {
		return
	}
	if bind == "" {
		mux.Handle("/metrics", t.metrics)
		return
	}
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", t.metrics)
	t.server = &http.Server{Addr: bind, Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := t.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("metrics server failed", slog.String("error", err.Error()))
			onFail()
		}
	}()
}

func (t *telemetry) close(ctx context.Context) error {
	var errs []error
	if t.server != nil {
		errs = append(errs, t.server.Shutdown(ctx))
	}
	errs = append(errs, t.meter.Shutdown(ctx), t.tracer.Shutdown(ctx))
	return errors.Join(errs...)
}
