// Package runtime assembles coachd: telemetry, the bus and its services, the
// stores, the session manager and the HTTP surface.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-coach/internal/config"
)

const (
	shutdownTimeout  = 10 * time.Second
	telemetryTimeout = 5 * time.Second
)

type Runtime struct {
	cfg       config.Config
	logger    *slog.Logger
	telemetry *telemetry
	services  *services
	ready     atomic.Bool
	wg        sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{cfg: cfg, logger: logger}
}

// Start builds every component, serves HTTP and blocks until ctx is done or
// a listener fails.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := startTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel
	defer r.closeTelemetry()

	svc, err := build(ctx, r.cfg, r.logger)
	if err != nil {
		return err
	}
	r.services = svc
	defer svc.close()

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port),
		Handler:           r.routes(cancel),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(server, cancel)
	svc.run(ctx, &r.wg)

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", server.Addr), slog.String("node_id", r.cfg.Node.ID))
	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.closeTelemetry()
	r.wg.Wait()
	return nil
}

func (r *Runtime) routes(onFail context.CancelFunc) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	r.telemetry.mount(mux, r.cfg.Telemetry.PrometheusBind, &r.wg, onFail)
	mux.Handle("/v1/", r.services.api.Handler())
	return mux
}

func (r *Runtime) serve(server *http.Server, onFail context.CancelFunc) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			onFail()
		}
	}()
}

// closeTelemetry is idempotent; Start calls it before waiting on listeners
// and again on every early return.
func (r *Runtime) closeTelemetry() {
	tel := r.telemetry
	if tel == nil {
		return
	}
	r.telemetry = nil
	ctx, cancel := context.WithTimeout(context.Background(), telemetryTimeout)
	defer cancel()
	if err := tel.close(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type readiness struct {
	Ready      bool            `json:"ready"`
	Components map[string]bool `json:"components"`
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	body := readiness{Components: r.services.status()}
	body.Ready = r.ready.Load()
	for ok := range maps.Values(body.Components) {
		body.Ready = body.Ready && ok
	}
	status := http.StatusOK
	if !body.Ready {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
