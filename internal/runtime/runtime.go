// Package runtime hosts the Florence daemon: telemetry, the render engine,
// the optional NATS render service and the health endpoints.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/florence/internal/bus"
	"github.com/loqalabs/florence/internal/config"
	"github.com/loqalabs/florence/internal/engine"
	"github.com/loqalabs/florence/internal/history"
	"github.com/loqalabs/florence/internal/natsserver"
	"github.com/loqalabs/florence/internal/objectstore"
	"github.com/loqalabs/florence/internal/service"
	"github.com/loqalabs/florence/internal/speech"
)

type Runtime struct {
	cfg           config.Config
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	history       *history.Store
	engine        *engine.Engine
	nats          *natsserver.EmbeddedServer
	bus           *bus.Client
	renders       *service.RenderService
	ready         atomic.Bool
	wg            sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings every component up and blocks until ctx is cancelled. Any
// startup failure, including a missing speech engine, is returned.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	defer r.closeTelemetry()

	if err := r.startPipeline(ctx); err != nil {
		r.stopPipeline()
		return err
	}
	defer r.stopPipeline()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != addr {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("engine", engine.Version))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error(name+" server failed", slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) startPipeline(ctx context.Context) error {
	store, err := history.Open(ctx, r.cfg.History, r.logger)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	r.history = store

	synth, name, err := speech.NewRegistry(r.cfg.TTS, r.logger).New(r.cfg.TTS.Mode)
	if err != nil {
		return fmt.Errorf("select speech engine: %w", err)
	}
	r.engine, err = engine.New(r.cfg, synth, name, store, r.logger)
	if err != nil {
		return err
	}
	r.logger.Info("render engine ready", slog.String("speech", name), slog.Int("sample_rate", r.cfg.Render.SampleRate))

	if !r.cfg.Bus.Enabled {
		return nil
	}
	busCfg := r.cfg.Bus
	r.nats, err = natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	if r.nats != nil {
		busCfg.Servers = []string{r.nats.ClientURL()}
	}
	r.bus, err = bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}
	audio, err := objectstore.New(r.bus.JetStream(), busCfg.AudioBucket)
	if err != nil {
		return err
	}
	r.renders = service.NewRenderService(ctx, busCfg, r.bus, r.engine, audio, r.logger)
	return r.renders.Start()
}

// stopPipeline tears components down in reverse start order.
func (r *Runtime) stopPipeline() {
	if r.renders != nil {
		r.renders.Close()
	}
	r.bus.Close()
	r.nats.Shutdown()
	if r.history != nil {
		if err := r.history.Close(); err != nil {
			r.logger.Error("history close error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) closeTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) healthy() bool {
	if !r.cfg.Bus.Enabled {
		return true
	}
	return r.bus.Healthy() && r.renders != nil && r.renders.Healthy()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if !r.healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("bus unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
