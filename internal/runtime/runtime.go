package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/owlimatronic/internal/artifact"
	"github.com/loqalabs/owlimatronic/internal/broker"
	"github.com/loqalabs/owlimatronic/internal/bus"
	"github.com/loqalabs/owlimatronic/internal/chat"
	"github.com/loqalabs/owlimatronic/internal/config"
	"github.com/loqalabs/owlimatronic/internal/coordinator"
	"github.com/loqalabs/owlimatronic/internal/eventstore"
	"github.com/loqalabs/owlimatronic/internal/streamer"
	"github.com/loqalabs/owlimatronic/internal/transcode"
	"github.com/loqalabs/owlimatronic/internal/web"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	httpAddr    atomic.Value
	telemetry   *telemetry
	ready       atomic.Bool
	wg          sync.WaitGroup

	journal     *eventstore.Store
	store       *artifact.Store
	runner      *transcode.Runner
	mqttBroker  *broker.MQTTServer
	natsBroker  *broker.NATSServer
	publisher   bus.Publisher
	coordinator *coordinator.Coordinator
	streamer    *streamer.Server
	chat        *chat.Service
	gauge       metric.Registration
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings every component up, serves until ctx is cancelled or the bus
// reports a fatal error, then shuts down in reverse order. A fatal bus error
// is returned so the caller can exit non-zero.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel
	defer r.shutdown()

	if err := r.startComponents(ctx); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if tel.metrics != nil {
		mux.Handle("/metrics", tel.metrics)
	}
	web.New(r.coordinator, r.status, r.cfg.HTTP.MaxUploadBytes, r.logger).Register(mux)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	r.httpAddr.Store(ln.Addr().String())
	r.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.wg.Add(1)
	go r.pruneLoop(ctx)

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", ln.Addr().String()))

	var fatal error
	select {
	case <-ctx.Done():
	case fatal = <-r.publisher.Fatal():
		r.logger.Error("bus reported a fatal error", slog.String("error", fatal.Error()))
	}
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	cancel()
	return fatal
}

// HTTPAddr returns the bound HTTP address once the runtime is serving.
func (r *Runtime) HTTPAddr() string {
	addr, _ := r.httpAddr.Load().(string)
	return addr
}

// StreamAddr returns the bound streaming address, or "" when disabled.
func (r *Runtime) StreamAddr() string {
	if r.streamer == nil || r.streamer.Addr() == nil {
		return ""
	}
	return r.streamer.Addr().String()
}

func (r *Runtime) startComponents(ctx context.Context) error {
	var err error
	r.journal, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}

	r.store, err = artifact.Open(r.cfg.Artifact.Path, r.logger)
	if err != nil {
		return fmt.Errorf("open artifact store: %w", err)
	}
	r.registerGenerationGauge()

	transcoder, err := transcode.New(r.cfg.Transcoder)
	if err != nil {
		return fmt.Errorf("create transcoder: %w", err)
	}
	r.runner, err = transcode.NewRunner(ctx, r.cfg.Transcoder, transcoder, r.store, r.logger)
	if err != nil {
		return fmt.Errorf("create conversion runner: %w", err)
	}
	r.runner.Start()

	busCfg, err := r.startBroker()
	if err != nil {
		return err
	}
	r.publisher, err = bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}

	r.coordinator = coordinator.New(r.runner, r.publisher, r.journal, r.cfg.Bus.Topic, r.logger)

	if r.cfg.Streamer.Enabled {
		r.streamer = streamer.NewServer(ctx, r.cfg.Streamer, streamer.StoreSource(r.store), r.logger)
		if err := r.streamer.Start(); err != nil {
			return fmt.Errorf("start streamer: %w", err)
		}
	}

	r.chat = chat.NewService(ctx, r.cfg.Chat, r.coordinator, r.logger)
	if err := r.chat.Start(); err != nil {
		return fmt.Errorf("start chat service: %w", err)
	}
	return nil
}

// startBroker launches the embedded broker when configured and points the
// bus client at it.
func (r *Runtime) startBroker() (config.BusConfig, error) {
	busCfg := r.cfg.Bus
	if !busCfg.Embedded {
		return busCfg, nil
	}
	creds := broker.Credentials{Username: busCfg.Username, Password: busCfg.Password}
	switch busCfg.Mode {
	case "nats":
		srv, err := broker.StartNATS("0.0.0.0", busCfg.Port, creds, r.logger)
		if err != nil {
			return busCfg, err
		}
		r.natsBroker = srv
		busCfg.URL = fmt.Sprintf("nats://127.0.0.1:%d", busCfg.Port)
	default:
		srv, err := broker.StartMQTT(fmt.Sprintf("0.0.0.0:%d", busCfg.Port), creds, r.logger)
		if err != nil {
			return busCfg, err
		}
		r.mqttBroker = srv
		busCfg.URL = fmt.Sprintf("mqtt://127.0.0.1:%d", busCfg.Port)
	}
	return busCfg, nil
}

func (r *Runtime) registerGenerationGauge() {
	meter := otel.Meter("github.com/loqalabs/owlimatronic/artifact")
	gauge, err := meter.Int64ObservableGauge("owl.artifact.generation", metric.WithDescription("Generation of the committed artifact"))
	if err != nil {
		r.logger.Warn("failed to create gauge", slog.String("error", err.Error()))
		return
	}
	store := r.store
	r.gauge, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(gauge, int64(store.Generation()))
		return nil
	}, gauge)
	if err != nil {
		r.logger.Warn("failed to register gauge callback", slog.String("error", err.Error()))
	}
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.journal.Prune(ctx); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) shutdown() {
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.chat != nil {
		r.chat.Close()
	}
	if r.streamer != nil {
		r.streamer.Close()
	}
	if r.runner != nil {
		r.runner.Close()
	}
	if r.publisher != nil {
		r.publisher.Close()
	}
	r.mqttBroker.Close()
	r.natsBroker.Shutdown()
	if r.gauge != nil {
		_ = r.gauge.Unregister()
	}
	if r.journal != nil {
		if err := r.journal.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}

	if r.telemetry != nil {
		if err := r.telemetry.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) status(ctx context.Context) web.Status {
	st := web.Status{
		Artifact: web.ArtifactStatus{Generation: r.store.Generation(), Ready: r.store.Ready()},
		Bus:      web.BusStatus{Mode: r.cfg.Bus.Mode, Healthy: r.publisher.Healthy()},
		Devices:  []streamer.DeviceConnection{},
	}
	if r.streamer != nil {
		st.Devices = r.streamer.Connections()
	}
	recent, err := r.journal.RecentRequests(ctx, 10)
	if err != nil {
		r.logger.Warn("list recent requests failed", slog.String("error", err.Error()))
	}
	st.Recent = recent
	return st
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.publisher.Healthy() && r.chat.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
