package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/lecturecap/internal/bus"
	"github.com/loqalabs/lecturecap/internal/capability"
	"github.com/loqalabs/lecturecap/internal/capture"
	"github.com/loqalabs/lecturecap/internal/clock"
	"github.com/loqalabs/lecturecap/internal/config"
	"github.com/loqalabs/lecturecap/internal/control"
	"github.com/loqalabs/lecturecap/internal/eventstore"
	"github.com/loqalabs/lecturecap/internal/handoff"
	"github.com/loqalabs/lecturecap/internal/natsserver"
	"github.com/loqalabs/lecturecap/internal/session"
	"github.com/loqalabs/lecturecap/internal/stt"
	"github.com/loqalabs/lecturecap/internal/transcribe"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	embeddedBus *natsserver.EmbeddedServer
	bus         *bus.Client
	journal     *eventstore.Store
	controller  *session.Controller
	control     *control.Service
	registry    *capability.Registry
	ready       atomic.Bool
	wg          sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.startServices(ctx); err != nil {
		r.stopServices()
		r.shutdownTelemetry()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/nodes", r.handleNodes)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("node_id", r.cfg.Node.ID))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	r.stopServices()
	r.shutdownTelemetry()
	return nil
}

func (r *Runtime) startServices(ctx context.Context) error {
	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded bus: %w", err)
	}
	r.embeddedBus = embedded

	busCfg := r.cfg.Bus
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	busClient, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName+"-"+r.cfg.Node.ID, r.logger)
	if err != nil {
		return err
	}
	r.bus = busClient

	journal, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "journal")))
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	r.journal = journal

	source := clock.System()
	device, err := r.newDevice(source)
	if err != nil {
		return err
	}

	var recognizer transcribe.Recognizer
	rec, err := stt.NewPlatform(r.cfg.Transcription, r.cfg.Capture, source, r.logger)
	switch {
	case err == nil:
		recognizer = rec
	case errors.Is(err, transcribe.ErrUnavailable):
		r.logger.Info("live transcription disabled", slog.String("reason", err.Error()))
	default:
		return fmt.Errorf("init speech recognition: %w", err)
	}

	capCfg := r.cfg.Capture
	r.controller = session.NewController(session.Options{
		Device:     device,
		Recognizer: recognizer,
		Constraints: capture.Constraints{
			SampleRate:    capCfg.SampleRate,
			Channels:      capCfg.Channels,
			ChunkInterval: time.Duration(capCfg.ChunkIntervalMS) * time.Millisecond,
		},
		MimeType:     capCfg.MimeType,
		Locale:       r.cfg.Transcription.Locale,
		Interim:      r.cfg.Transcription.PublishInterim,
		TickInterval: time.Duration(r.cfg.Session.TickIntervalMS) * time.Millisecond,
		RestartDelay: time.Duration(r.cfg.Transcription.RestartDelayMS) * time.Millisecond,
		UpdateBuffer: r.cfg.Session.UpdateBuffer,
		TitlePrefix:  r.cfg.Session.TitlePrefix,
		Source:       source,
		Logger:       r.logger,
		Transcripts:  stt.NewPublisher(busClient, r.cfg.Transcription.PublishInterim),
	})

	uploader, err := handoff.New(r.cfg.Handoff, busClient, r.logger)
	if err != nil {
		if !errors.Is(err, handoff.ErrDisabled) {
			return fmt.Errorf("init handoff: %w", err)
		}
		r.logger.Info("upload handoff disabled")
		uploader = nil
	}

	r.control = control.NewService(ctx, r.cfg.Node.ID, r.cfg.Handoff, busClient, r.controller, uploader, journal, r.logger)
	if err := r.control.Start(); err != nil {
		return err
	}

	registry, err := capability.NewRegistry(ctx, capability.Options{
		Node:         r.cfg.Node,
		Capabilities: r.capabilities(recognizer != nil),
		SessionState: func() string { return r.controller.State().String() },
		Source:       source,
	}, busClient, r.logger)
	if err != nil {
		return fmt.Errorf("start node registry: %w", err)
	}
	r.registry = registry
	return nil
}

func (r *Runtime) capabilities(transcription bool) []capability.Capability {
	caps := []capability.Capability{{
		Name: capability.Record,
		Attributes: map[string]string{
			"device":    r.cfg.Capture.Device,
			"device_id": r.cfg.Capture.DeviceID,
			"mime_type": r.cfg.Capture.MimeType,
			"handoff":   r.cfg.Handoff.Mode,
		},
	}}
	if transcription {
		caps = append(caps, capability.Capability{
			Name:       capability.Transcribe,
			Attributes: map[string]string{"locale": r.cfg.Transcription.Locale, "mode": r.cfg.Transcription.Mode},
		})
	}
	return caps
}

func (r *Runtime) newDevice(source clock.Source) (capture.Device, error) {
	capCfg := r.cfg.Capture
	switch capCfg.Device {
	case "mock":
		return capture.NewToneDevice(capture.ToneOptions{
			Label:  capCfg.DeviceID,
			Hz:     capCfg.ToneHz,
			Deny:   capCfg.DenyAccess,
			Source: source,
		}), nil
	case "bus":
		return capture.NewBusDevice(r.bus.Conn(), capCfg.DeviceID, source, r.logger), nil
	default:
		return nil, fmt.Errorf("unknown capture device %q", capCfg.Device)
	}
}

// stopServices tears down in reverse start order. The controller is closed
// before the bus so the device and recognizer are released first.
func (r *Runtime) stopServices() {
	if r.registry != nil {
		r.registry.Close()
	}
	if r.control != nil {
		r.control.Close()
	}
	if r.controller != nil {
		r.controller.Close()
	}
	if r.journal != nil {
		if err := r.journal.Close(); err != nil {
			r.logger.Error("journal close error", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.embeddedBus.Shutdown()
}

func (r *Runtime) shutdownTelemetry() {
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
	return r.bus.Healthy() && r.control != nil && r.control.Healthy() && r.registry != nil && r.registry.Healthy()
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if !r.healthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("unhealthy"))
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

func (r *Runtime) handleNodes(w http.ResponseWriter, req *http.Request) {
	if r.registry == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	filter := func(capability.NodeInfo) bool { return true }
	if name := req.URL.Query().Get("capability"); name != "" {
		filter = capability.WithCapability(name)
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(r.registry.Query(filter)); err != nil {
		r.logger.Warn("encode nodes", slog.String("error", err.Error()))
	}
}
