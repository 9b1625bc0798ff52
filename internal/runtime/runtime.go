// Package runtime assembles the gateway and owns its lifecycle: boot,
// serve, graceful shutdown.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/attestlabs/voicegate/internal/auditlog"
	"github.com/attestlabs/voicegate/internal/audio"
	"github.com/attestlabs/voicegate/internal/bus"
	"github.com/attestlabs/voicegate/internal/config"
	"github.com/attestlabs/voicegate/internal/model"
	"github.com/attestlabs/voicegate/internal/monitor"
	"github.com/attestlabs/voicegate/internal/natsserver"
	"github.com/attestlabs/voicegate/internal/server"
	"github.com/attestlabs/voicegate/internal/verify"
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	apiServer     *http.Server
	metricsServer *http.Server
	lifecycle     *model.Lifecycle
	audit         *auditlog.Store
	events        *bus.Client
	embedded      *natsserver.EmbeddedServer
	telemetryStop func(context.Context) error
	wg            sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{cfg: cfg, logger: logger}
}

// Start assembles all components, serves until ctx is cancelled, then
// shuts everything down in dependency order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	telemetryStop, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryStop = telemetryStop

	settings := config.NewStore(config.Settings{
		ModelPath:   r.cfg.Model.Path,
		Device:      r.cfg.Model.Device,
		Threshold:   r.cfg.Verify.Threshold,
		MaxFileSize: r.cfg.Audio.MaxFileSize,
		AllowedExts: r.cfg.Audio.AllowedExts,
	})

	audit, err := auditlog.Open(ctx, r.cfg.AuditLog, r.logger.With(slog.String("component", "auditlog")))
	if err != nil {
		return fmt.Errorf("failed to open request log: %w", err)
	}
	r.audit = audit

	if r.cfg.Events.Enabled {
		embedded, err := natsserver.Start(r.cfg.Events, r.logger.With(slog.String("component", "natsserver")))
		if err != nil {
			return fmt.Errorf("failed to start embedded NATS server: %w", err)
		}
		r.embedded = embedded

		events, err := bus.Connect(ctx, r.cfg.Events, r.logger.With(slog.String("component", "bus")))
		if err != nil {
			r.embedded.Shutdown()
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		r.events = events
	}

	factory, err := model.NewFactory(r.cfg.Model, settings, r.logger)
	if err != nil {
		return fmt.Errorf("failed to build model factory: %w", err)
	}
	r.lifecycle = model.NewLifecycle(r.cfg.Model, factory, r.logger)

	resolver := audio.NewResolver(r.cfg.Audio, settings, r.logger)
	normalizer := audio.NewNormalizer(r.cfg.Audio)
	engine := verify.NewEngine(resolver, normalizer, r.lifecycle, settings, r.cfg.Verify, r.logger)

	var sink monitor.Sink
	if r.cfg.AuditLog.RetentionMode == "persistent" {
		sink = audit
	}
	mon := monitor.New(r.cfg.Monitor.HistorySize, sink, r.logger)

	srv := server.New(r.cfg, settings, engine, r.lifecycle, mon, r.events, r.logger)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.apiServer = &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	if metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			if err := r.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				r.logger.Error("metrics server failed", slog.String("error", err.Error()))
			}
		}()
	}

	r.logger.Info("gateway started",
		slog.String("addr", addr),
		slog.String("model_mode", r.cfg.Model.Mode))

	<-ctx.Done()
	r.logger.Info("gateway stopping")
	return r.shutdown()
}

func (r *Runtime) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := r.apiServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	if r.metricsServer != nil {
		if err := r.metricsServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("metrics shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.lifecycle != nil {
		if err := r.lifecycle.Close(); err != nil {
			r.logger.Error("model shutdown error", slog.String("error", err.Error()))
		}
	}
	r.events.Close()
	r.embedded.Shutdown()
	if r.audit != nil {
		if err := r.audit.Close(); err != nil {
			r.logger.Error("request log close error", slog.String("error", err.Error()))
		}
	}
	if r.telemetryStop != nil {
		if err := r.telemetryStop(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
	return nil
}
