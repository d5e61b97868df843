package agent

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/protekt/agent/pkg/alert"
	"github.com/protekt/agent/pkg/anomaly"
	"github.com/protekt/agent/pkg/audit"
	"github.com/protekt/agent/pkg/backup"
	"github.com/protekt/agent/pkg/command"
	"github.com/protekt/agent/pkg/config"
	"github.com/protekt/agent/pkg/log"
	"github.com/protekt/agent/pkg/metrics"
	"github.com/protekt/agent/pkg/registration"
	"github.com/protekt/agent/pkg/saas"
	"github.com/protekt/agent/pkg/storage"
	syncworker "github.com/protekt/agent/pkg/sync"
	"github.com/protekt/agent/pkg/telemetry"
	"github.com/protekt/agent/pkg/watcher"
)

// shutdownGrace is how long subsystems get to finish their current
// iteration after cancellation.
const shutdownGrace = 5 * time.Second

// subsystem is one long-running loop owned by the coordinator.
type subsystem struct {
	name string
	run  func(ctx context.Context) error
}

// Agent wires every subsystem to the shared store and runs them under
// one context.
type Agent struct {
	cfg      *config.Config
	store    *storage.SQLiteStore
	client   *saas.Client
	auditor  *audit.Logger
	logger   zerolog.Logger
	deviceID string
	version  string

	registrar  *registration.Manager
	subsystems []subsystem
}

// New builds a fully wired agent from configuration.
func New(cfg *config.Config, version string) (*Agent, error) {
	if err := cfg.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("failed to prepare data directories: %w", err)
	}

	deviceID, err := cfg.DeviceID()
	if err != nil {
		return nil, err
	}

	store, err := storage.NewSQLiteStore(filepath.Join(cfg.DataDir(), "agent.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	client := saas.NewClient(
		cfg.Get("saas", "base_url", ""),
		cfg.Get("saas", "api_key", ""),
		cfg.GetSeconds("saas", "timeout", 30*time.Second),
		300*time.Second,
	)

	auditor, err := audit.NewLogger(store, cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	backups, err := backup.NewManager(store, client, cfg)
	if err != nil {
		store.Close()
		return nil, err
	}

	a := &Agent{
		cfg:       cfg,
		store:     store,
		client:    client,
		auditor:   auditor,
		logger:    log.WithComponent("agent"),
		deviceID:  deviceID,
		version:   version,
		registrar: registration.NewManager(store, client, cfg, version),
	}

	a.subsystems = []subsystem{
		{"telemetry", telemetry.NewSampler(store, client, cfg, deviceID).Run},
		{"watcher", watcher.New(store, cfg).Run},
		{"process-observer", watcher.NewProcessObserver(store, cfg).Run},
		{"anomaly", anomaly.NewEngine(store, cfg).Run},
		{"backup", backups.Run},
		{"command", command.NewProcessor(store, client, cfg, backups, auditor, deviceID).Run},
		{"sync", syncworker.NewWorker(store, client, backups, auditor, cfg, deviceID).Run},
		{"alert", alert.NewDispatcher(store, auditor, cfg, deviceID).Run},
		{"metrics-collector", metrics.NewCollector(store, 15*time.Second).Run},
	}
	return a, nil
}

// Run registers the device, starts every subsystem, and blocks until
// ctx is cancelled. Subsystems get shutdownGrace to exit before the
// store is closed anyway.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info().Str("device_id", a.deviceID).Str("version", a.version).Msg("agent starting")

	reg, err := a.registrar.EnsureRegistered(ctx)
	if err != nil {
		a.store.Close()
		return fmt.Errorf("registration failed: %w", err)
	}
	a.logger.Info().Str("status", string(reg.Status)).Msg("device registered")
	a.auditor.Log("startup", a.deviceID, "system", map[string]string{"version": a.version})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, s := range a.subsystems {
		wg.Add(1)
		go func(s subsystem) {
			defer wg.Done()
			if err := s.run(runCtx); err != nil {
				a.logger.Error().Err(err).Str("subsystem", s.name).Msg("subsystem exited with error")
			}
		}(s)
	}

	metricsServer := a.startMetricsServer()

	<-ctx.Done()
	a.logger.Info().Msg("shutdown signal received")
	cancel()

	if metricsServer != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownGrace)
		metricsServer.Shutdown(shutdownCtx)
		stop()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		a.logger.Info().Msg("all subsystems stopped")
	case <-time.After(shutdownGrace):
		a.logger.Warn().Msg("shutdown grace period exceeded")
	}

	a.auditor.Log("shutdown", a.deviceID, "system", nil)
	return a.store.Close()
}

// startMetricsServer exposes /metrics when agent.metrics_addr is set.
func (a *Agent) startMetricsServer() *http.Server {
	addr := a.cfg.Get("agent", "metrics_addr", "")
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		a.logger.Info().Str("addr", addr).Msg("metrics listener started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error().Err(err).Msg("metrics listener failed")
		}
	}()
	return srv
}
