// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rosey Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/roseybot/rosey/internal/config"
	"github.com/roseybot/rosey/internal/logging"
	"github.com/roseybot/rosey/internal/observability"
	"github.com/roseybot/rosey/internal/plugin"
	"github.com/roseybot/rosey/internal/plugin/proc"
	"github.com/roseybot/rosey/internal/xdg"
	"github.com/roseybot/rosey/pkg/bus"

	_ "github.com/roseybot/rosey/pkg/bus/membus" // mem:// transport
)

// shutdownTimeout bounds the whole StopAll/server-teardown sequence.
const shutdownTimeout = 30 * time.Second

// NewHostCmd creates the host subcommand.
func NewHostCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Start the plugin supervisor",
		Long: `Start the supervisor: discover installed plugins, start them in
dependency order, and keep them healthy until shutdown.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHostWithDeps(cmd.Context(), cmd, nil)
		},
	}

	// Flag defaults must match config.Default: an untouched flag must not
	// override a value set in the config file.
	def := config.Default()
	f := cmd.Flags()
	f.String("bus-url", def.BusURL, "message bus URL (scheme selects the transport)")
	f.String("data-dir", def.DataDir, "root for per-plugin data directories")
	f.String("plugins-dir", def.PluginsDir, "directory containing installed plugins")
	f.String("database-url", def.DatabaseURL, "PostgreSQL URL for the persistent plugin registry (empty = none)")
	f.String("metrics-addr", def.MetricsAddr, "metrics/health HTTP address (empty = disabled)")
	f.String("log-format", def.LogFormat, "log format (json or text)")
	f.Duration("health-interval", def.HealthInterval, "interval between health sweeps")
	f.Duration("check-timeout", def.CheckTimeout, "per-plugin health check timeout")
	f.Duration("stop-grace", def.StopGrace, "SIGTERM grace before SIGKILL")
	f.Int("crash-threshold", def.CrashThreshold, "consecutive crashes before a plugin is disabled")
	f.Duration("max-backoff", def.MaxBackoff, "cap on the crash-restart backoff")

	return cmd
}

// runHostWithDeps starts the supervisor with injectable dependencies.
// If deps is nil, default implementations are used.
func runHostWithDeps(ctx context.Context, cmd *cobra.Command, deps *HostDeps) error {
	if deps == nil {
		deps = &HostDeps{}
	}
	if deps.DialBus == nil {
		deps.DialBus = bus.Dial
	}
	if deps.OpenStore == nil {
		deps.OpenStore = openRegistry
	}

	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return err
	}

	logging.SetDefault("rosey", version, cfg.LogFormat)
	slog.Info("starting plugin supervisor",
		"bus_url", cfg.BusURL,
		"plugins_dir", cfg.PluginsDir,
	)

	conn, err := deps.DialBus(cfg.BusURL)
	if err != nil {
		return oops.Wrapf(err, "dial bus %q", cfg.BusURL)
	}
	defer conn.Close() //nolint:errcheck // best-effort cleanup

	var records plugin.RecordStore
	if cfg.DatabaseURL != "" {
		reg, closeReg, err := deps.OpenStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return oops.Wrapf(err, "open plugin registry")
		}
		defer closeReg()
		records = reg
		slog.Info("plugin registry connected")
	}

	if err := xdg.EnsureDir(cfg.DataDir); err != nil {
		return err
	}

	units := func(m *plugin.Manifest, dir string) plugin.Unit {
		dataDir := filepath.Join(cfg.DataDir, "plugin-data", m.Name)
		if err := xdg.EnsureDir(dataDir); err != nil {
			slog.Warn("cannot create plugin data dir", "plugin", m.Name, "error", err)
		}
		return proc.New(proc.Config{
			Manifest:  m,
			Dir:       dir,
			DataDir:   dataDir,
			BusURL:    cfg.BusURL,
			StopGrace: cfg.StopGrace,
		})
	}

	mgr, err := plugin.NewManager(plugin.ManagerConfig{
		Units:          units,
		Bus:            conn,
		Store:          records,
		PluginsDir:     cfg.PluginsDir,
		HealthInterval: cfg.HealthInterval,
		CheckTimeout:   cfg.CheckTimeout,
		CrashThreshold: cfg.CrashThreshold,
		MaxBackoff:     cfg.MaxBackoff,
	})
	if err != nil {
		return err
	}

	if err := mgr.Discover(ctx); err != nil {
		return err
	}
	if err := mgr.StartAll(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var obs *observability.Server
	if cfg.MetricsAddr != "" {
		obs = observability.NewServer(cfg.MetricsAddr, func() bool { return true })
		obsErrChan, err := obs.Start()
		if err != nil {
			return oops.Wrapf(err, "start observability server")
		}
		go monitorServerErrors(runCtx, cancel, obsErrChan, "observability")
		slog.Info("observability server started", "addr", obs.Addr())
	}

	// Handle signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	mgrErrChan := make(chan error, 1)
	go func() { mgrErrChan <- mgr.Run(runCtx) }()

	cmd.Println("Supervisor started")
	slog.Info("supervisor ready", "plugins", len(mgr.List()))

	// Wait for shutdown signal or error
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	case <-runCtx.Done():
		slog.Info("context cancelled, shutting down")
	}

	// Graceful shutdown
	slog.Info("shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := mgr.StopAll(shutdownCtx); err != nil {
		slog.Warn("error stopping plugins", "error", err)
	}
	cancel()
	if err := <-mgrErrChan; err != nil {
		slog.Warn("manager loop error", "error", err)
	}

	if obs != nil {
		if err := obs.Stop(shutdownCtx); err != nil {
			slog.Warn("error stopping observability server", "error", err)
		}
	}

	slog.Info("shutdown complete")
	return nil
}

// monitorServerErrors cancels the run context when a server fails, so a dead
// metrics endpoint takes the process down cleanly instead of silently.
// It exits when an error arrives, the channel closes, or the context ends.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			// Channel closed, server stopped gracefully
			return
		}
		if err != nil {
			slog.Error("server error, triggering shutdown",
				"server", serverName,
				"error", err,
			)
			cancel()
		}
	case <-ctx.Done():
	}
}
