// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugdeck Contributors

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/spf13/cobra"

	"github.com/plugdeck/plugdeck/internal/broker"
	"github.com/plugdeck/plugdeck/internal/config"
	"github.com/plugdeck/plugdeck/internal/gateway"
	"github.com/plugdeck/plugdeck/internal/hub"
	"github.com/plugdeck/plugdeck/internal/loader"
	"github.com/plugdeck/plugdeck/internal/loader/lua"
	"github.com/plugdeck/plugdeck/internal/logging"
	"github.com/plugdeck/plugdeck/internal/observability"
	"github.com/plugdeck/plugdeck/internal/provider/localdisk"
	"github.com/plugdeck/plugdeck/internal/provider/postgres"
	"github.com/plugdeck/plugdeck/internal/registry"
	"github.com/plugdeck/plugdeck/internal/status"
	"github.com/plugdeck/plugdeck/internal/variables"
	"github.com/plugdeck/plugdeck/internal/xdg"
	"github.com/plugdeck/plugdeck/pkg/errutil"
)

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the console (hub, brokers, plugins, gateway)",
		Long: `Start the console process: load the plugin registry, mount active
plugins, and serve the command gateway.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configFile, cmd.Flags())
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, cmd)
		},
	}

	cmd.Flags().String("gateway-addr", config.DefaultGatewayAddr, "command HTTP listen address")
	cmd.Flags().String("metrics-addr", config.DefaultMetricsAddr, "metrics/health HTTP address (empty = disabled)")
	cmd.Flags().String("data-dir", "", "data directory (default: XDG_DATA_HOME/plugdeck)")
	cmd.Flags().String("registry-path", "", "plugin registry YAML (default: <data dir>/registry.yaml)")
	cmd.Flags().String("log-format", config.DefaultLogFormat, "log format (json or text)")
	cmd.Flags().Duration("watchdog", 0, "plugin initializer timeout (0 = built-in default)")

	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, cmd *cobra.Command) error {
	logging.SetDefault("plugdeck", version, cfg.LogFormat)

	coreVersion, err := parseCoreVersion(version)
	if err != nil {
		return err
	}

	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = xdg.DataDir()
	}
	if err := xdg.EnsureDir(dataDir); err != nil {
		return err
	}

	registryPath := cfg.RegistryPath
	if registryPath == "" {
		registryPath = filepath.Join(dataDir, "registry.yaml")
	}
	reg, err := registry.Load(registryPath)
	if err != nil {
		return fmt.Errorf("failed to load plugin registry: %w", err)
	}

	// Relative install paths resolve under the plugins directory, so a
	// registry can be copied between machines without editing paths.
	pluginsDir := xdg.PluginsDir()
	if cfg.DataDir != "" {
		pluginsDir = filepath.Join(dataDir, "plugins")
	}
	for _, desc := range reg.Descriptors() {
		if desc.InstallPath != "" && !filepath.IsAbs(desc.InstallPath) {
			desc.InstallPath = filepath.Join(pluginsDir, desc.InstallPath)
		}
	}

	statusPath := xdg.StatusPath()
	if cfg.DataDir != "" {
		statusPath = filepath.Join(dataDir, "status.json")
	}
	if err := xdg.EnsureDir(filepath.Dir(statusPath)); err != nil {
		return err
	}
	ledger, err := status.NewPersistentLedger(statusPath)
	if err != nil {
		return err
	}

	bus := hub.New()
	vars := variables.New(bus)

	storageBroker := broker.NewStorage(reg, vars, bus, map[string]broker.StorageFactory{
		localdisk.PluginID: localdisk.New,
	})
	databaseBroker := broker.NewDatabase(reg, vars, bus, map[string]broker.DatabaseFactory{
		postgres.PluginID: postgres.New,
	})

	opts := []loader.Option{
		loader.WithScriptHost(lua.NewHost()),
		// Provider plugins mount through the brokers; their initializers
		// only mark them ready.
		loader.WithBuiltin(localdisk.PluginID, providerInitializer(ledger, localdisk.PluginID)),
		loader.WithBuiltin(postgres.PluginID, providerInitializer(ledger, postgres.PluginID)),
	}
	if cfg.Watchdog > 0 {
		opts = append(opts, loader.WithWatchdog(cfg.Watchdog))
	}
	ldr := loader.New(reg, bus, vars, ledger, storageBroker, databaseBroker, coreVersion, opts...)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Start observability server if configured
	var metrics *observability.Metrics
	var obsServer *observability.Server
	if cfg.MetricsAddr != "" {
		obsServer = observability.NewServer(cfg.MetricsAddr, ldr.Loaded)
		obsErrChan, err := obsServer.Start()
		if err != nil {
			return fmt.Errorf("failed to start observability server: %w", err)
		}
		go monitorServerErrors(ctx, cancel, obsErrChan, "observability")
		metrics = obsServer.Metrics()
		bus.SetBroadcaster(metrics.EventCounter())
		slog.Info("observability server started", "addr", obsServer.Addr())
	}

	correlator := gateway.NewCorrelator(bus)
	gwServer := gateway.NewServer(cfg.GatewayAddr, correlator, reg, ledger, metrics)
	gwErrChan, err := gwServer.Start()
	if err != nil {
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	go monitorServerErrors(ctx, cancel, gwErrChan, "gateway")

	// Broker setup may block on deferred config variables that mounted
	// plugins publish, so it runs alongside plugin loading.
	initializeBroker(ctx, "storage", cfg.Storage, storageBroker.Initialize)
	initializeBroker(ctx, "database", cfg.Database, databaseBroker.Initialize)

	if err := ldr.LoadAll(ctx); err != nil {
		return err
	}

	// Handle signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	cmd.Println("Console started")
	slog.Info("console ready",
		"gateway_addr", gwServer.Addr(),
		"plugins", len(reg.Descriptors()),
	)

	// Wait for shutdown signal or cancellation
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
	case <-ctx.Done():
		slog.Info("context cancelled, shutting down")
	}

	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := gwServer.Stop(shutdownCtx); err != nil {
		slog.Warn("error stopping gateway server", "error", err)
	}
	if obsServer != nil {
		if err := obsServer.Stop(shutdownCtx); err != nil {
			slog.Warn("error stopping observability server", "error", err)
		}
	}
	if err := storageBroker.Close(shutdownCtx); err != nil {
		slog.Warn("error closing storage broker", "error", err)
	}
	if err := databaseBroker.Close(shutdownCtx); err != nil {
		slog.Warn("error closing database broker", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

// initializeBroker starts broker setup in the background when configured.
// Deferred provider ids block until the feeding variable is published, which
// may happen only after plugins mount.
func initializeBroker(ctx context.Context, name string, bcfg config.Broker, initialize func(context.Context, broker.Config) error) {
	if bcfg.Provider == "" {
		slog.Info("broker not configured, skipping", "broker", name)
		return
	}
	cfg := broker.Config{
		ProviderID:   bcfg.Provider,
		Settings:     bcfg.Settings,
		ProviderWait: bcfg.ProviderWait,
		SettingsWait: bcfg.SettingsWait,
	}
	go func() {
		if err := initialize(ctx, cfg); err != nil {
			errutil.LogError(slog.Default().With("broker", name), "broker initialization failed", err)
		}
	}()
}

// providerInitializer returns the builtin initializer for a provider plugin.
// The broker owns the provider's lifecycle, so mounting it only records a
// ready status.
func providerInitializer(ledger *status.Ledger, pluginID string) loader.Initializer {
	return func(_ context.Context, caps *loader.Capabilities) error {
		caps.Log().Info("provider plugin ready")
		return ledger.Set(pluginID, []status.Entry{
			{Label: "Status", Value: "Ready", Severity: status.SeveritySuccess},
		})
	}
}

// parseCoreVersion turns the build version into a semver the loader can
// gate plugins against. Build metadata after the first space is dropped.
func parseCoreVersion(v string) (*semver.Version, error) {
	v, _, _ = strings.Cut(v, " ")
	parsed, err := semver.NewVersion(v)
	if err != nil {
		return nil, fmt.Errorf("invalid build version %q: %w", v, err)
	}
	return parsed, nil
}

// monitorServerErrors monitors a server's error channel and cancels the context on error.
// It exits when either an error is received, the channel is closed, or the context is cancelled.
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
		// Context cancelled, exit monitoring
	}
}
