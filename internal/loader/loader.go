// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugdeck Contributors

// Package loader brings active registry entries from registered to mounted,
// isolating each plugin's failure from the others.
package loader

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/samber/oops"

	"github.com/plugdeck/plugdeck/internal/broker"
	"github.com/plugdeck/plugdeck/internal/hub"
	"github.com/plugdeck/plugdeck/internal/loader/capability"
	"github.com/plugdeck/plugdeck/internal/logging"
	"github.com/plugdeck/plugdeck/internal/observability"
	"github.com/plugdeck/plugdeck/internal/registry"
	"github.com/plugdeck/plugdeck/internal/status"
	"github.com/plugdeck/plugdeck/internal/variables"
)

// DefaultWatchdog bounds how long a plugin initializer may run.
const DefaultWatchdog = 30 * time.Second

// State tracks a plugin through its lifecycle.
type State string

// Plugin lifecycle states.
const (
	StateRegistered     State = "registered"
	StateVersionChecked State = "versionChecked"
	StateSchemaVerified State = "schemaVerified"
	StateInitializing   State = "initializing"
	StateMounted        State = "mounted"
	StateFailed         State = "failed"
)

// Initializer is the entry point of a builtin (Go) plugin.
type Initializer func(ctx context.Context, caps *Capabilities) error

// ScriptHost executes script-based plugin initializers (the Lua runtime).
type ScriptHost interface {
	Initialize(ctx context.Context, desc *registry.Descriptor, caps *Capabilities) error
	Close(ctx context.Context) error
}

// Option configures the Loader.
type Option func(*Loader)

// WithWatchdog overrides the initializer watchdog timeout.
func WithWatchdog(d time.Duration) Option {
	return func(l *Loader) { l.watchdog = d }
}

// WithScriptHost sets the host for lua-runtime plugins.
func WithScriptHost(h ScriptHost) Option {
	return func(l *Loader) { l.scriptHost = h }
}

// WithBuiltin registers a Go initializer in the factory table under a
// plugin id. This is the explicit registration table: adding a provider or
// feature plugin requires no loader change, only a registration call.
func WithBuiltin(pluginID string, init Initializer) Option {
	return func(l *Loader) { l.builtins[pluginID] = init }
}

// Loader orchestrates plugin startup.
type Loader struct {
	registry    *registry.Registry
	bus         *hub.Hub
	vars        *variables.Service
	ledger      *status.Ledger
	storage     *broker.StorageBroker
	database    *broker.DatabaseBroker
	enforcer    *capability.Enforcer
	coreVersion *semver.Version
	builtins    map[string]Initializer
	scriptHost  ScriptHost
	watchdog    time.Duration

	loaded atomic.Bool

	mu     sync.Mutex
	states map[string]State
}

// New creates a loader. coreVersion is the running core's semver, checked
// against each descriptor's required range.
func New(
	reg *registry.Registry,
	bus *hub.Hub,
	vars *variables.Service,
	ledger *status.Ledger,
	storageBroker *broker.StorageBroker,
	databaseBroker *broker.DatabaseBroker,
	coreVersion *semver.Version,
	opts ...Option,
) *Loader {
	l := &Loader{
		registry:    reg,
		bus:         bus,
		vars:        vars,
		ledger:      ledger,
		storage:     storageBroker,
		database:    databaseBroker,
		enforcer:    capability.NewEnforcer(),
		coreVersion: coreVersion,
		builtins:    make(map[string]Initializer),
		watchdog:    DefaultWatchdog,
		states:      make(map[string]State),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LoadAll mounts every active plugin in registry order. Failures are
// converted to status entries and lifecycle events; LoadAll itself returns
// nil even if every plugin failed. A second call while already loaded is a
// no-op, because the hosting process may invoke it again during warm reload.
func (l *Loader) LoadAll(ctx context.Context) error {
	if !l.loaded.CompareAndSwap(false, true) {
		slog.Debug("plugins already loaded, skipping")
		return nil
	}

	for _, desc := range l.registry.Descriptors() {
		if !desc.Active {
			slog.Debug("skipping inactive plugin", "plugin", desc.ID)
			continue
		}
		if err := l.loadOne(ctx, desc); err != nil {
			l.fail(desc, err)
			continue
		}
		l.setState(desc.ID, StateMounted)
		observability.RecordPluginLoad("mounted")
		l.bus.Emit(hub.EventPluginMounted, hub.SystemSource, hub.OutcomeSuccess, map[string]any{
			"pluginId": desc.ID,
			"type":     string(desc.Type),
		})
		slog.Info("mounted plugin",
			"plugin", desc.ID,
			"type", desc.Type,
			"version", desc.Version)
	}

	return nil
}

// Loaded reports whether LoadAll has run.
func (l *Loader) Loaded() bool {
	return l.loaded.Load()
}

// States returns a snapshot of every plugin's lifecycle state.
func (l *Loader) States() map[string]State {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]State, len(l.states))
	for id, s := range l.states {
		out[id] = s
	}
	return out
}

func (l *Loader) setState(id string, s State) {
	l.mu.Lock()
	l.states[id] = s
	l.mu.Unlock()
}

func (l *Loader) loadOne(ctx context.Context, desc *registry.Descriptor) error {
	l.setState(desc.ID, StateRegistered)

	// Version gate: runs before the plugin's module is ever touched.
	ok, err := desc.CoreVersionSatisfied(l.coreVersion)
	if err != nil {
		return err
	}
	if !ok {
		return oops.Code("VERSION_MISMATCH").
			With("plugin", desc.ID).
			With("required", desc.RequiredCoreVersion).
			With("core", l.coreVersion.String()).
			Errorf("plugin %q requires core %s, running %s", desc.ID, desc.RequiredCoreVersion, l.coreVersion)
	}
	l.setState(desc.ID, StateVersionChecked)

	// Schema mismatch degrades rather than blocks mounting.
	if desc.Database != nil && desc.Database.VerifySchema && l.database != nil {
		l.verifySchema(ctx, desc)
	}
	l.setState(desc.ID, StateSchemaVerified)

	caps, err := l.buildCapabilities(desc)
	if err != nil {
		return err
	}

	l.setState(desc.ID, StateInitializing)
	return l.runInitializer(ctx, desc, caps)
}

func (l *Loader) verifySchema(ctx context.Context, desc *registry.Descriptor) {
	report, err := l.database.SyncSchema(ctx)
	if err != nil {
		l.recordSchemaProblem(desc, fmt.Sprintf("schema verification failed: %v", err))
		return
	}
	if !report.InSync {
		l.recordSchemaProblem(desc, fmt.Sprintf(
			"database schema at version %d, expected %d", report.CurrentVersion, report.ExpectedVersion))
	}
}

func (l *Loader) recordSchemaProblem(desc *registry.Descriptor, detail string) {
	if err := l.ledger.Set(desc.ID, []status.Entry{
		{Label: "Status", Value: "Schema Mismatch", Severity: status.SeverityError},
		{Label: "Error", Value: detail, Severity: status.SeverityError},
	}); err != nil {
		slog.Warn("failed to record schema status", "plugin", desc.ID, "error", err)
	}
	l.bus.Emit(hub.EventSystemAlert, hub.SystemSource, hub.OutcomeFailure, map[string]any{
		"pluginId": desc.ID,
		"alert":    "schema mismatch",
		"detail":   detail,
	})
	slog.Warn("schema mismatch, mounting anyway", "plugin", desc.ID, "detail", detail)
}

func (l *Loader) buildCapabilities(desc *registry.Descriptor) (*Capabilities, error) {
	grants := desc.Capabilities
	if len(grants) == 0 {
		// Descriptors that declare nothing keep the full capability
		// surface, matching consoles installed before grants existed.
		grants = []string{"**"}
	}
	if err := l.enforcer.SetGrants(desc.ID, grants); err != nil {
		return nil, oops.Code("CONFIG_INVALID_DESCRIPTOR").With("plugin", desc.ID).Wrap(err)
	}
	return &Capabilities{
		pluginID: desc.ID,
		enforcer: l.enforcer,
		bus:      l.bus,
		vars:     l.vars,
		storage:  l.storage,
		database: l.database,
		logger:   logging.ForPlugin(slog.Default(), desc.ID),
	}, nil
}

// runInitializer races the plugin's initializer against the watchdog.
// A watchdog expiry is a dedicated error kind, distinct from an
// initializer error or panic.
func (l *Loader) runInitializer(ctx context.Context, desc *registry.Descriptor, caps *Capabilities) error {
	init, err := l.resolveInitializer(desc)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, l.watchdog)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- oops.Code("PLUGIN_INIT_FAILED").
					With("plugin", desc.ID).
					Errorf("initializer panicked: %v", r)
			}
		}()
		done <- init(ctx, caps)
	}()

	select {
	case err := <-done:
		if err != nil {
			return oops.Code("PLUGIN_INIT_FAILED").With("plugin", desc.ID).Wrap(err)
		}
		return nil
	case <-ctx.Done():
		return oops.Code("WATCHDOG_TIMEOUT").
			With("plugin", desc.ID).
			With("timeout", l.watchdog.String()).
			Errorf("initializer for %q did not return within %s", desc.ID, l.watchdog)
	}
}

func (l *Loader) resolveInitializer(desc *registry.Descriptor) (Initializer, error) {
	switch desc.EffectiveRuntime() {
	case registry.RuntimeBuiltin:
		init, ok := l.builtins[desc.ID]
		if !ok {
			return nil, oops.Code("CONFIG_MISSING_FACTORY").
				With("plugin", desc.ID).
				Errorf("no builtin initializer registered for plugin %q", desc.ID)
		}
		return init, nil
	case registry.RuntimeLua:
		if l.scriptHost == nil {
			return nil, oops.Code("CONFIG_MISSING_FACTORY").
				With("plugin", desc.ID).
				Errorf("no script host configured for lua plugin %q", desc.ID)
		}
		return func(ctx context.Context, caps *Capabilities) error {
			return l.scriptHost.Initialize(ctx, desc, caps)
		}, nil
	default:
		return nil, oops.Code("CONFIG_INVALID_DESCRIPTOR").
			With("plugin", desc.ID).
			Errorf("unknown runtime %q", desc.Runtime)
	}
}

func (l *Loader) fail(desc *registry.Descriptor, err error) {
	l.setState(desc.ID, StateFailed)
	observability.RecordPluginLoad("failed")
	l.enforcer.RemoveGrants(desc.ID)

	if ledgerErr := l.ledger.Set(desc.ID, []status.Entry{
		{Label: "Status", Value: "Failed to Load", Severity: status.SeverityError},
		{Label: "Error", Value: err.Error(), Severity: status.SeverityError},
	}); ledgerErr != nil {
		slog.Warn("failed to record failure status", "plugin", desc.ID, "error", ledgerErr)
	}

	l.bus.Emit(hub.EventPluginFailed, hub.SystemSource, hub.OutcomeFailure, map[string]any{
		"pluginId": desc.ID,
		"error":    err.Error(),
	})

	slog.Error("failed to load plugin",
		"plugin", desc.ID,
		"error", err)
}
