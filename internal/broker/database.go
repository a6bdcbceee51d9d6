// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugdeck Contributors

package broker

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/samber/oops"

	"github.com/plugdeck/plugdeck/internal/hub"
	"github.com/plugdeck/plugdeck/internal/observability"
	"github.com/plugdeck/plugdeck/internal/registry"
	"github.com/plugdeck/plugdeck/internal/variables"
)

// systemNamespace prefixes administrative tables. Queries referencing it
// are rejected unless the caller is the system identity. The check is a
// substring match, not a query-plan-aware sandbox; it is deliberately
// approximate.
const systemNamespace = "plugdeck_sys"

// SchemaReport is the result of comparing the live database schema against
// the expected migration set.
type SchemaReport struct {
	CurrentVersion  uint
	ExpectedVersion uint
	Dirty           bool
	InSync          bool
}

// Row is a single query result row keyed by column name.
type Row map[string]any

// DatabaseProvider is a concrete database backend selected by the broker.
type DatabaseProvider interface {
	Query(ctx context.Context, sql string, args ...any) ([]Row, error)
	SyncSchema(ctx context.Context) (SchemaReport, error)
	Close(ctx context.Context) error
}

// DatabaseFactory builds a provider instance from its registry descriptor
// and fully-resolved settings.
type DatabaseFactory func(ctx context.Context, desc *registry.Descriptor, settings map[string]any) (DatabaseProvider, error)

type databaseBinding struct {
	providerID string
	settings   map[string]any
	instance   DatabaseProvider
}

// DatabaseBroker owns at most one active database provider at a time.
type DatabaseBroker struct {
	registry  *registry.Registry
	vars      *variables.Service
	bus       *hub.Hub
	factories map[string]DatabaseFactory

	mu       sync.Mutex
	cfg      Config
	binding  *databaseBinding
	watch    map[string]bool
	sub      *hub.Subscription
	setupErr error
}

// NewDatabase creates an uninitialized database broker with an explicit
// provider registration table.
func NewDatabase(reg *registry.Registry, vars *variables.Service, bus *hub.Hub, factories map[string]DatabaseFactory) *DatabaseBroker {
	return &DatabaseBroker{
		registry:  reg,
		vars:      vars,
		bus:       bus,
		factories: factories,
		watch:     make(map[string]bool),
	}
}

// Initialize selects and builds the provider, following the same deferred
// resolution protocol as the storage broker: a deferred provider id blocks
// (bounded), deferred settings resolve in the background.
func (b *DatabaseBroker) Initialize(ctx context.Context, cfg Config) error {
	// Validate the provider id up front but keep the deferred sentinel in
	// cfg, so a republished id feeds the next setup instead of the value
	// captured here.
	_, idKeys, err := resolveProviderID(ctx, b.vars, cfg)
	if err != nil {
		return oops.In("database").Wrap(err)
	}

	settingKeys := deferredSettingKeys(cfg)

	b.mu.Lock()
	b.cfg = cfg
	b.watch = watchSet(idKeys, settingKeys)
	b.subscribeLocked()
	b.mu.Unlock()

	if hasDeferredSettings(cfg) {
		go b.setupBackground()
		return nil
	}
	return b.setup(ctx)
}

func (b *DatabaseBroker) subscribeLocked() {
	if b.sub != nil || len(b.watch) == 0 {
		return
	}
	b.sub = b.bus.Subscribe(hub.EventVariableUpdated, func(ev hub.Event) {
		key, _ := ev.Payload["key"].(string)
		b.mu.Lock()
		relevant := b.watch[key]
		b.mu.Unlock()
		if relevant {
			go b.setupBackground()
		}
	})
}

func (b *DatabaseBroker) setupBackground() {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfgSnapshot().settingsWait())
	defer cancel()
	if err := b.setup(ctx); err != nil {
		slog.Error("database provider setup failed", "error", err)
	}
}

func (b *DatabaseBroker) cfgSnapshot() Config {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg
}

func (b *DatabaseBroker) setup(ctx context.Context) error {
	cfg := b.cfgSnapshot()

	// A deferred id re-resolves on every setup; the variable service serves
	// cached values immediately, so only the very first resolution blocks.
	providerID, _, err := resolveProviderID(ctx, b.vars, cfg)
	if err != nil {
		return b.recordSetupErr(oops.In("database").Wrap(err))
	}
	errb := oops.In("database").With("provider", providerID)

	settings, _, err := resolveSettings(ctx, b.vars, cfg)
	if err != nil {
		return b.recordSetupErr(errb.Wrap(err))
	}

	desc, err := b.registry.Find(providerID)
	if err != nil {
		return b.recordSetupErr(errb.Code("CONFIG_MISSING_DESCRIPTOR").
			Errorf("provider plugin %q is not in the registry", providerID))
	}

	factory, ok := b.factories[providerID]
	if !ok {
		return b.recordSetupErr(errb.Code("CONFIG_MISSING_FACTORY").
			Errorf("no database factory registered for plugin %q", providerID))
	}

	instance, err := factory(ctx, desc, settings)
	if err != nil {
		return b.recordSetupErr(errb.Hint("factory failed").Wrap(err))
	}

	b.mu.Lock()
	old := b.binding
	b.binding = &databaseBinding{providerID: providerID, settings: settings, instance: instance}
	b.setupErr = nil
	b.mu.Unlock()

	if old != nil {
		observability.RecordProviderSwap("database")
		go func() {
			if err := old.instance.Close(context.Background()); err != nil {
				slog.Warn("failed to close replaced database provider",
					"provider", old.providerID, "error", err)
			}
		}()
	}

	slog.Info("database provider ready", "provider", providerID)
	return nil
}

func (b *DatabaseBroker) recordSetupErr(err error) error {
	b.mu.Lock()
	b.setupErr = err
	b.mu.Unlock()
	return err
}

func (b *DatabaseBroker) provider() (DatabaseProvider, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.binding == nil {
		if b.setupErr != nil {
			return nil, oops.In("database").Wrap(b.setupErr)
		}
		return nil, oops.In("database").Wrap(ErrNotInitialized)
	}
	return b.binding.instance, nil
}

// Query executes a query for the given caller. Queries referencing the
// administrative namespace are rejected before reaching the provider
// unless the caller is the system identity.
func (b *DatabaseBroker) Query(ctx context.Context, caller, sql string, args ...any) ([]Row, error) {
	if caller != SystemCaller && strings.Contains(strings.ToLower(sql), systemNamespace) {
		return nil, oops.Code("NAMESPACE_DENIED").
			With("caller", caller).
			Errorf("query touches the %s namespace", systemNamespace)
	}
	p, err := b.provider()
	if err != nil {
		return nil, err
	}
	return p.Query(ctx, sql, args...)
}

// SyncSchema compares (and, provider permitting, reconciles) the live
// schema against the expected migration set.
func (b *DatabaseBroker) SyncSchema(ctx context.Context) (SchemaReport, error) {
	p, err := b.provider()
	if err != nil {
		return SchemaReport{}, err
	}
	return p.SyncSchema(ctx)
}

// Ready reports whether setup has completed.
func (b *DatabaseBroker) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.binding != nil
}

// Close detaches the hot-swap listener and closes the active provider.
func (b *DatabaseBroker) Close(ctx context.Context) error {
	b.mu.Lock()
	sub := b.sub
	b.sub = nil
	binding := b.binding
	b.binding = nil
	b.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
	if binding != nil {
		return binding.instance.Close(ctx)
	}
	return nil
}
