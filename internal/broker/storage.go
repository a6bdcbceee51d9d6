// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugdeck Contributors

package broker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/samber/oops"

	"github.com/plugdeck/plugdeck/internal/hub"
	"github.com/plugdeck/plugdeck/internal/observability"
	"github.com/plugdeck/plugdeck/internal/registry"
	"github.com/plugdeck/plugdeck/internal/variables"
)

// StorageProvider is a concrete storage backend selected by the broker.
type StorageProvider interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, data []byte) error
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Close(ctx context.Context) error
}

// StorageFactory builds a provider instance from its registry descriptor
// and fully-resolved settings.
type StorageFactory func(ctx context.Context, desc *registry.Descriptor, settings map[string]any) (StorageProvider, error)

// storageBinding pairs a provider instance with the config that built it.
// Bindings are swapped whole, never mutated, so in-flight calls keep the
// instance they started with.
type storageBinding struct {
	providerID string
	settings   map[string]any
	instance   StorageProvider
}

// StorageBroker owns at most one active storage provider at a time.
type StorageBroker struct {
	registry  *registry.Registry
	vars      *variables.Service
	bus       *hub.Hub
	factories map[string]StorageFactory

	mu       sync.Mutex
	cfg      Config
	binding  *storageBinding
	watch    map[string]bool
	sub      *hub.Subscription
	setupErr error
}

// NewStorage creates an uninitialized storage broker. Factories is the
// explicit provider registration table: provider plugin id to factory.
func NewStorage(reg *registry.Registry, vars *variables.Service, bus *hub.Hub, factories map[string]StorageFactory) *StorageBroker {
	return &StorageBroker{
		registry:  reg,
		vars:      vars,
		bus:       bus,
		factories: factories,
		watch:     make(map[string]bool),
	}
}

// Initialize selects and builds the provider. A deferred provider id blocks
// the call (bounded); deferred individual settings do not: setup then
// continues in the background and the broker reports ErrNotInitialized
// until it completes. Variables that fed the configuration are watched for
// hot-swap.
func (b *StorageBroker) Initialize(ctx context.Context, cfg Config) error {
	// Validate the provider id up front but keep the deferred sentinel in
	// cfg, so a republished id feeds the next setup instead of the value
	// captured here.
	_, idKeys, err := resolveProviderID(ctx, b.vars, cfg)
	if err != nil {
		return oops.In("storage").Wrap(err)
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

// subscribeLocked registers the hot-swap listener once.
func (b *StorageBroker) subscribeLocked() {
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

func (b *StorageBroker) setupBackground() {
	ctx, cancel := context.WithTimeout(context.Background(), b.cfgSnapshot().settingsWait())
	defer cancel()
	if err := b.setup(ctx); err != nil {
		slog.Error("storage provider setup failed", "error", err)
	}
}

func (b *StorageBroker) cfgSnapshot() Config {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cfg
}

// setup resolves settings, locates the descriptor, invokes the registered
// factory, and swaps the active binding. Missing descriptor and missing
// factory are fatal configuration errors.
func (b *StorageBroker) setup(ctx context.Context) error {
	cfg := b.cfgSnapshot()

	// A deferred id re-resolves on every setup; the variable service serves
	// cached values immediately, so only the very first resolution blocks.
	providerID, _, err := resolveProviderID(ctx, b.vars, cfg)
	if err != nil {
		return b.recordSetupErr(oops.In("storage").Wrap(err))
	}
	errb := oops.In("storage").With("provider", providerID)

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
			Errorf("no storage factory registered for plugin %q", providerID))
	}

	instance, err := factory(ctx, desc, settings)
	if err != nil {
		return b.recordSetupErr(errb.Hint("factory failed").Wrap(err))
	}

	b.mu.Lock()
	old := b.binding
	b.binding = &storageBinding{providerID: providerID, settings: settings, instance: instance}
	b.setupErr = nil
	b.mu.Unlock()

	if old != nil {
		observability.RecordProviderSwap("storage")
		// In-flight calls hold the old instance; close once they drain.
		go func() {
			if err := old.instance.Close(context.Background()); err != nil {
				slog.Warn("failed to close replaced storage provider",
					"provider", old.providerID, "error", err)
			}
		}()
	}

	slog.Info("storage provider ready", "provider", providerID)
	return nil
}

func (b *StorageBroker) recordSetupErr(err error) error {
	b.mu.Lock()
	b.setupErr = err
	b.mu.Unlock()
	return err
}

// provider returns the active instance or a not-initialized error.
func (b *StorageBroker) provider() (StorageProvider, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.binding == nil {
		if b.setupErr != nil {
			return nil, oops.In("storage").Wrap(b.setupErr)
		}
		return nil, oops.In("storage").Wrap(ErrNotInitialized)
	}
	return b.binding.instance, nil
}

// Read returns the object stored under key.
func (b *StorageBroker) Read(ctx context.Context, key string) ([]byte, error) {
	p, err := b.provider()
	if err != nil {
		return nil, err
	}
	return p.Read(ctx, key)
}

// Write stores data under key.
func (b *StorageBroker) Write(ctx context.Context, key string, data []byte) error {
	p, err := b.provider()
	if err != nil {
		return err
	}
	return p.Write(ctx, key, data)
}

// Exists reports whether key is present.
func (b *StorageBroker) Exists(ctx context.Context, key string) (bool, error) {
	p, err := b.provider()
	if err != nil {
		return false, err
	}
	return p.Exists(ctx, key)
}

// Delete removes the object stored under key.
func (b *StorageBroker) Delete(ctx context.Context, key string) error {
	p, err := b.provider()
	if err != nil {
		return err
	}
	return p.Delete(ctx, key)
}

// List returns keys beginning with prefix.
func (b *StorageBroker) List(ctx context.Context, prefix string) ([]string, error) {
	p, err := b.provider()
	if err != nil {
		return nil, err
	}
	return p.List(ctx, prefix)
}

// Ready reports whether setup has completed.
func (b *StorageBroker) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.binding != nil
}

// Close detaches the hot-swap listener and closes the active provider.
func (b *StorageBroker) Close(ctx context.Context) error {
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

// deferredSettingKeys lists the variable keys named by deferred settings.
func deferredSettingKeys(cfg Config) []string {
	var keys []string
	for _, raw := range cfg.Settings {
		if key, deferred := deferredKey(raw); deferred {
			keys = append(keys, key)
		}
	}
	return keys
}
