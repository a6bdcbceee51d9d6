// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugdeck Contributors

// Package broker presents stable database and storage APIs backed by
// swappable provider plugins chosen at runtime. Provider configuration may
// arrive after process start through the variable service; brokers resolve
// deferred references and hot-swap providers when the feeding variables
// are republished.
package broker

import (
	"context"
	"strings"
	"time"

	"github.com/samber/oops"

	"github.com/plugdeck/plugdeck/internal/variables"
)

// DeferredPrefix marks a config value that names a variable to resolve
// instead of being used literally, e.g. "@var:storage-localdisk.repositoryPath".
const DeferredPrefix = "@var:"

// SystemCaller is the identity allowed to touch the administrative
// database namespace.
const SystemCaller = "system"

// Default bounds for deferred resolution.
const (
	// DefaultProviderWait bounds resolution of a deferred provider plugin
	// id. Setup cannot start without it, so the wait is startup-critical.
	DefaultProviderWait = 30 * time.Second
	// DefaultSettingsWait bounds background resolution of individual
	// deferred config values.
	DefaultSettingsWait = 60 * time.Second
)

// ErrNotInitialized is returned by every broker operation invoked before
// provider setup has completed.
var ErrNotInitialized = oops.Code("BROKER_NOT_INITIALIZED").Errorf("broker not initialized")

// Config selects and configures a broker's provider. Any string value
// carrying DeferredPrefix is resolved through the variable service.
type Config struct {
	// ProviderID is the provider plugin id, or a deferred reference to one.
	ProviderID string
	// Settings is the provider-specific config map.
	Settings map[string]any
	// ProviderWait overrides DefaultProviderWait when positive.
	ProviderWait time.Duration
	// SettingsWait overrides DefaultSettingsWait when positive.
	SettingsWait time.Duration
}

func (c Config) providerWait() time.Duration {
	if c.ProviderWait > 0 {
		return c.ProviderWait
	}
	return DefaultProviderWait
}

func (c Config) settingsWait() time.Duration {
	if c.SettingsWait > 0 {
		return c.SettingsWait
	}
	return DefaultSettingsWait
}

// deferredKey reports whether v is a deferred reference and, if so, the
// fully-qualified variable key it names.
func deferredKey(v any) (string, bool) {
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	key, found := strings.CutPrefix(s, DeferredPrefix)
	if !found || key == "" {
		return "", false
	}
	return key, true
}

// resolveProviderID returns the literal provider id, blocking on the
// variable service when the id itself is deferred. The second return lists
// the variable keys that fed the result, for hot-swap subscriptions.
func resolveProviderID(ctx context.Context, vars *variables.Service, cfg Config) (string, []string, error) {
	key, deferred := deferredKey(cfg.ProviderID)
	if !deferred {
		return cfg.ProviderID, nil, nil
	}
	v, err := vars.Get(ctx, key, cfg.providerWait())
	if err != nil {
		return "", nil, oops.With("key", key).Hint("deferred provider id never published").Wrap(err)
	}
	id, ok := v.(string)
	if !ok {
		return "", nil, oops.Code("CONFIG_INVALID_VALUE").
			With("key", key).
			Errorf("deferred provider id must resolve to a string, got %T", v)
	}
	return id, []string{key}, nil
}

// resolveSettings resolves every deferred value in cfg.Settings, blocking
// up to the settings bound per value. It returns the fully-literal settings
// map and the variable keys that fed it.
func resolveSettings(ctx context.Context, vars *variables.Service, cfg Config) (map[string]any, []string, error) {
	resolved := make(map[string]any, len(cfg.Settings))
	var watch []string
	for name, raw := range cfg.Settings {
		key, deferred := deferredKey(raw)
		if !deferred {
			resolved[name] = raw
			continue
		}
		v, err := vars.Get(ctx, key, cfg.settingsWait())
		if err != nil {
			return nil, nil, oops.With("setting", name).With("key", key).Wrap(err)
		}
		resolved[name] = v
		watch = append(watch, key)
	}
	return resolved, watch, nil
}

// hasDeferredSettings reports whether any setting value needs resolution.
func hasDeferredSettings(cfg Config) bool {
	for _, raw := range cfg.Settings {
		if _, deferred := deferredKey(raw); deferred {
			return true
		}
	}
	return false
}

// watchSet builds a lookup of variable keys a broker must react to.
func watchSet(keys ...[]string) map[string]bool {
	set := make(map[string]bool)
	for _, list := range keys {
		for _, k := range list {
			set[k] = true
		}
	}
	return set
}
