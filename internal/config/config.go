// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugdeck Contributors

// Package config loads console configuration by layering an optional YAML
// file under command-line flags. Flag values win over the file; file values
// win over built-in defaults.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"
)

// Defaults applied when neither file nor flag provides a value.
const (
	DefaultGatewayAddr = "127.0.0.1:8420"
	DefaultMetricsAddr = "127.0.0.1:9100"
	DefaultLogFormat   = "json"
)

// Broker selects and configures one resource broker.
type Broker struct {
	// Provider is a provider plugin id, literal or "@var:"-deferred.
	Provider string `koanf:"provider"`
	// Settings is the provider config map; values may be deferred.
	Settings map[string]any `koanf:"settings"`
	// ProviderWait bounds resolution of a deferred provider id.
	ProviderWait time.Duration `koanf:"provider_wait"`
	// SettingsWait bounds resolution of deferred setting values.
	SettingsWait time.Duration `koanf:"settings_wait"`
}

// Config is the full console configuration.
type Config struct {
	// GatewayAddr is the command HTTP listen address.
	GatewayAddr string `koanf:"gateway_addr"`
	// MetricsAddr is the metrics/health HTTP address, empty disables it.
	MetricsAddr string `koanf:"metrics_addr"`
	// DataDir overrides the XDG data directory.
	DataDir string `koanf:"data_dir"`
	// RegistryPath points at the plugin registry YAML. Defaults to
	// <data dir>/registry.yaml when empty.
	RegistryPath string `koanf:"registry_path"`
	// LogFormat is "json" or "text".
	LogFormat string `koanf:"log_format"`
	// Watchdog bounds each plugin initializer, zero means the built-in
	// default.
	Watchdog time.Duration `koanf:"watchdog"`
	// Database configures the database broker.
	Database Broker `koanf:"database"`
	// Storage configures the storage broker.
	Storage Broker `koanf:"storage"`
}

// Validate checks field values that have a closed set of legal forms.
func (c *Config) Validate() error {
	if c.GatewayAddr == "" {
		return oops.Code("CONFIG_INVALID").Errorf("gateway_addr is required")
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return oops.Code("CONFIG_INVALID").
			Errorf("log_format must be 'json' or 'text', got %q", c.LogFormat)
	}
	return nil
}

// Load builds the effective configuration. path may be empty, in which case
// only defaults and flags apply. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			if !os.IsNotExist(err) {
				return nil, oops.Code("CONFIG_LOAD_FAILED").With("path", path).Wrap(err)
			}
			return nil, oops.Code("CONFIG_NOT_FOUND").With("path", path).Wrap(err)
		}
	}

	if flags != nil {
		// Flag names use dashes, config keys use underscores.
		provider := posflag.ProviderWithValue(flags, ".", k, func(key string, value string) (string, any) {
			return strings.ReplaceAll(key, "-", "_"), value
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, oops.Code("CONFIG_LOAD_FAILED").Wrap(err)
		}
	}

	cfg := &Config{
		GatewayAddr: DefaultGatewayAddr,
		MetricsAddr: DefaultMetricsAddr,
		LogFormat:   DefaultLogFormat,
	}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, oops.Code("CONFIG_LOAD_FAILED").Wrap(err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
