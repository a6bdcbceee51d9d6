// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugdeck Contributors

// Package registry manages the ordered list of installed plugin descriptors.
package registry

import (
	"regexp"

	"github.com/Masterminds/semver/v3"
	"github.com/samber/oops"
)

// Type identifies what role a plugin plays in the console.
type Type string

// Plugin types recognized by the loader and brokers.
const (
	TypeFeature          Type = "feature"
	TypeLogonProvider    Type = "logonProvider"
	TypeLoggingProvider  Type = "loggingProvider"
	TypeDatabaseProvider Type = "databaseProvider"
	TypeStorageProvider  Type = "storageProvider"
	TypePrinters         Type = "printers"
)

// Runtime identifies how a plugin's entry point is executed.
type Runtime string

// Plugin runtimes.
const (
	// RuntimeBuiltin plugins register a Go initializer in the loader's
	// factory table under their plugin id.
	RuntimeBuiltin Runtime = "builtin"
	// RuntimeLua plugins ship a Lua entry script with an initialize function.
	RuntimeLua Runtime = "lua"
)

// DatabaseRequirement declares that a plugin depends on database schema state.
type DatabaseRequirement struct {
	VerifySchema bool `yaml:"verifySchema" json:"verifySchema"`
}

// Descriptor describes one installed plugin.
type Descriptor struct {
	ID                  string               `yaml:"id" json:"id"`
	DisplayName         string               `yaml:"displayName" json:"displayName"`
	Version             string               `yaml:"version" json:"version"`
	Type                Type                 `yaml:"type" json:"type"`
	Runtime             Runtime              `yaml:"runtime,omitempty" json:"runtime,omitempty"`
	InstallPath         string               `yaml:"installPath,omitempty" json:"installPath,omitempty"`
	EntryPoint          string               `yaml:"entryPoint,omitempty" json:"entryPoint,omitempty"`
	Active              bool                 `yaml:"active" json:"active"`
	Locked              bool                 `yaml:"locked,omitempty" json:"locked,omitempty"`
	LockPinHash         string               `yaml:"lockPinHash,omitempty" json:"lockPinHash,omitempty"`
	RequiredCoreVersion string               `yaml:"requiredCoreVersion,omitempty" json:"requiredCoreVersion,omitempty"`
	Capabilities        []string             `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	Database            *DatabaseRequirement `yaml:"database,omitempty" json:"database,omitempty"`
	Config              map[string]any       `yaml:"config,omitempty" json:"config,omitempty"`
}

// maxIDLength is the maximum allowed length for plugin ids.
const maxIDLength = 64

// idPattern validates plugin ids: lowercase letter first, then lowercase
// letters, digits, or hyphens, not ending with a hyphen.
var idPattern = regexp.MustCompile(`^[a-z]([a-z0-9-]*[a-z0-9])?$`)

// Validate checks descriptor constraints.
func (d *Descriptor) Validate() error {
	errb := oops.Code("CONFIG_INVALID_DESCRIPTOR").With("plugin", d.ID)

	if d.ID == "" || !idPattern.MatchString(d.ID) {
		return errb.Errorf("id %q must start with a-z, contain only a-z, 0-9, hyphens, and not end with a hyphen", d.ID)
	}
	if len(d.ID) > maxIDLength {
		return errb.Errorf("id must be %d characters or less, got %d", maxIDLength, len(d.ID))
	}
	if d.Version == "" {
		return errb.Errorf("version is required")
	}
	if _, err := semver.NewVersion(d.Version); err != nil {
		return errb.With("version", d.Version).Wrap(err)
	}
	if d.RequiredCoreVersion != "" {
		if _, err := semver.NewConstraint(d.RequiredCoreVersion); err != nil {
			return errb.With("requiredCoreVersion", d.RequiredCoreVersion).Hint("invalid semver range").Wrap(err)
		}
	}

	switch d.Type {
	case TypeFeature, TypeLogonProvider, TypeLoggingProvider,
		TypeDatabaseProvider, TypeStorageProvider, TypePrinters:
	default:
		return errb.Errorf("unknown plugin type %q", d.Type)
	}

	switch d.EffectiveRuntime() {
	case RuntimeLua:
		if d.EntryPoint == "" {
			return errb.Errorf("entryPoint is required for lua plugins")
		}
	case RuntimeBuiltin:
	default:
		return errb.Errorf("unknown runtime %q", d.Runtime)
	}

	return nil
}

// EffectiveRuntime resolves the runtime, inferring lua from a .lua entry
// point when the field is unset.
func (d *Descriptor) EffectiveRuntime() Runtime {
	if d.Runtime != "" {
		return d.Runtime
	}
	if len(d.EntryPoint) > 4 && d.EntryPoint[len(d.EntryPoint)-4:] == ".lua" {
		return RuntimeLua
	}
	return RuntimeBuiltin
}

// CoreVersionSatisfied reports whether the running core version satisfies
// the descriptor's required range. Descriptors without a range always pass.
func (d *Descriptor) CoreVersionSatisfied(coreVersion *semver.Version) (bool, error) {
	if d.RequiredCoreVersion == "" {
		return true, nil
	}
	c, err := semver.NewConstraint(d.RequiredCoreVersion)
	if err != nil {
		return false, oops.Code("CONFIG_INVALID_DESCRIPTOR").
			With("plugin", d.ID).
			With("requiredCoreVersion", d.RequiredCoreVersion).
			Wrap(err)
	}
	return c.Check(coreVersion), nil
}
