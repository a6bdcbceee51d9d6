// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugdeck Contributors

package registry

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/samber/oops"
	"gopkg.in/yaml.v3"
)

// File is the on-disk shape of the plugin registry.
type File struct {
	Plugins []*Descriptor `yaml:"plugins" json:"plugins"`
}

// ErrNotFound is returned when a plugin id is not in the registry.
var ErrNotFound = oops.Code("REGISTRY_NOT_FOUND").Errorf("plugin not found")

// ErrLocked is returned when a destructive operation targets a locked plugin.
var ErrLocked = oops.Code("REGISTRY_LOCKED").Errorf("plugin is locked")

// Registry holds the ordered plugin descriptors read from the registry file.
type Registry struct {
	mu          sync.Mutex
	path        string // empty disables persistence
	descriptors []*Descriptor
	hasher      *PinHasher
}

// New creates an in-memory registry from descriptors, enforcing the
// unique-id invariant.
func New(descriptors []*Descriptor) (*Registry, error) {
	r := &Registry{descriptors: descriptors, hasher: NewPinHasher()}
	if err := r.validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Load reads and validates the registry file at path. The document is
// checked against the generated JSON schema before descriptors are decoded.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, oops.Code("CONFIG_REGISTRY_UNREADABLE").With("path", path).Wrap(err)
	}

	if err := ValidateSchema(data); err != nil {
		return nil, oops.Code("CONFIG_REGISTRY_INVALID").With("path", path).Wrap(err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, oops.Code("CONFIG_REGISTRY_INVALID").With("path", path).Wrap(err)
	}

	r := &Registry{path: path, descriptors: f.Plugins, hasher: NewPinHasher()}
	if err := r.validate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) validate() error {
	seen := make(map[string]bool, len(r.descriptors))
	for _, d := range r.descriptors {
		if err := d.Validate(); err != nil {
			return err
		}
		if seen[d.ID] {
			return oops.Code("CONFIG_REGISTRY_INVALID").
				With("plugin", d.ID).
				Errorf("duplicate plugin id %q", d.ID)
		}
		seen[d.ID] = true
	}
	return nil
}

// Descriptors returns the descriptors in registry order.
func (r *Registry) Descriptors() []*Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Descriptor, len(r.descriptors))
	copy(out, r.descriptors)
	return out
}

// Find returns the descriptor for a plugin id.
func (r *Registry) Find(id string) (*Descriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findLocked(id)
}

func (r *Registry) findLocked(id string) (*Descriptor, error) {
	for _, d := range r.descriptors {
		if d.ID == id {
			return d, nil
		}
	}
	return nil, oops.With("plugin", id).Wrap(ErrNotFound)
}

// SetActive toggles whether the loader mounts a plugin. Locked plugins
// reject deactivation but may still be activated.
func (r *Registry) SetActive(id string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, err := r.findLocked(id)
	if err != nil {
		return err
	}
	if d.Locked && !active {
		return oops.With("plugin", id).Wrap(ErrLocked)
	}
	d.Active = active
	return r.saveLocked()
}

// Remove deletes a plugin descriptor. Locked plugins reject removal.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, d := range r.descriptors {
		if d.ID != id {
			continue
		}
		if d.Locked {
			return oops.With("plugin", id).Wrap(ErrLocked)
		}
		r.descriptors = append(r.descriptors[:i], r.descriptors[i+1:]...)
		return r.saveLocked()
	}
	return oops.With("plugin", id).Wrap(ErrNotFound)
}

// Lock marks a plugin locked, storing an argon2id hash of the pin that
// the out-of-band unlock challenge must present.
func (r *Registry) Lock(id, pin string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, err := r.findLocked(id)
	if err != nil {
		return err
	}
	hash, err := r.hasher.Hash(pin)
	if err != nil {
		return err
	}
	d.Locked = true
	d.LockPinHash = hash
	return r.saveLocked()
}

// Unlock clears the lock if the pin matches the stored hash.
func (r *Registry) Unlock(id, pin string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, err := r.findLocked(id)
	if err != nil {
		return err
	}
	if !d.Locked {
		return nil
	}
	ok, err := r.hasher.Verify(pin, d.LockPinHash)
	if err != nil {
		return err
	}
	if !ok {
		return oops.Code("REGISTRY_PIN_MISMATCH").
			With("plugin", id).
			Errorf("unlock pin does not match")
	}
	d.Locked = false
	d.LockPinHash = ""
	return r.saveLocked()
}

// Save persists the registry to its backing file, if any.
func (r *Registry) Save() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saveLocked()
}

func (r *Registry) saveLocked() error {
	if r.path == "" {
		return nil
	}
	data, err := yaml.Marshal(File{Plugins: r.descriptors})
	if err != nil {
		return oops.Code("CONFIG_REGISTRY_INVALID").Wrap(err)
	}
	if err := os.WriteFile(r.path, data, 0o600); err != nil {
		return oops.Code("CONFIG_REGISTRY_UNREADABLE").With("path", r.path).Wrap(err)
	}
	return nil
}
