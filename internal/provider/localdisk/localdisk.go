// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugdeck Contributors

// Package localdisk implements the storage provider backed by a directory
// on the local filesystem.
package localdisk

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/samber/oops"

	"github.com/plugdeck/plugdeck/internal/broker"
	"github.com/plugdeck/plugdeck/internal/registry"
)

// PluginID is the provider plugin id this factory is registered under.
const PluginID = "storage-localdisk"

// ErrNotFound is returned when a key has no stored object.
var ErrNotFound = oops.Code("STORAGE_NOT_FOUND").Errorf("object not found")

// Provider stores objects as files under a repository root.
type Provider struct {
	root string
}

// Compile-time interface check.
var _ broker.StorageProvider = (*Provider)(nil)

// New builds a provider from resolved settings. The repositoryPath setting
// is required; the directory is created if absent.
func New(_ context.Context, _ *registry.Descriptor, settings map[string]any) (broker.StorageProvider, error) {
	root, _ := settings["repositoryPath"].(string)
	if root == "" {
		return nil, oops.Code("CONFIG_INVALID_VALUE").
			With("provider", PluginID).
			Errorf("repositoryPath setting is required")
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, oops.With("provider", PluginID).With("path", root).Wrap(err)
	}
	return &Provider{root: root}, nil
}

// Root returns the repository root this instance is scoped to.
func (p *Provider) Root() string {
	return p.root
}

// resolve maps a storage key to a path inside the root, rejecting keys
// that would escape it.
func (p *Provider) resolve(key string) (string, error) {
	if key == "" {
		return "", oops.Code("STORAGE_INVALID_KEY").Errorf("key cannot be empty")
	}
	path := filepath.Join(p.root, filepath.FromSlash(key))
	rel, err := filepath.Rel(p.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", oops.Code("STORAGE_INVALID_KEY").
			With("key", key).
			Errorf("key escapes the repository root")
	}
	return path, nil
}

// Read returns the object stored under key.
func (p *Provider) Read(_ context.Context, key string) ([]byte, error) {
	path, err := p.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path) //nolint:gosec // path is confined to the repository root
	if err != nil {
		if os.IsNotExist(err) {
			return nil, oops.With("key", key).Wrap(ErrNotFound)
		}
		return nil, oops.With("key", key).Wrap(err)
	}
	return data, nil
}

// Write stores data under key, creating intermediate directories.
func (p *Provider) Write(_ context.Context, key string, data []byte) error {
	path, err := p.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return oops.With("key", key).Wrap(err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return oops.With("key", key).Wrap(err)
	}
	return nil
}

// Exists reports whether key has a stored object.
func (p *Provider) Exists(_ context.Context, key string) (bool, error) {
	path, err := p.resolve(key)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, oops.With("key", key).Wrap(err)
	}
	return true, nil
}

// Delete removes the object stored under key. Deleting an absent key is
// a no-op.
func (p *Provider) Delete(_ context.Context, key string) error {
	path, err := p.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return oops.With("key", key).Wrap(err)
	}
	return nil
}

// List returns the keys beginning with prefix, in lexical order.
func (p *Provider) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(p.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(p.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, oops.With("prefix", prefix).Wrap(err)
	}
	return keys, nil
}

// Close is a no-op for the local filesystem.
func (p *Provider) Close(_ context.Context) error {
	return nil
}
