// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugdeck Contributors

// Package capability provides runtime capability enforcement for plugins.
//
// Pattern matching uses gobwas/glob with '.' as the segment separator:
//   - '*' matches a single segment (does not cross '.')
//   - '**' matches zero or more segments (crosses '.')
//
// Examples:
//   - "storage.*" matches "storage.read" but NOT "storage.read.archive"
//   - "storage.**" matches both
//   - "**" matches any capability
package capability

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gobwas/glob"
)

// compiledGrant holds a pattern and its compiled glob for efficient matching.
type compiledGrant struct {
	pattern string
	glob    glob.Glob
}

// Enforcer checks plugin capabilities at runtime.
//
// Enforcer is safe for concurrent use. The zero value is ready to use
// without calling NewEnforcer.
type Enforcer struct {
	grants map[string][]compiledGrant // plugin id -> compiled grants
	mu     sync.RWMutex
}

// NewEnforcer creates a capability enforcer.
func NewEnforcer() *Enforcer {
	return &Enforcer{
		grants: make(map[string][]compiledGrant),
	}
}

// SetGrants configures capabilities for a plugin. Returns an error if the
// plugin id is empty or any capability pattern is invalid.
//
// The capabilities slice is copied, so callers may safely modify it after
// the call returns. Calling SetGrants again for the same plugin replaces
// all previous grants. If validation fails, no changes are made to the
// enforcer's state (atomic all-or-nothing semantics).
func (e *Enforcer) SetGrants(plugin string, capabilities []string) error {
	if plugin == "" {
		return errors.New("plugin id cannot be empty")
	}

	// Compile all patterns before acquiring lock (fail-fast, atomic)
	compiled := make([]compiledGrant, len(capabilities))
	for i, pattern := range capabilities {
		if pattern == "" {
			return fmt.Errorf("capability %d: empty capability pattern", i)
		}
		// Compile with '.' as separator so '*' doesn't cross segment boundaries
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			return fmt.Errorf("capability %d (%q): %w", i, pattern, err)
		}
		compiled[i] = compiledGrant{pattern: pattern, glob: g}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.grants == nil {
		e.grants = make(map[string][]compiledGrant)
	}

	e.grants[plugin] = compiled
	return nil
}

// IsRegistered returns true if the plugin has been registered via SetGrants.
func (e *Enforcer) IsRegistered(plugin string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.grants == nil {
		return false
	}
	_, ok := e.grants[plugin]
	return ok
}

// RemoveGrants unregisters a plugin, removing all its capabilities.
// Safe to call for unknown plugins or on a zero-value Enforcer.
func (e *Enforcer) RemoveGrants(plugin string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.grants == nil {
		return
	}
	delete(e.grants, plugin)
}

// GetGrants returns a copy of the capabilities granted to a plugin.
// Returns nil if the plugin is not registered.
func (e *Enforcer) GetGrants(plugin string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	grants, ok := e.grants[plugin]
	if !ok {
		return nil
	}
	patterns := make([]string, len(grants))
	for i, g := range grants {
		patterns[i] = g.pattern
	}
	return patterns
}

// Check returns true if the plugin has the requested capability.
//
// Returns false (deny by default, no error) for empty plugin ids, empty
// capability strings, unknown plugins, and plugins lacking the capability.
func (e *Enforcer) Check(plugin, capability string) bool {
	if capability == "" {
		return false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.grants == nil {
		return false
	}
	grants, ok := e.grants[plugin]
	if !ok {
		return false
	}
	for _, grant := range grants {
		if grant.glob.Match(capability) {
			return true
		}
	}
	return false
}
