// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugdeck Contributors

// Package status maintains the per-plugin system status ledger surfaced to
// operators, persisted so a separate process can replay the latest alerts.
package status

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/samber/oops"
)

// Severity classifies a status entry.
type Severity string

// Entry severities.
const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeveritySuccess Severity = "success"
)

// Entry is one label/value line reported for a plugin.
type Entry struct {
	Label    string   `json:"label"`
	Value    string   `json:"value"`
	Severity Severity `json:"severity"`
}

// Ledger maps plugin ids to their latest status entries. Set replaces the
// full list for a plugin id rather than merging.
type Ledger struct {
	mu      sync.Mutex
	entries map[string][]Entry
	path    string // empty disables persistence
}

// NewLedger creates an in-memory ledger.
func NewLedger() *Ledger {
	return &Ledger{entries: make(map[string][]Entry)}
}

// NewPersistentLedger creates a ledger backed by a JSON file. Existing
// content at path is loaded so alerts survive a restart.
func NewPersistentLedger(path string) (*Ledger, error) {
	l := &Ledger{entries: make(map[string][]Entry), path: path}

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			return l, nil
		}
		return nil, oops.Code("STATUS_LOAD_FAILED").With("path", path).Wrap(err)
	}
	if err := json.Unmarshal(data, &l.entries); err != nil {
		return nil, oops.Code("STATUS_LOAD_FAILED").With("path", path).Hint("corrupt ledger file").Wrap(err)
	}
	return l, nil
}

// Set replaces all entries for a plugin id and persists the ledger.
func (l *Ledger) Set(pluginID string, entries []Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	copied := make([]Entry, len(entries))
	copy(copied, entries)
	l.entries[pluginID] = copied
	return l.flushLocked()
}

// Get returns the latest entries for a plugin id, or nil.
func (l *Ledger) Get(pluginID string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	list := l.entries[pluginID]
	out := make([]Entry, len(list))
	copy(out, list)
	return out
}

// Replay returns every plugin's latest entries keyed by plugin id, for a
// newly-connected observer. Plugin ids are sorted for deterministic output.
func (l *Ledger) Replay() map[string][]Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string][]Entry, len(l.entries))
	for id, list := range l.entries {
		entries := make([]Entry, len(list))
		copy(entries, list)
		out[id] = entries
	}
	return out
}

// PluginIDs returns the ids that have recorded status, sorted.
func (l *Ledger) PluginIDs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.entries))
	for id := range l.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (l *Ledger) flushLocked() error {
	if l.path == "" {
		return nil
	}
	data, err := json.MarshalIndent(l.entries, "", "  ")
	if err != nil {
		return oops.Code("STATUS_FLUSH_FAILED").Wrap(err)
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o700); err != nil {
		return oops.Code("STATUS_FLUSH_FAILED").With("path", l.path).Wrap(err)
	}
	if err := os.WriteFile(l.path, data, 0o600); err != nil {
		return oops.Code("STATUS_FLUSH_FAILED").With("path", l.path).Wrap(err)
	}
	return nil
}
