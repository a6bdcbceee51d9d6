// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugdeck Contributors

package hub

// Well-known event names shared across the runtime.
const (
	// EventPluginMounted is emitted after a plugin initializer completes.
	EventPluginMounted = "PLUGIN_MOUNTED"
	// EventPluginFailed is emitted when a plugin fails any lifecycle step.
	EventPluginFailed = "PLUGIN_FAILED"
	// EventSystemAlert carries operator-facing degradation notices,
	// e.g. a database schema mismatch.
	EventSystemAlert = "SYSTEM_ALERT"
	// EventVariableUpdated announces a variable publication so brokers
	// can hot-swap providers configured from that variable.
	EventVariableUpdated = "VARIABLE_UPDATED"
)

// Reserved prefixes for correlated request/response traffic.
const (
	RequestPrefix  = "REQUEST_"
	ResponsePrefix = "RESPONSE_"
)

// SystemSource identifies events emitted by the runtime itself rather
// than by a plugin.
const SystemSource = "system"
