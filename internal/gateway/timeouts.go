// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugdeck Contributors

package gateway

import "time"

// DefaultRequestTimeout is the conservative ceiling for operations not in
// the table.
const DefaultRequestTimeout = 10 * time.Second

// LongRequestTimeout is the ceiling for operations known to run long.
const LongRequestTimeout = 2 * time.Minute

// operationTimeouts maps request event names to their wait ceiling.
// Build/package/finalize/upload operations move plugin archives around and
// get materially more headroom than lookups.
var operationTimeouts = map[string]time.Duration{
	"REQUEST_BUILD_PACKAGE":    LongRequestTimeout,
	"REQUEST_PACK_PLUGIN":      LongRequestTimeout,
	"REQUEST_FINALIZE_PACKAGE": LongRequestTimeout,
	"REQUEST_UPLOAD_PACKAGE":   LongRequestTimeout,
	"REQUEST_INSTALL_PLUGIN":   LongRequestTimeout,
	"REQUEST_GET_PLUGIN_INFO":  5 * time.Second,
	"REQUEST_LIST_PLUGINS":     5 * time.Second,
}

// timeoutFor returns the wait ceiling for a request event.
func timeoutFor(event string) time.Duration {
	if d, ok := operationTimeouts[event]; ok {
		return d
	}
	return DefaultRequestTimeout
}
