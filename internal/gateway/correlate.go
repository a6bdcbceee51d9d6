// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugdeck Contributors

package gateway

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/oops"

	"github.com/plugdeck/plugdeck/internal/hub"
	"github.com/plugdeck/plugdeck/internal/observability"
)

// Correlator turns a stateless inbound command into a synchronous-looking
// call against an asynchronously answering plugin: it pairs REQUEST_<X>
// emissions with RESPONSE_<X> events, bounded by a per-operation timeout.
type Correlator struct {
	bus      *hub.Hub
	timeouts func(event string) time.Duration
}

// NewCorrelator creates a correlator using the static operation timeout table.
func NewCorrelator(bus *hub.Hub) *Correlator {
	return &Correlator{bus: bus, timeouts: timeoutFor}
}

// WithTimeoutFunc overrides timeout selection, used by tests.
func (c *Correlator) WithTimeoutFunc(fn func(event string) time.Duration) *Correlator {
	c.timeouts = fn
	return c
}

// IsRequest reports whether an event name expects a correlated response.
func IsRequest(event string) bool {
	return strings.HasPrefix(event, hub.RequestPrefix)
}

// Request emits a correlated request and waits for its response.
//
// A fresh correlation id is stamped on the request; a response resolves the
// wait when it echoes that id, or carries no id at all (name-only pairing,
// kept for plugins that predate correlation ids — with the documented
// limitation that concurrent in-flight calls to the same operation can
// cross-consume such responses).
//
// The response listener unregisters itself as its first action on a match,
// so a duplicate or late response resolves nothing. The timeout path
// likewise removes the listener before returning, so no registration leaks.
func (c *Correlator) Request(ctx context.Context, event, source string, payload map[string]any) (hub.Event, error) {
	if !IsRequest(event) {
		return hub.Event{}, oops.Code("CONFIG_INVALID_VALUE").
			With("event", event).
			Errorf("event %q does not carry the request prefix", event)
	}
	responseName := hub.ResponsePrefix + strings.TrimPrefix(event, hub.RequestPrefix)
	timeout := c.timeouts(event)
	corrID := ulid.Make()

	done := make(chan hub.Event, 1)
	var once sync.Once
	var subPtr atomic.Pointer[hub.Subscription]

	resolve := func(ev hub.Event) {
		once.Do(func() {
			if sub := subPtr.Load(); sub != nil {
				sub.Cancel()
			}
			done <- ev
		})
	}

	sub := c.bus.Subscribe(responseName, func(ev hub.Event) {
		var zero ulid.ULID
		if ev.CorrelationID.Compare(zero) != 0 && ev.CorrelationID.Compare(corrID) != 0 {
			// Response for a different in-flight request of the same
			// operation; leave the listener in place.
			return
		}
		resolve(ev)
	})
	subPtr.Store(sub)
	// The handler may have fired between Subscribe and Store; Cancel is
	// idempotent, so always sweep on exit.
	defer sub.Cancel()

	c.bus.Dispatch(hub.Event{
		Name:          event,
		Source:        source,
		Outcome:       hub.OutcomeSuccess,
		Payload:       payload,
		CorrelationID: corrID,
	})

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev := <-done:
		return ev, nil
	case <-timer.C:
		once.Do(func() { sub.Cancel() })
		observability.RecordGatewayTimeout(event)
		return hub.Event{}, oops.Code("TIMEOUT").
			With("event", event).
			With("timeout", timeout.String()).
			Errorf("no plugin answered %q within %s", event, timeout)
	case <-ctx.Done():
		once.Do(func() { sub.Cancel() })
		return hub.Event{}, oops.Code("TIMEOUT").
			With("event", event).
			Wrap(ctx.Err())
	}
}

// Emit publishes a fire-and-forget command.
func (c *Correlator) Emit(event, source string, payload map[string]any) {
	c.bus.Emit(event, source, hub.OutcomeSuccess, payload)
}
