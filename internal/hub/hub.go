// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugdeck Contributors

// Package hub provides the process-wide publish/subscribe bus that carries
// plugin lifecycle and request/response traffic.
package hub

import (
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"
)

// Outcome classifies an event as the result of a successful or failed operation.
type Outcome string

// Event outcomes.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Event is the envelope delivered to every subscriber.
type Event struct {
	Name          string
	Source        string // plugin id or "system"
	Outcome       Outcome
	Payload       map[string]any
	CorrelationID ulid.ULID // zero when the emitter is not waiting for a reply
}

// Handler receives emitted events. Handlers run synchronously within Emit;
// a handler that needs to do slow work should hand it off to a goroutine.
type Handler func(Event)

// Broadcaster forwards every emitted event to an external channel,
// e.g. a live client feed.
type Broadcaster func(Event)

// Subscription is a handle for removing a registered handler.
type Subscription struct {
	hub   *Hub
	event string
	seq   uint64
	fn    Handler
	once  bool
}

// Cancel removes the subscription. Cancelling twice, or cancelling a
// subscription that already fired as a one-shot, is a no-op.
func (s *Subscription) Cancel() {
	if s == nil || s.hub == nil {
		return
	}
	s.hub.remove(s)
}

// Hub is a synchronous fan-out bus. The zero value is not usable; call New.
type Hub struct {
	mu          sync.Mutex
	subs        map[string][]*Subscription
	broadcaster Broadcaster
	nextSeq     uint64
}

// New creates an empty hub.
func New() *Hub {
	return &Hub{subs: make(map[string][]*Subscription)}
}

// Subscribe registers fn for event. Registering the same function twice
// results in duplicate invocation; each registration has its own handle.
func (h *Hub) Subscribe(event string, fn Handler) *Subscription {
	return h.add(event, fn, false)
}

// SubscribeOnce registers fn to fire at most once. The subscription is
// removed from the registry before fn is invoked, so a duplicate or late
// emission of the same event cannot reach it.
func (h *Hub) SubscribeOnce(event string, fn Handler) *Subscription {
	return h.add(event, fn, true)
}

func (h *Hub) add(event string, fn Handler, once bool) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextSeq++
	s := &Subscription{hub: h, event: event, seq: h.nextSeq, fn: fn, once: once}
	h.subs[event] = append(h.subs[event], s)
	return s
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.subs[s.event]
	for i, cur := range list {
		if cur.seq == s.seq {
			h.subs[s.event] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// SetBroadcaster installs or replaces the forwarding hook. Installed once
// at startup; pass nil to detach.
func (h *Hub) SetBroadcaster(fn Broadcaster) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcaster = fn
}

// Emit builds an envelope and dispatches it. Safe with zero subscribers.
func (h *Hub) Emit(event, source string, outcome Outcome, payload map[string]any) {
	h.Dispatch(Event{Name: event, Source: source, Outcome: outcome, Payload: payload})
}

// Dispatch delivers a fully-formed envelope to every currently-registered
// subscriber in registration order, then forwards it to the broadcaster.
// Delivery is synchronous: all handlers have been invoked before Dispatch
// returns. A panicking handler is isolated and does not prevent delivery
// to later handlers.
func (h *Hub) Dispatch(ev Event) {
	h.mu.Lock()
	list := h.subs[ev.Name]
	snapshot := make([]*Subscription, len(list))
	copy(snapshot, list)
	// One-shot subscriptions leave the registry before their handler runs.
	remaining := list[:0]
	for _, s := range list {
		if !s.once {
			remaining = append(remaining, s)
		}
	}
	h.subs[ev.Name] = remaining
	broadcaster := h.broadcaster
	h.mu.Unlock()

	for _, s := range snapshot {
		h.invoke(s, ev)
	}
	if broadcaster != nil {
		broadcaster(ev)
	}
}

func (h *Hub) invoke(s *Subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked",
				"event", ev.Name,
				"source", ev.Source,
				"panic", r)
		}
	}()
	s.fn(ev)
}

// SubscriberCount reports how many handlers are registered for event.
func (h *Hub) SubscriberCount(event string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[event])
}

// Default hub shared by independently-loaded plugin modules. Its lifecycle
// is explicit so tests can isolate state between runs.
var (
	defaultMu  sync.Mutex
	defaultHub = New()
)

// Default returns the process-wide hub.
func Default() *Hub {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultHub
}

// Reset replaces the process-wide hub with a fresh one.
func Reset() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultHub = New()
}
