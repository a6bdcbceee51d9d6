// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugdeck Contributors

// Package variables provides an async key/value store with pending-resolver
// queues. One component can publish a value another component is already
// waiting for, without either side knowing the other's start order.
package variables

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/plugdeck/plugdeck/internal/hub"
)

// DefaultWaitTimeout bounds Get when the caller does not supply a timeout.
const DefaultWaitTimeout = 10 * time.Second

// envNamespace keys bypass the store and read the process environment.
const envNamespace = "env."

// waiter is an outstanding Get blocked on an unpublished key.
type waiter struct {
	ch chan any
}

// Service stores published variables and parks waiters for keys that have
// not been published yet.
type Service struct {
	mu      sync.Mutex
	values  map[string]any
	waiters map[string][]*waiter
	bus     *hub.Hub
}

// New creates a variable service that announces publications on bus.
func New(bus *hub.Hub) *Service {
	return &Service{
		values:  make(map[string]any),
		waiters: make(map[string][]*waiter),
		bus:     bus,
	}
}

// Key returns the fully-qualified form of a variable published by a plugin.
func Key(publisherID, key string) string {
	return publisherID + "." + key
}

// Publish stores value under the namespaced key, resolves every waiter
// currently pending for that exact key, and emits a VARIABLE_UPDATED event
// for hot-reload subscribers. Waiters registered before Publish are all
// resolved; the pending list is cleared.
func (s *Service) Publish(publisherID, key string, value any) {
	fq := Key(publisherID, key)

	s.mu.Lock()
	s.values[fq] = value
	pending := s.waiters[fq]
	delete(s.waiters, fq)
	s.mu.Unlock()

	for _, w := range pending {
		w.ch <- value // buffered, never blocks
	}

	s.bus.Emit(hub.EventVariableUpdated, publisherID, hub.OutcomeSuccess, map[string]any{
		"key":   fq,
		"value": value,
	})
}

// Get returns the value stored under the fully-qualified key. If the key is
// already published the cached value is returned immediately. Otherwise Get
// blocks until a matching Publish, the timeout elapses, or ctx is done.
// Keys in the env.* namespace read the process environment synchronously.
func (s *Service) Get(ctx context.Context, key string, timeout time.Duration) (any, error) {
	if v, ok, err := resolveEnv(key); ok {
		return v, err
	}
	if timeout <= 0 {
		timeout = DefaultWaitTimeout
	}

	s.mu.Lock()
	if v, ok := s.values[key]; ok {
		s.mu.Unlock()
		return v, nil
	}
	w := &waiter{ch: make(chan any, 1)}
	s.waiters[key] = append(s.waiters[key], w)
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case v := <-w.ch:
		return v, nil
	case <-timer.C:
		s.removeWaiter(key, w)
		return nil, oops.Code("TIMEOUT").
			With("key", key).
			With("timeout", timeout.String()).
			Errorf("variable %q not published within %s", key, timeout)
	case <-ctx.Done():
		s.removeWaiter(key, w)
		return nil, oops.Code("TIMEOUT").
			With("key", key).
			Wrap(ctx.Err())
	}
}

// GetSync returns the stored value without waiting. The second return is
// false when the key has never been published.
func (s *Service) GetSync(key string) (any, bool) {
	if v, ok, err := resolveEnv(key); ok {
		if err != nil {
			return nil, false
		}
		return v, true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

func (s *Service) removeWaiter(key string, target *waiter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.waiters[key]
	for i, w := range list {
		if w == target {
			s.waiters[key] = append(list[:i], list[i+1:]...)
			break
		}
	}
	// A publish can race the timer: drain so a late value is not lost
	// silently in the channel buffer.
	select {
	case <-target.ch:
	default:
	}
	if len(s.waiters[key]) == 0 {
		delete(s.waiters, key)
	}
}

// PendingWaiters reports how many Get calls are parked on key.
func (s *Service) PendingWaiters(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters[key])
}

func resolveEnv(key string) (any, bool, error) {
	name, ok := strings.CutPrefix(key, envNamespace)
	if !ok {
		return nil, false, nil
	}
	v, found := os.LookupEnv(name)
	if !found {
		return nil, true, oops.Code("VARIABLE_NOT_FOUND").
			With("key", key).
			Errorf("environment variable %q is not set", name)
	}
	return v, true, nil
}

// Default variable service shared across the runtime, paired with the
// default hub. Reset gives tests a clean store.
var (
	defaultMu  sync.Mutex
	defaultSvc *Service
)

// Default returns the process-wide variable service.
func Default() *Service {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultSvc == nil {
		defaultSvc = New(hub.Default())
	}
	return defaultSvc
}

// Reset discards the process-wide service, including its pending waiters.
func Reset() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultSvc = nil
}
