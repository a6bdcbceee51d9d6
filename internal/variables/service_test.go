// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugdeck Contributors

package variables

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plugdeck/plugdeck/internal/hub"
	"github.com/plugdeck/plugdeck/pkg/errutil"
)

func TestGet_PublishedValueReturnsImmediately(t *testing.T) {
	s := New(hub.New())
	s.Publish("db-postgres", "url", "postgres://localhost/app")

	v, err := s.Get(context.Background(), "db-postgres.url", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/app", v)
}

func TestGet_BlocksUntilPublish(t *testing.T) {
	s := New(hub.New())

	done := make(chan any, 1)
	go func() {
		v, err := s.Get(context.Background(), "admin.storagePath", 5*time.Second)
		if err != nil {
			done <- err
			return
		}
		done <- v
	}()

	// Wait for the getter to park, then publish.
	require.Eventually(t, func() bool {
		return s.PendingWaiters("admin.storagePath") == 1
	}, 2*time.Second, 5*time.Millisecond)

	s.Publish("admin", "storagePath", "/var/lib/plugdeck")

	select {
	case v := <-done:
		assert.Equal(t, "/var/lib/plugdeck", v)
	case <-time.After(2 * time.Second):
		t.Fatal("get did not resolve after publish")
	}
}

func TestGet_PublishResolvesAllWaiters(t *testing.T) {
	s := New(hub.New())
	const waiters = 5

	var wg sync.WaitGroup
	results := make(chan any, waiters)
	for range waiters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := s.Get(context.Background(), "core.answer", 5*time.Second)
			if err == nil {
				results <- v
			}
		}()
	}

	require.Eventually(t, func() bool {
		return s.PendingWaiters("core.answer") == waiters
	}, 2*time.Second, 5*time.Millisecond)

	s.Publish("core", "answer", 42)
	wg.Wait()

	assert.Len(t, results, waiters)
	assert.Zero(t, s.PendingWaiters("core.answer"), "pending list must be cleared")

	// Each waiter resolves once; a second publish must not double-deliver.
	s.Publish("core", "answer", 43)
	assert.Len(t, results, waiters)
}

func TestGet_TimesOutWhenNeverPublished(t *testing.T) {
	s := New(hub.New())

	start := time.Now()
	_, err := s.Get(context.Background(), "nobody.home", 50*time.Millisecond)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "TIMEOUT")
	assert.Less(t, time.Since(start), time.Second)
	assert.Zero(t, s.PendingWaiters("nobody.home"), "timed-out waiter must not leak")
}

func TestGet_ContextCancellation(t *testing.T) {
	s := New(hub.New())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := s.Get(ctx, "nobody.home", time.Minute)
		done <- err
	}()

	require.Eventually(t, func() bool {
		return s.PendingWaiters("nobody.home") == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		errutil.AssertErrorCode(t, err, "TIMEOUT")
	case <-time.After(2 * time.Second):
		t.Fatal("get did not return after cancellation")
	}
	assert.Zero(t, s.PendingWaiters("nobody.home"))
}

func TestGet_ZeroTimeoutUsesDefault(t *testing.T) {
	s := New(hub.New())
	s.Publish("core", "ready", true)

	// Cached value short-circuits, no waiting involved.
	v, err := s.Get(context.Background(), "core.ready", 0)
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestGet_EnvNamespace(t *testing.T) {
	t.Setenv("PLUGDECK_TEST_VALUE", "from-env")
	s := New(hub.New())

	v, err := s.Get(context.Background(), "env.PLUGDECK_TEST_VALUE", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "from-env", v)
}

func TestGet_EnvNamespaceMissing(t *testing.T) {
	s := New(hub.New())

	_, err := s.Get(context.Background(), "env.PLUGDECK_DEFINITELY_UNSET", time.Second)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, "VARIABLE_NOT_FOUND")
}

func TestGetSync(t *testing.T) {
	s := New(hub.New())

	_, ok := s.GetSync("core.missing")
	assert.False(t, ok)

	s.Publish("core", "missing", "now-present")
	v, ok := s.GetSync("core.missing")
	assert.True(t, ok)
	assert.Equal(t, "now-present", v)
}

func TestPublish_EmitsVariableUpdated(t *testing.T) {
	bus := hub.New()
	s := New(bus)

	var got hub.Event
	bus.Subscribe(hub.EventVariableUpdated, func(ev hub.Event) { got = ev })

	s.Publish("storage-localdisk", "repositoryPath", "/srv/data")

	assert.Equal(t, "storage-localdisk.repositoryPath", got.Payload["key"])
	assert.Equal(t, "/srv/data", got.Payload["value"])
	assert.Equal(t, "storage-localdisk", got.Source)
}

func TestPublish_OverwritesPreviousValue(t *testing.T) {
	s := New(hub.New())
	s.Publish("admin", "mode", "ro")
	s.Publish("admin", "mode", "rw")

	v, ok := s.GetSync("admin.mode")
	require.True(t, ok)
	assert.Equal(t, "rw", v)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "echo.greeting", Key("echo", "greeting"))
}

func TestDefault_Reset(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	Default().Publish("core", "x", 1)
	_, ok := Default().GetSync("core.x")
	assert.True(t, ok)

	Reset()
	_, ok = Default().GetSync("core.x")
	assert.False(t, ok)
}
