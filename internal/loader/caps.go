// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugdeck Contributors

package loader

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/samber/oops"

	"github.com/plugdeck/plugdeck/internal/broker"
	"github.com/plugdeck/plugdeck/internal/hub"
	"github.com/plugdeck/plugdeck/internal/loader/capability"
	"github.com/plugdeck/plugdeck/internal/variables"
)

// Capability names checked against a plugin's grants.
const (
	capEventsEmit       = "events.emit"
	capEventsSubscribe  = "events.subscribe"
	capStorageRead      = "storage.read"
	capStorageWrite     = "storage.write"
	capStorageDelete    = "storage.delete"
	capStorageList      = "storage.list"
	capDatabaseQuery    = "database.query"
	capVariablesPublish = "variables.publish"
	capVariablesGet     = "variables.get"
)

// Capabilities is the scoped object handed to a plugin's initializer. Every
// call is pre-bound to the plugin's own id; plugins never talk to the hub
// or the brokers directly.
type Capabilities struct {
	pluginID string
	enforcer *capability.Enforcer
	bus      *hub.Hub
	vars     *variables.Service
	storage  *broker.StorageBroker
	database *broker.DatabaseBroker
	logger   *slog.Logger
}

// PluginID returns the identity bound into every call.
func (c *Capabilities) PluginID() string {
	return c.pluginID
}

// Log returns a logger pre-tagged with the plugin id.
func (c *Capabilities) Log() *slog.Logger {
	return c.logger
}

func (c *Capabilities) check(name string) error {
	if c.enforcer.Check(c.pluginID, name) {
		return nil
	}
	return oops.Code("CAPABILITY_DENIED").
		With("plugin", c.pluginID).
		With("capability", name).
		Errorf("plugin %q lacks capability %q", c.pluginID, name)
}

// Emit publishes an event with the plugin as source.
func (c *Capabilities) Emit(event string, outcome hub.Outcome, payload map[string]any) error {
	if err := c.check(capEventsEmit); err != nil {
		return err
	}
	c.bus.Emit(event, c.pluginID, outcome, payload)
	return nil
}

// Reply answers a correlated request: the response name is derived from the
// request name and the correlation id is echoed so the gateway's waiter can
// match it.
func (c *Capabilities) Reply(req hub.Event, outcome hub.Outcome, payload map[string]any) error {
	if err := c.check(capEventsEmit); err != nil {
		return err
	}
	name, ok := strings.CutPrefix(req.Name, hub.RequestPrefix)
	if !ok {
		return oops.Code("CONFIG_INVALID_VALUE").
			With("plugin", c.pluginID).
			With("event", req.Name).
			Errorf("cannot reply to a non-request event")
	}
	c.bus.Dispatch(hub.Event{
		Name:          hub.ResponsePrefix + name,
		Source:        c.pluginID,
		Outcome:       outcome,
		Payload:       payload,
		CorrelationID: req.CorrelationID,
	})
	return nil
}

// On subscribes the plugin to an event. The returned subscription can be
// cancelled, e.g. during unload.
func (c *Capabilities) On(event string, fn hub.Handler) (*hub.Subscription, error) {
	if err := c.check(capEventsSubscribe); err != nil {
		return nil, err
	}
	return c.bus.Subscribe(event, fn), nil
}

// Once subscribes the plugin to the next occurrence of an event only. The
// registration is removed before the handler runs, so a second emission
// never reaches it.
func (c *Capabilities) Once(event string, fn hub.Handler) (*hub.Subscription, error) {
	if err := c.check(capEventsSubscribe); err != nil {
		return nil, err
	}
	return c.bus.SubscribeOnce(event, fn), nil
}

// StorageRead reads an object through the storage broker.
func (c *Capabilities) StorageRead(ctx context.Context, key string) ([]byte, error) {
	if err := c.check(capStorageRead); err != nil {
		return nil, err
	}
	return c.storage.Read(ctx, c.scopedKey(key))
}

// StorageWrite writes an object through the storage broker.
func (c *Capabilities) StorageWrite(ctx context.Context, key string, data []byte) error {
	if err := c.check(capStorageWrite); err != nil {
		return err
	}
	return c.storage.Write(ctx, c.scopedKey(key), data)
}

// StorageExists checks an object through the storage broker.
func (c *Capabilities) StorageExists(ctx context.Context, key string) (bool, error) {
	if err := c.check(capStorageRead); err != nil {
		return false, err
	}
	return c.storage.Exists(ctx, c.scopedKey(key))
}

// StorageDelete removes an object through the storage broker.
func (c *Capabilities) StorageDelete(ctx context.Context, key string) error {
	if err := c.check(capStorageDelete); err != nil {
		return err
	}
	return c.storage.Delete(ctx, c.scopedKey(key))
}

// StorageList lists the plugin's objects with the given prefix.
func (c *Capabilities) StorageList(ctx context.Context, prefix string) ([]string, error) {
	if err := c.check(capStorageList); err != nil {
		return nil, err
	}
	return c.storage.List(ctx, c.scopedKey(prefix))
}

// scopedKey confines a plugin's storage traffic to its own subtree.
func (c *Capabilities) scopedKey(key string) string {
	return c.pluginID + "/" + key
}

// Query runs a database query with the plugin as caller, subject to the
// broker's namespace guard.
func (c *Capabilities) Query(ctx context.Context, sql string, args ...any) ([]broker.Row, error) {
	if err := c.check(capDatabaseQuery); err != nil {
		return nil, err
	}
	return c.database.Query(ctx, c.pluginID, sql, args...)
}

// PublishVariable publishes a value under the plugin's namespace.
func (c *Capabilities) PublishVariable(key string, value any) error {
	if err := c.check(capVariablesPublish); err != nil {
		return err
	}
	c.vars.Publish(c.pluginID, key, value)
	return nil
}

// GetVariable resolves a fully-qualified variable key, waiting up to
// timeout for an unpublished key.
func (c *Capabilities) GetVariable(ctx context.Context, key string, timeout time.Duration) (any, error) {
	if err := c.check(capVariablesGet); err != nil {
		return nil, err
	}
	return c.vars.Get(ctx, key, timeout)
}
