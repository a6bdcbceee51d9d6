// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugdeck Contributors

// Package lua executes lua-runtime plugins. Each plugin gets its own
// interpreter state; the plugdeck module exposes the plugin's capability
// object to the script.
package lua

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"

	"github.com/plugdeck/plugdeck/internal/hub"
	"github.com/plugdeck/plugdeck/internal/loader"
	"github.com/plugdeck/plugdeck/internal/registry"
)

// Compile-time interface check.
var _ loader.ScriptHost = (*Host)(nil)

// instance is one plugin's interpreter. gopher-lua states are not
// goroutine-safe; every call into the state holds mu.
type instance struct {
	mu    sync.Mutex
	state *lua.LState
	subs  []*hub.Subscription
}

// Host manages Lua plugin instances.
type Host struct {
	mu      sync.Mutex
	plugins map[string]*instance
	closed  bool
}

// NewHost creates an empty Lua host.
func NewHost() *Host {
	return &Host{plugins: make(map[string]*instance)}
}

// Initialize loads the plugin's entry script and calls its global
// initialize() function. The script keeps its state afterwards so event
// handlers registered through plugdeck.on stay callable.
func (h *Host) Initialize(ctx context.Context, desc *registry.Descriptor, caps *loader.Capabilities) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return oops.In("lua").With("plugin", desc.ID).New("host is closed")
	}
	h.mu.Unlock()

	entryPath := filepath.Join(desc.InstallPath, desc.EntryPoint)
	code, err := os.ReadFile(filepath.Clean(entryPath))
	if err != nil {
		return oops.In("lua").With("plugin", desc.ID).With("path", entryPath).
			Hint("failed to read entry file").Wrap(err)
	}

	L := lua.NewState()
	inst := &instance{state: L}
	registerModule(L, inst, caps)

	L.SetContext(ctx)
	if err := L.DoString(string(code)); err != nil {
		L.Close()
		return oops.In("lua").With("plugin", desc.ID).With("entry", desc.EntryPoint).
			Hint("script error").Wrap(err)
	}

	initFn := L.GetGlobal("initialize")
	if initFn.Type() != lua.LTNil {
		if err := L.CallByParam(lua.P{Fn: initFn, NRet: 0, Protect: true}); err != nil {
			L.Close()
			return oops.In("lua").With("plugin", desc.ID).With("operation", "initialize").Wrap(err)
		}
	}
	// The watchdog context ends with initialization; later handler calls
	// must not inherit its cancellation.
	L.SetContext(context.Background())

	h.mu.Lock()
	h.plugins[desc.ID] = inst
	h.mu.Unlock()
	return nil
}

// Unload cancels the plugin's subscriptions and closes its state.
func (h *Host) Unload(_ context.Context, pluginID string) error {
	h.mu.Lock()
	inst, ok := h.plugins[pluginID]
	delete(h.plugins, pluginID)
	h.mu.Unlock()

	if !ok {
		return oops.In("lua").With("plugin", pluginID).New("plugin not loaded")
	}
	inst.close()
	return nil
}

// Close shuts down every plugin instance.
func (h *Host) Close(_ context.Context) error {
	h.mu.Lock()
	h.closed = true
	plugins := h.plugins
	h.plugins = make(map[string]*instance)
	h.mu.Unlock()

	for _, inst := range plugins {
		inst.close()
	}
	return nil
}

func (i *instance) close() {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, sub := range i.subs {
		sub.Cancel()
	}
	i.subs = nil
	i.state.Close()
}

// registerModule exposes the capability object as the plugdeck table.
func registerModule(L *lua.LState, inst *instance, caps *loader.Capabilities) {
	mod := L.NewTable()

	L.SetField(mod, "log", L.NewFunction(func(L *lua.LState) int {
		caps.Log().Info(L.CheckString(1))
		return 0
	}))

	L.SetField(mod, "emit", L.NewFunction(func(L *lua.LState) int {
		event := L.CheckString(1)
		outcome := hub.Outcome(L.CheckString(2))
		payload := tableToMap(L.OptTable(3, L.NewTable()))
		return pushErr(L, 0, caps.Emit(event, outcome, payload))
	}))

	L.SetField(mod, "reply", L.NewFunction(func(L *lua.LState) int {
		req := eventFromTable(L.CheckTable(1))
		outcome := hub.Outcome(L.CheckString(2))
		payload := tableToMap(L.OptTable(3, L.NewTable()))
		return pushErr(L, 0, caps.Reply(req, outcome, payload))
	}))

	// handlerFor bridges a lua function into a hub handler, serializing
	// calls into the single interpreter state.
	handlerFor := func(fn *lua.LFunction) hub.Handler {
		return func(ev hub.Event) {
			inst.mu.Lock()
			defer inst.mu.Unlock()
			if callErr := inst.state.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true},
				eventToTable(inst.state, ev)); callErr != nil {
				caps.Log().Error("lua event handler failed", "event", ev.Name, "error", callErr)
			}
		}
	}

	L.SetField(mod, "on", L.NewFunction(func(L *lua.LState) int {
		sub, err := caps.On(L.CheckString(1), handlerFor(L.CheckFunction(2)))
		if err != nil {
			return pushErr(L, 0, err)
		}
		inst.subs = append(inst.subs, sub)
		return 0
	}))

	L.SetField(mod, "once", L.NewFunction(func(L *lua.LState) int {
		sub, err := caps.Once(L.CheckString(1), handlerFor(L.CheckFunction(2)))
		if err != nil {
			return pushErr(L, 0, err)
		}
		inst.subs = append(inst.subs, sub)
		return 0
	}))

	L.SetField(mod, "storage_read", L.NewFunction(func(L *lua.LState) int {
		data, err := caps.StorageRead(stateContext(L), L.CheckString(1))
		if err != nil {
			return pushErr(L, 1, err)
		}
		L.Push(lua.LString(data))
		return 1
	}))

	L.SetField(mod, "storage_write", L.NewFunction(func(L *lua.LState) int {
		err := caps.StorageWrite(stateContext(L), L.CheckString(1), []byte(L.CheckString(2)))
		return pushErr(L, 0, err)
	}))

	L.SetField(mod, "db_query", L.NewFunction(func(L *lua.LState) int {
		rows, err := caps.Query(stateContext(L), L.CheckString(1))
		if err != nil {
			return pushErr(L, 1, err)
		}
		out := L.NewTable()
		for _, row := range rows {
			out.Append(goToLua(L, map[string]any(row)))
		}
		L.Push(out)
		return 1
	}))

	L.SetField(mod, "var_publish", L.NewFunction(func(L *lua.LState) int {
		err := caps.PublishVariable(L.CheckString(1), luaToGo(L.CheckAny(2)))
		return pushErr(L, 0, err)
	}))

	L.SetField(mod, "var_get", L.NewFunction(func(L *lua.LState) int {
		timeout := time.Duration(L.OptInt64(2, 0)) * time.Millisecond
		v, err := caps.GetVariable(stateContext(L), L.CheckString(1), timeout)
		if err != nil {
			return pushErr(L, 1, err)
		}
		L.Push(goToLua(L, v))
		return 1
	}))

	L.SetGlobal("plugdeck", mod)
}

// pushErr pushes nils for the expected returns plus an error message, or
// nothing on success, following the lua (value, err) convention.
func pushErr(L *lua.LState, nret int, err error) int {
	if err == nil {
		return 0
	}
	for range nret {
		L.Push(lua.LNil)
	}
	L.Push(lua.LString(err.Error()))
	return nret + 1
}

func stateContext(L *lua.LState) context.Context {
	if ctx := L.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
