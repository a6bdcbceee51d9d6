// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugdeck Contributors

package lua

import (
	"fmt"

	"github.com/oklog/ulid/v2"
	lua "github.com/yuin/gopher-lua"

	"github.com/plugdeck/plugdeck/internal/hub"
)

// eventToTable builds the lua view of an event envelope.
func eventToTable(L *lua.LState, ev hub.Event) *lua.LTable {
	t := L.NewTable()
	L.SetField(t, "name", lua.LString(ev.Name))
	L.SetField(t, "source", lua.LString(ev.Source))
	L.SetField(t, "outcome", lua.LString(string(ev.Outcome)))
	L.SetField(t, "payload", goToLua(L, ev.Payload))
	if ev.CorrelationID.Compare(ulid.ULID{}) != 0 {
		L.SetField(t, "correlation_id", lua.LString(ev.CorrelationID.String()))
	}
	return t
}

// eventFromTable reconstructs the envelope a handler received, for reply.
func eventFromTable(t *lua.LTable) hub.Event {
	ev := hub.Event{
		Name:    lua.LVAsString(t.RawGetString("name")),
		Source:  lua.LVAsString(t.RawGetString("source")),
		Outcome: hub.Outcome(lua.LVAsString(t.RawGetString("outcome"))),
	}
	if payload, ok := t.RawGetString("payload").(*lua.LTable); ok {
		ev.Payload = tableToMap(payload)
	}
	if raw := lua.LVAsString(t.RawGetString("correlation_id")); raw != "" {
		if id, err := ulid.Parse(raw); err == nil {
			ev.CorrelationID = id
		}
	}
	return ev
}

// tableToMap converts a lua table with string keys to a Go map.
func tableToMap(t *lua.LTable) map[string]any {
	out := make(map[string]any)
	t.ForEach(func(k, v lua.LValue) {
		out[lua.LVAsString(k)] = luaToGo(v)
	})
	return out
}

// luaToGo converts a lua value to its Go equivalent. Tables become slices
// when they are pure arrays, maps otherwise.
func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case *lua.LTable:
		if n := val.MaxN(); n > 0 {
			out := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				out = append(out, luaToGo(val.RawGetInt(i)))
			}
			return out
		}
		return tableToMap(val)
	default:
		return nil
	}
}

// goToLua converts a Go value to its lua equivalent.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int32:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []byte:
		return lua.LString(val)
	case map[string]any:
		t := L.NewTable()
		for k, item := range val {
			L.SetField(t, k, goToLua(L, item))
		}
		return t
	case []any:
		t := L.NewTable()
		for _, item := range val {
			t.Append(goToLua(L, item))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}
