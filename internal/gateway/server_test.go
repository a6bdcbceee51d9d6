// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugdeck Contributors

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plugdeck/plugdeck/internal/hub"
	"github.com/plugdeck/plugdeck/internal/registry"
	"github.com/plugdeck/plugdeck/internal/status"
)

// startTestServer brings up a gateway on an ephemeral port with an echo
// plugin subscribed on the bus.
func startTestServer(t *testing.T, reg *registry.Registry) (*Server, *hub.Hub, *status.Ledger) {
	t.Helper()

	bus := hub.New()
	bus.Subscribe("REQUEST_ECHO", func(ev hub.Event) {
		bus.Dispatch(hub.Event{
			Name:          "RESPONSE_ECHO",
			Source:        "echo",
			Outcome:       hub.OutcomeSuccess,
			Payload:       ev.Payload,
			CorrelationID: ev.CorrelationID,
		})
	})

	correlator := NewCorrelator(bus).WithTimeoutFunc(func(string) time.Duration {
		return 200 * time.Millisecond
	})
	ledger := status.NewLedger()
	srv := NewServer("127.0.0.1:0", correlator, reg, ledger, nil)

	_, err := srv.Start()
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	return srv, bus, ledger
}

func postCommand(t *testing.T, addr string, body map[string]any) (int, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(fmt.Sprintf("http://%s/command", addr),
		"application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp.StatusCode, decoded
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New([]*registry.Descriptor{{
		ID:      "echo",
		Version: "1.0.0",
		Type:    registry.TypeFeature,
		Runtime: registry.RuntimeBuiltin,
		Active:  true,
	}})
	require.NoError(t, err)
	return reg
}

func TestServer_CorrelatedRequest(t *testing.T) {
	srv, _, _ := startTestServer(t, testRegistry(t))

	code, body := postCommand(t, srv.Addr(), map[string]any{
		"event":    "REQUEST_ECHO",
		"pluginId": "cli",
		"data":     map[string]any{"message": "hello"},
	})

	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "success", body["outcome"])
	payload, ok := body["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "hello", payload["message"])
}

func TestServer_CorrelatedRequestTimeout(t *testing.T) {
	srv, _, _ := startTestServer(t, testRegistry(t))

	code, body := postCommand(t, srv.Addr(), map[string]any{
		"event":    "REQUEST_NOBODY",
		"pluginId": "cli",
	})

	require.Equal(t, http.StatusGatewayTimeout, code)
	assert.Equal(t, "TIMEOUT", body["code"])
	assert.NotEmpty(t, body["error"])
}

func TestServer_FireAndForget(t *testing.T) {
	srv, bus, _ := startTestServer(t, testRegistry(t))

	received := make(chan hub.Event, 1)
	bus.Subscribe("PLUGIN_PING", func(ev hub.Event) { received <- ev })

	code, body := postCommand(t, srv.Addr(), map[string]any{
		"event":    "PLUGIN_PING",
		"pluginId": "cli",
		"data":     map[string]any{"n": float64(1)},
	})

	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])

	select {
	case ev := <-received:
		assert.Equal(t, "cli", ev.Source)
	case <-time.After(time.Second):
		t.Fatal("fire-and-forget event never reached the bus")
	}
}

func TestServer_RejectsBodyWithoutEventOrAction(t *testing.T) {
	srv, _, _ := startTestServer(t, testRegistry(t))

	code, body := postCommand(t, srv.Addr(), map[string]any{"pluginId": "cli"})
	require.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "BAD_REQUEST", body["code"])
}

func TestServer_RejectsInvalidJSON(t *testing.T) {
	srv, _, _ := startTestServer(t, testRegistry(t))

	resp, err := http.Post(fmt.Sprintf("http://%s/command", srv.Addr()),
		"application/json", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_Actions(t *testing.T) {
	reg := testRegistry(t)
	srv, _, _ := startTestServer(t, reg)

	code, body := postCommand(t, srv.Addr(), map[string]any{
		"action": "deactivate", "pluginId": "echo",
	})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["success"])

	d, err := reg.Find("echo")
	require.NoError(t, err)
	assert.False(t, d.Active)

	code, _ = postCommand(t, srv.Addr(), map[string]any{
		"action": "activate", "pluginId": "echo",
	})
	require.Equal(t, http.StatusOK, code)
	d, err = reg.Find("echo")
	require.NoError(t, err)
	assert.True(t, d.Active)
}

func TestServer_LockBlocksDeactivate(t *testing.T) {
	reg := testRegistry(t)
	srv, _, _ := startTestServer(t, reg)

	code, _ := postCommand(t, srv.Addr(), map[string]any{
		"action": "lock", "pluginId": "echo", "pin": "4242",
	})
	require.Equal(t, http.StatusOK, code)

	code, body := postCommand(t, srv.Addr(), map[string]any{
		"action": "deactivate", "pluginId": "echo",
	})
	require.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "REGISTRY_LOCKED", body["code"])

	// Wrong pin keeps the lock in place.
	code, body = postCommand(t, srv.Addr(), map[string]any{
		"action": "unlock", "pluginId": "echo", "pin": "0000",
	})
	require.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "REGISTRY_PIN_MISMATCH", body["code"])

	code, _ = postCommand(t, srv.Addr(), map[string]any{
		"action": "unlock", "pluginId": "echo", "pin": "4242",
	})
	require.Equal(t, http.StatusOK, code)

	code, _ = postCommand(t, srv.Addr(), map[string]any{
		"action": "deactivate", "pluginId": "echo",
	})
	assert.Equal(t, http.StatusOK, code)
}

func TestServer_ActionUnknownPlugin(t *testing.T) {
	srv, _, _ := startTestServer(t, testRegistry(t))

	code, body := postCommand(t, srv.Addr(), map[string]any{
		"action": "remove", "pluginId": "ghost",
	})
	require.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "REGISTRY_NOT_FOUND", body["code"])
}

func TestServer_ActionUnknownVerb(t *testing.T) {
	srv, _, _ := startTestServer(t, testRegistry(t))

	code, body := postCommand(t, srv.Addr(), map[string]any{
		"action": "explode", "pluginId": "echo",
	})
	require.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "BAD_REQUEST", body["code"])
}

func TestServer_StatusReplay(t *testing.T) {
	srv, _, ledger := startTestServer(t, testRegistry(t))
	require.NoError(t, ledger.Set("echo", []status.Entry{
		{Label: "state", Value: "ready", Severity: status.SeveritySuccess},
	}))

	resp, err := http.Get(fmt.Sprintf("http://%s/status", srv.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var replay map[string][]status.Entry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&replay))
	require.Len(t, replay["echo"], 1)
	assert.Equal(t, "ready", replay["echo"][0].Value)
}

func TestServer_StartTwiceFails(t *testing.T) {
	srv, _, _ := startTestServer(t, testRegistry(t))

	_, err := srv.Start()
	assert.Error(t, err)
}

func TestServer_StopIsIdempotent(t *testing.T) {
	srv, _, _ := startTestServer(t, testRegistry(t))

	ctx := context.Background()
	require.NoError(t, srv.Stop(ctx))
	assert.NoError(t, srv.Stop(ctx))
}
