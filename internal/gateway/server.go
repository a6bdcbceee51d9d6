// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugdeck Contributors

// Package gateway exposes the HTTP command endpoint that maps inbound
// commands onto hub events with bounded-wait correlation.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/samber/oops"

	"github.com/plugdeck/plugdeck/internal/observability"
	"github.com/plugdeck/plugdeck/internal/registry"
	"github.com/plugdeck/plugdeck/internal/status"
)

// commandRequest is the body of POST /command. Either event or action is
// set, never both.
type commandRequest struct {
	Event    string         `json:"event,omitempty"`
	Action   string         `json:"action,omitempty"`
	PluginID string         `json:"pluginId"`
	Data     map[string]any `json:"data,omitempty"`
	Pin      string         `json:"pin,omitempty"`
}

// errorResponse is the body of every non-200 reply.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Server is the HTTP facade over the correlator and registry actions.
type Server struct {
	addr       string
	correlator *Correlator
	registry   *registry.Registry
	ledger     *status.Ledger
	metrics    *observability.Metrics
	listener   net.Listener
	httpServer *http.Server
	running    atomic.Bool
}

// NewServer creates a gateway server. metrics may be nil.
func NewServer(addr string, correlator *Correlator, reg *registry.Registry, ledger *status.Ledger, metrics *observability.Metrics) *Server {
	return &Server{
		addr:       addr,
		correlator: correlator,
		registry:   reg,
		ledger:     ledger,
		metrics:    metrics,
	}
}

// Start begins serving the command endpoint. The returned channel receives
// HTTP server errors and is closed on graceful stop.
func (s *Server) Start() (<-chan error, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, oops.Errorf("gateway server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.running.Store(false)
		return nil, oops.With("addr", s.addr).Wrap(err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc("POST /command", s.handleCommand)
	mux.HandleFunc("GET /status", s.handleStatus)

	httpSrv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = httpSrv

	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if serveErr := httpSrv.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			slog.Error("gateway server error", "error", serveErr)
			errCh <- serveErr
		}
	}()

	slog.Info("gateway server started", "addr", listener.Addr().String())
	return errCh, nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.running.Store(true)
			return oops.With("operation", "shutdown_gateway_server").Wrap(err)
		}
	}
	slog.Info("gateway server stopped")
	return nil
}

// Addr returns the listen address, empty if not running.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}

	switch {
	case req.Action != "":
		s.handleAction(w, req)
	case req.Event == "":
		s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "event or action is required")
	case IsRequest(req.Event):
		s.handleCorrelated(r.Context(), w, req)
	default:
		// Fire-and-forget commands are acknowledged immediately.
		s.correlator.Emit(req.Event, req.PluginID, req.Data)
		s.recordRequest(req.Event, "accepted")
		s.writeJSON(w, http.StatusOK, map[string]any{"success": true})
	}
}

func (s *Server) handleCorrelated(ctx context.Context, w http.ResponseWriter, req commandRequest) {
	ev, err := s.correlator.Request(ctx, req.Event, req.PluginID, req.Data)
	if err != nil {
		if errCode(err) == "TIMEOUT" {
			s.recordRequest(req.Event, "timeout")
			s.writeError(w, http.StatusGatewayTimeout, "TIMEOUT", err.Error())
			return
		}
		s.recordRequest(req.Event, "error")
		s.writeError(w, http.StatusInternalServerError, errCode(err), err.Error())
		return
	}

	// A plugin can answer a request and still report the operation
	// failed; that is an application outcome, not a gateway error.
	s.recordRequest(req.Event, string(ev.Outcome))
	s.writeJSON(w, http.StatusOK, map[string]any{
		"outcome": string(ev.Outcome),
		"payload": ev.Payload,
	})
}

func (s *Server) handleAction(w http.ResponseWriter, req commandRequest) {
	var err error
	switch req.Action {
	case "lock":
		err = s.registry.Lock(req.PluginID, req.Pin)
	case "unlock":
		err = s.registry.Unlock(req.PluginID, req.Pin)
	case "activate":
		err = s.registry.SetActive(req.PluginID, true)
	case "deactivate":
		err = s.registry.SetActive(req.PluginID, false)
	case "remove":
		err = s.registry.Remove(req.PluginID)
	default:
		s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "unknown action "+req.Action)
		return
	}

	if err != nil {
		switch {
		case errors.Is(err, registry.ErrNotFound):
			s.writeError(w, http.StatusNotFound, errCode(err), err.Error())
		case errors.Is(err, registry.ErrLocked):
			s.writeError(w, http.StatusConflict, errCode(err), err.Error())
		default:
			s.writeError(w, http.StatusInternalServerError, errCode(err), err.Error())
		}
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleStatus replays the latest status entries for every plugin, letting
// a newly-connected observer catch up on alerts.
func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ledger.Replay())
}

func (s *Server) recordRequest(event, result string) {
	if s.metrics != nil {
		s.metrics.RequestsTotal.WithLabelValues(event, result).Inc()
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("failed to write gateway response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

// errCode extracts the machine-readable error code, if any.
func errCode(err error) string {
	if oopsErr, ok := oops.AsOops(err); ok {
		if code, ok := oopsErr.Code().(string); ok {
			return code
		}
	}
	return "INTERNAL"
}
