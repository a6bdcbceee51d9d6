// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugdeck Contributors

// Package observability provides HTTP endpoints for metrics and health checks.
package observability

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/oops"

	"github.com/plugdeck/plugdeck/internal/hub"
)

// ReadinessChecker returns whether the service is ready to accept connections.
type ReadinessChecker func() bool

// Package-level counters so brokers and the loader can record events
// without needing access to the Server instance.
var (
	providerSwaps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plugdeck_provider_swaps_total",
			Help: "Total number of broker provider hot-swaps by broker",
		},
		[]string{"broker"},
	)

	pluginLoads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plugdeck_plugin_loads_total",
			Help: "Total number of plugin load attempts by result",
		},
		[]string{"result"},
	)

	gatewayTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plugdeck_gateway_timeouts_total",
			Help: "Total number of correlated gateway requests that timed out, by event",
		},
		[]string{"event"},
	)
)

// RecordProviderSwap increments the hot-swap counter for a broker.
func RecordProviderSwap(broker string) {
	providerSwaps.WithLabelValues(broker).Inc()
}

// RecordPluginLoad increments the plugin load counter.
// result is "mounted" or "failed".
func RecordPluginLoad(result string) {
	pluginLoads.WithLabelValues(result).Inc()
}

// RecordGatewayTimeout increments the gateway timeout counter for an event.
func RecordGatewayTimeout(event string) {
	gatewayTimeouts.WithLabelValues(event).Inc()
}

// Metrics contains custom Prometheus metrics for Plugdeck.
type Metrics struct {
	RequestsTotal *prometheus.CounterVec
	EventsTotal   *prometheus.CounterVec
}

// NewMetrics creates and registers custom Plugdeck metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugdeck_gateway_requests_total",
				Help: "Total number of gateway command requests by event and status",
			},
			[]string{"event", "status"},
		),
		EventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugdeck_events_total",
				Help: "Total number of events emitted on the hub by name",
			},
			[]string{"event"},
		),
	}

	reg.MustRegister(m.RequestsTotal)
	reg.MustRegister(m.EventsTotal)
	reg.MustRegister(providerSwaps)
	reg.MustRegister(pluginLoads)
	reg.MustRegister(gatewayTimeouts)

	return m
}

// EventCounter returns a hub broadcaster that counts every dispatched event
// by name. It is installed on the process bus at startup.
func (m *Metrics) EventCounter() hub.Broadcaster {
	return func(ev hub.Event) {
		m.EventsTotal.WithLabelValues(ev.Name).Inc()
	}
}

// Server provides HTTP endpoints for observability (metrics and health probes).
type Server struct {
	addr       string
	listener   net.Listener
	httpServer *http.Server
	registry   *prometheus.Registry
	metrics    *Metrics
	isReady    ReadinessChecker
	running    atomic.Bool
}

// NewServer creates a new observability server.
// addr: listen address in "host:port" format (e.g., "127.0.0.1:9100", ":9100" for all interfaces).
func NewServer(addr string, readinessChecker ReadinessChecker) *Server {
	// Create a new registry to avoid polluting the global one
	registry := prometheus.NewRegistry()

	// Register standard Go metrics
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Register custom metrics
	metrics := NewMetrics(registry)

	return &Server{
		addr:     addr,
		registry: registry,
		metrics:  metrics,
		isReady:  readinessChecker,
	}
}

// Metrics returns the custom metrics for recording application events.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Start begins serving observability endpoints.
// It returns an error channel that will receive any errors from the HTTP server
// after it starts. The channel is closed when the server stops gracefully.
// Callers should monitor this channel to detect server failures.
func (s *Server) Start() (<-chan error, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, oops.Errorf("observability server already running")
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.running.Store(false)
		return nil, oops.With("addr", s.addr).Wrap(err)
	}
	s.listener = listener

	mux := http.NewServeMux()

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	// Kubernetes-style health probes
	mux.HandleFunc("/healthz/liveness", s.handleLiveness)
	mux.HandleFunc("/healthz/readiness", s.handleReadiness)

	httpSrv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServer = httpSrv

	// Create buffered error channel so the goroutine doesn't block
	errCh := make(chan error, 1)

	go func() {
		defer close(errCh)
		// Use local httpSrv to avoid race with subsequent Start() calls
		if serveErr := httpSrv.Serve(listener); serveErr != nil && serveErr != http.ErrServerClosed {
			slog.Error("observability server error", "error", serveErr)
			errCh <- serveErr
		}
	}()

	slog.Info("observability server started", "addr", listener.Addr().String())
	return errCh, nil
}

// Stop gracefully shuts down the observability server.
func (s *Server) Stop(ctx context.Context) error {
	// Use CompareAndSwap to atomically transition from running to stopped.
	// This prevents a race where a concurrent Start() could succeed between
	// checking the running state and setting it to false.
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			// Restore running state on failure so the server can be stopped again
			s.running.Store(true)
			return oops.With("operation", "shutdown_observability_server").Wrap(err)
		}
	}

	slog.Info("observability server stopped")
	return nil
}

// Addr returns the address the server is listening on.
// Returns empty string if not running.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// handleLiveness returns 200 if the process is running.
func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // health check write error is acceptable, client may disconnect
	w.Write([]byte("ok\n"))
}

// handleReadiness returns 200 if the service is ready to accept connections,
// or 503 if not ready.
func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	if s.isReady == nil || s.isReady() {
		w.WriteHeader(http.StatusOK)
		//nolint:errcheck // health check write error is acceptable, client may disconnect
		w.Write([]byte("ok\n"))
		return
	}

	w.WriteHeader(http.StatusServiceUnavailable)
	//nolint:errcheck // health check write error is acceptable, client may disconnect
	w.Write([]byte("not ready\n"))
}
