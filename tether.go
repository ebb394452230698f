// Package tether supervises external programs declared in an ecosystem
// file: it launches them, records their PID files, timestamps their output
// and applies a restart policy when they exit.
package tether

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/tether/internal/config"
	"github.com/loykin/tether/internal/history"
	"github.com/loykin/tether/internal/history/factory"
	"github.com/loykin/tether/internal/manager"
	"github.com/loykin/tether/internal/metrics"
	"github.com/loykin/tether/internal/process"
	"github.com/loykin/tether/internal/server"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Spec = process.Spec

type Status = process.Status

type State = process.State

type Event = manager.Event

type Ecosystem = config.Ecosystem

type LoadOptions = config.Options

type HistorySink = history.Sink

type Option = manager.Option

var (
	WithLogger        = manager.WithLogger
	WithEnv           = manager.WithEnv
	WithHistory       = manager.WithHistory
	WithLogConfig     = manager.WithLogConfig
	WithOutputFactory = manager.WithOutputFactory
	WithEventBuffer   = manager.WithEventBuffer
)

var (
	ErrUnknownProcess    = manager.ErrUnknownProcess
	ErrAlreadyRegistered = manager.ErrAlreadyRegistered
	ErrShutdown          = manager.ErrShutdown
)

// Manager is a thin facade over internal/manager.Manager.
// It provides a stable public API for embedding.
type Manager struct{ inner *manager.Manager }

func New(opts ...Option) *Manager { return &Manager{inner: manager.NewManager(opts...)} }

func (m *Manager) Register(s Spec) error                        { return m.inner.Register(s) }
func (m *Manager) Start(ctx context.Context, name string) error { return m.inner.Start(ctx, name) }
func (m *Manager) Stop(name string, grace time.Duration) error  { return m.inner.Stop(name, grace) }
func (m *Manager) Restart(ctx context.Context, name string) error {
	return m.inner.Restart(ctx, name)
}
func (m *Manager) Status(name string) (Status, error) { return m.inner.Status(name) }
func (m *Manager) StatusAll() []Status                { return m.inner.StatusAll() }
func (m *Manager) Remove(name string) error           { return m.inner.Remove(name) }
func (m *Manager) Events() <-chan Event               { return m.inner.Events() }
func (m *Manager) ApplyConfig(ctx context.Context, specs []Spec) error {
	return m.inner.ApplyConfig(ctx, specs)
}
func (m *Manager) Shutdown(ctx context.Context) error { return m.inner.Shutdown(ctx) }

// LoadEcosystem reads a JSON, YAML or TOML ecosystem file.
func LoadEcosystem(path string, opts LoadOptions) (*Ecosystem, error) {
	return config.Load(path, opts)
}

// NewHandler returns the HTTP control API for m mounted under basePath.
func NewHandler(m *Manager, basePath string) http.Handler {
	return server.NewRouter(m.inner, basePath).Handler()
}

// NewHTTPServer starts an HTTP server exposing the control API.
func NewHTTPServer(addr, basePath string, m *Manager) *http.Server {
	return server.NewServer(addr, server.NewRouter(m.inner, basePath))
}

// NewHistorySinks builds history sinks from DSNs such as
// "sqlite:///var/lib/tether/history.db" or "postgres://...".
func NewHistorySinks(dsns []string) ([]HistorySink, error) { return factory.NewSinks(dsns) }

// NewHistoryRecorder delivers lifecycle events to sinks in the background.
func NewHistoryRecorder(sinks ...HistorySink) *history.Recorder {
	return history.NewRecorder(nil, sinks...)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics from the
// default registry. It blocks until the server stops.
func ServeMetrics(addr string) error {
	return metricsServer(addr).ListenAndServe()
}

func metricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
