// Package prefork turns a single http.Handler into a supervised multi-worker
// HTTP service: a pool of workers shares one listening socket, crashed or
// stalled workers are replaced, and rolling reloads and graceful shutdown
// never refuse a connection while the supervisor is alive.
package prefork

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/prefork/internal/config"
	"github.com/loykin/prefork/internal/history"
	chsink "github.com/loykin/prefork/internal/history/clickhouse"
	"github.com/loykin/prefork/internal/metrics"
	iapi "github.com/loykin/prefork/internal/server"
	"github.com/loykin/prefork/internal/socket"
	storefactory "github.com/loykin/prefork/internal/store/factory"
	"github.com/loykin/prefork/internal/supervisor"
	"github.com/loykin/prefork/internal/worker"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.Config

type HistoryConfig = cfg.HistoryConfig

type WorkerStatus = supervisor.WorkerStatus

type Health = supervisor.Health

type HistorySink = history.Sink

// Supervisor is a thin facade over internal/supervisor.Supervisor wired to
// in-process HTTP workers serving the given application handler.
type Supervisor struct{ inner *supervisor.Supervisor }

// New builds a supervisor for app. The handler is the application entry
// point; everything else (socket sharing, worker lifecycle, timeouts) is the
// supervisor's business.
func New(c Config, app http.Handler) *Supervisor {
	logger, _ := c.Log.New()
	scfg := supervisor.Config{
		BindAddress:             c.BindAddress,
		Port:                    c.Port,
		Workers:                 c.Workers,
		RequestTimeout:          c.RequestTimeout,
		GracefulShutdownTimeout: c.GracefulShutdownTimeout,
		HeartbeatInterval:       c.HeartbeatInterval,
		HeartbeatDeadline:       c.HeartbeatDeadline,
		StartupTimeout:          c.StartupTimeout,
		CrashLoopWindow:         c.CrashLoopWindow,
		CrashLoopThreshold:      c.CrashLoopThreshold,
		CrashLoopEscalation:     c.CrashLoopEscalation,
		Logger:                  logger,
	}
	factory := func(id uint64, gen int, sock *socket.Manager, beats chan<- worker.Beat) (supervisor.Process, error) {
		return worker.New(worker.Options{
			ID:                id,
			Generation:        gen,
			Handler:           app,
			Socket:            sock,
			RequestTimeout:    c.RequestTimeout,
			HeartbeatInterval: c.HeartbeatInterval,
			Beats:             beats,
			Logger:            logger,
		}), nil
	}
	return &Supervisor{inner: supervisor.New(scfg, factory)}
}

func (s *Supervisor) Start(ctx context.Context) error { return s.inner.Start(ctx) }
func (s *Supervisor) Reload(ctx context.Context) error {
	return s.inner.Reload(ctx)
}
func (s *Supervisor) Shutdown(ctx context.Context, graceful bool) error {
	return s.inner.Shutdown(ctx, graceful)
}
func (s *Supervisor) Snapshot() []WorkerStatus { return s.inner.Snapshot() }
func (s *Supervisor) Health() Health           { return s.inner.Health() }
func (s *Supervisor) Addr() net.Addr           { return s.inner.Addr() }
func (s *Supervisor) Done() <-chan struct{}    { return s.inner.Done() }
func (s *Supervisor) Err() error               { return s.inner.Err() }

// UseStore wires a lifecycle event store by DSN (sqlite path or postgres://).
func (s *Supervisor) UseStore(dsn string) error {
	st, err := storefactory.NewFromDSN(dsn)
	if err != nil {
		return err
	}
	return s.inner.SetStore(st)
}

// UseClickHouseHistory wires a ClickHouse history sink for lifecycle events.
func (s *Supervisor) UseClickHouseHistory(addr, table string) error {
	sink, err := chsink.New(addr, table)
	if err != nil {
		return err
	}
	if err := sink.EnsureSchema(context.Background()); err != nil {
		_ = sink.Close()
		return err
	}
	s.inner.SetHistorySinks(sink)
	return nil
}

// SetHistorySinks configures custom history sinks.
func (s *Supervisor) SetHistorySinks(sinks ...HistorySink) { s.inner.SetHistorySinks(sinks...) }

// LoadConfig resolves configuration from an optional TOML file plus
// environment (PREFORK_*, PORT).
func LoadConfig(path string) (Config, error) { return cfg.Load(path) }

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config { return cfg.Default() }

// NewControlServer starts the control API (status/reload/shutdown/metrics)
// on addr for this supervisor.
func NewControlServer(addr, basePath string, s *Supervisor) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, s.inner)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the
// default registry. It runs in the caller's goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
