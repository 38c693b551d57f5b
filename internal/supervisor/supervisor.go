package supervisor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loykin/prefork/internal/health"
	"github.com/loykin/prefork/internal/history"
	"github.com/loykin/prefork/internal/socket"
	"github.com/loykin/prefork/internal/store"
	"github.com/loykin/prefork/internal/worker"
)

// Process is the capability set the supervisor needs from a worker. The real
// implementation is worker.Worker; tests inject fakes so supervisor logic is
// exercised without sockets.
type Process interface {
	// Start attaches the worker to the shared socket; returning nil means the
	// worker is ready to accept. ctx carries the startup deadline.
	Start(ctx context.Context) error
	// Drain stops accepting and waits for in-flight work, bounded by ctx.
	Drain(ctx context.Context) error
	// Kill terminates immediately.
	Kill()
	// Done is closed once the worker has fully exited.
	Done() <-chan struct{}
	// ExitErr reports the terminal error; valid after Done.
	ExitErr() error
}

// ProcessFactory builds one worker attached to the shared socket. Beats sent
// on the channel feed the supervisor's record bookkeeping.
type ProcessFactory func(id uint64, generation int, sock *socket.Manager, beats chan<- worker.Beat) (Process, error)

// Config is the supervisor's immutable runtime configuration.
type Config struct {
	BindAddress             string
	Port                    int
	Workers                 int
	RequestTimeout          time.Duration
	GracefulShutdownTimeout time.Duration
	HeartbeatInterval       time.Duration
	HeartbeatDeadline       time.Duration
	StartupTimeout          time.Duration
	CrashLoopWindow         time.Duration
	CrashLoopThreshold      int
	CrashLoopEscalation     int // 0 disables escalation
	Logger                  *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.BindAddress == "" {
		c.BindAddress = "0.0.0.0"
	}
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.GracefulShutdownTimeout <= 0 {
		c.GracefulShutdownTimeout = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = time.Second
	}
	if c.HeartbeatDeadline <= 0 {
		c.HeartbeatDeadline = 3 * c.HeartbeatInterval
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = 10 * time.Second
	}
	if c.CrashLoopWindow <= 0 {
		c.CrashLoopWindow = time.Minute
	}
	if c.CrashLoopThreshold <= 0 {
		c.CrashLoopThreshold = 5
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Supervisor owns the shared listening socket and the full worker lifecycle.
// Its control loop is the single writer of all worker records; everything else
// reaches it through control messages and event channels.
type Supervisor struct {
	cfg     Config
	factory ProcessFactory
	logger  *slog.Logger

	sock   *socket.Manager
	nextID atomic.Uint64

	ctrl   chan ctrlMsg
	beats  chan worker.Beat
	exits  chan exitEvent
	unresp chan health.Event
	apply  chan func()
	done   chan struct{}

	loopCancel context.CancelFunc

	// control-loop-owned state
	records      map[uint64]*record
	gen          int
	replacedAt   []time.Time
	degraded     bool
	stopping     bool
	stopGraceful bool
	stopProcs    []Process
	reloading    bool

	mu      sync.Mutex
	started bool
	exitErr error
	st      store.Store
	sinks   []history.Sink
}

type exitEvent struct {
	id  uint64
	err error
}

func New(cfg Config, factory ProcessFactory) *Supervisor {
	cfg = cfg.withDefaults()
	return &Supervisor{
		cfg:     cfg,
		factory: factory,
		logger:  cfg.Logger,
		ctrl:    make(chan ctrlMsg),
		beats:   make(chan worker.Beat, 64),
		exits:   make(chan exitEvent, 64),
		unresp:  make(chan health.Event, 16),
		apply:   make(chan func(), 16),
		done:    make(chan struct{}),
		records: make(map[uint64]*record),
	}
}

// SetStore configures a persistence store for lifecycle events and ensures
// its schema. Call before Start.
func (s *Supervisor) SetStore(st store.Store) error {
	s.mu.Lock()
	s.st = st
	s.mu.Unlock()
	if st == nil {
		return nil
	}
	return st.EnsureSchema(context.Background())
}

// SetHistorySinks configures external history sinks (ClickHouse, etc.).
// Passing no sinks clears the list.
func (s *Supervisor) SetHistorySinks(sinks ...history.Sink) {
	s.mu.Lock()
	s.sinks = append([]history.Sink(nil), sinks...)
	s.mu.Unlock()
}

// Start binds the listening socket, spawns the first worker generation, and
// launches the control loop and health monitor. A bind failure or a worker
// missing the startup deadline is fatal; the socket is released before return.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("supervisor already started")
	}
	s.started = true
	s.mu.Unlock()

	sock, err := socket.Bind(s.cfg.BindAddress, s.cfg.Port)
	if err != nil {
		return err
	}
	s.sock = sock

	recs, err := s.startGeneration(ctx, 1, s.cfg.Workers)
	if err != nil {
		_ = sock.Close()
		return err
	}
	for _, r := range recs {
		s.records[r.id] = r
		s.watch(r)
	}
	s.gen = 1

	lctx, cancel := context.WithCancel(context.Background())
	s.loopCancel = cancel
	go s.run(lctx)

	var reqDeadline time.Duration
	if s.cfg.RequestTimeout > 0 {
		reqDeadline = s.cfg.RequestTimeout + 2*s.cfg.HeartbeatInterval
	}
	mon := health.New(s.cfg.HeartbeatInterval, s.cfg.HeartbeatDeadline, reqDeadline,
		s.healthView, s.reportUnresponsive)
	go mon.Run(lctx)

	s.logger.Info("supervisor started",
		"addr", sock.Addr().String(), "workers", s.cfg.Workers)
	s.recordEvent(store.EventStart, 0, 1,
		fmt.Sprintf("listening on %s with %d workers", sock.Addr(), s.cfg.Workers))
	return nil
}

// Addr returns the bound address of the shared socket; nil before Start.
func (s *Supervisor) Addr() net.Addr {
	if s.sock == nil {
		return nil
	}
	return s.sock.Addr()
}

// Snapshot returns a copy of all worker records. Nil once the supervisor has
// stopped.
func (s *Supervisor) Snapshot() []WorkerStatus {
	snap := make(chan []WorkerStatus, 1)
	select {
	case s.ctrl <- ctrlMsg{typ: ctrlSnapshot, snap: snap}:
		return <-snap
	case <-s.done:
		return nil
	}
}

// Health summarizes pool health.
func (s *Supervisor) Health() Health {
	hc := make(chan Health, 1)
	select {
	case s.ctrl <- ctrlMsg{typ: ctrlHealth, health: hc}:
		return <-hc
	case <-s.done:
		return Health{}
	}
}

// Reload performs a rolling restart: a new generation is spawned and must
// reach ready before the old one drains. Failure aborts the reload and leaves
// the running generation untouched.
func (s *Supervisor) Reload(ctx context.Context) error {
	reply := make(chan error, 1)
	select {
	case s.ctrl <- ctrlMsg{typ: ctrlReload, reply: reply}:
	case <-s.done:
		return ErrNotStarted
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown terminates the pool. Graceful shutdown drains in-flight requests
// up to the configured timeout; forced shutdown kills immediately. The
// listening socket is closed last, after all workers are reaped.
func (s *Supervisor) Shutdown(ctx context.Context, graceful bool) error {
	reply := make(chan error, 1)
	select {
	case s.ctrl <- ctrlMsg{typ: ctrlShutdown, graceful: graceful, reply: reply}:
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the supervisor has fully stopped.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

// Err reports the terminal error (e.g. ErrCrashLoop); valid after Done.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitErr
}

// healthView adapts snapshots for the health monitor.
func (s *Supervisor) healthView() []health.WorkerView {
	snap := s.Snapshot()
	out := make([]health.WorkerView, 0, len(snap))
	for _, w := range snap {
		out = append(out, health.WorkerView{
			ID:               w.ID,
			State:            w.State.String(),
			LastHeartbeat:    w.LastHeartbeat,
			RequestStartedAt: w.RequestStartedAt,
		})
	}
	return out
}

// reportUnresponsive feeds monitor events into the control loop without
// blocking the monitor.
func (s *Supervisor) reportUnresponsive(ev health.Event) {
	select {
	case s.unresp <- ev:
	default:
	}
}

// watch forwards a worker's exit into the control loop.
func (s *Supervisor) watch(rec *record) {
	go func(id uint64, p Process) {
		<-p.Done()
		select {
		case s.exits <- exitEvent{id: id, err: p.ExitErr()}:
		case <-s.done:
		}
	}(rec.id, rec.proc)
}

// applyf hands a mutation to the control loop; the loop goroutine is the only
// one that runs it.
func (s *Supervisor) applyf(f func()) {
	select {
	case s.apply <- f:
	case <-s.done:
	}
}

// applySync runs f on the control loop and waits for it.
func (s *Supervisor) applySync(f func()) {
	ch := make(chan struct{})
	s.applyf(func() {
		f()
		close(ch)
	})
	select {
	case <-ch:
	case <-s.done:
	}
}

// recordEvent persists a lifecycle event to the store and history sinks,
// best-effort.
func (s *Supervisor) recordEvent(ev store.EventType, workerID uint64, gen int, detail string) {
	s.mu.Lock()
	st := s.st
	sinks := append([]history.Sink(nil), s.sinks...)
	s.mu.Unlock()
	if st == nil && len(sinks) == 0 {
		return
	}
	rec := store.Record{
		WorkerID:   workerID,
		Generation: gen,
		Event:      ev,
		OccurredAt: time.Now().UTC(),
	}
	if detail != "" {
		rec.Detail = sql.NullString{String: detail, Valid: true}
	}
	if st != nil {
		_ = st.RecordEvent(context.Background(), rec)
	}
	for _, sk := range sinks {
		_ = sk.Send(context.Background(), history.Event{Type: ev, OccurredAt: rec.OccurredAt, Record: rec})
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
