package worker

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/loykin/prefork/internal/socket"
)

// Beat is a periodic liveness report from a worker. The supervisor is the
// only consumer; it derives Ready/Busy from InFlight and tracks request
// deadlines from RequestStartedAt.
type Beat struct {
	WorkerID         uint64
	At               time.Time
	InFlight         int
	RequestStartedAt time.Time // earliest in-flight request start; zero when idle
	Stalled          bool      // a request exceeded the per-request deadline
}

// Options configures a single worker.
type Options struct {
	ID                uint64
	Generation        int
	Handler           http.Handler
	Socket            *socket.Manager
	RequestTimeout    time.Duration
	HeartbeatInterval time.Duration
	Beats             chan<- Beat
	Logger            *slog.Logger
}

// Worker runs one accept/dispatch loop over a gate of the shared socket.
// It satisfies the supervisor's Process contract.
type Worker struct {
	id         uint64
	gen        int
	app        http.Handler
	sock       *socket.Manager
	reqTimeout time.Duration
	hbInterval time.Duration
	beats      chan<- Beat
	logger     *slog.Logger

	gate *socket.Gate
	srv  *http.Server

	flight flightTable

	mu      sync.Mutex
	started bool
	exitErr error
	done    chan struct{}
	hbStop  chan struct{}
}

func New(o Options) *Worker {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hb := o.HeartbeatInterval
	if hb <= 0 {
		hb = time.Second
	}
	return &Worker{
		id:         o.ID,
		gen:        o.Generation,
		app:        o.Handler,
		sock:       o.Socket,
		reqTimeout: o.RequestTimeout,
		hbInterval: hb,
		beats:      o.Beats,
		logger:     logger.With("worker", o.ID, "generation", o.Generation),
		done:       make(chan struct{}),
		hbStop:     make(chan struct{}),
	}
}

func (w *Worker) ID() uint64      { return w.id }
func (w *Worker) Generation() int { return w.gen }

// Start attaches the worker to the shared socket and begins serving.
// It returns once the accept loop is running; an in-process worker attaches
// immediately, so only a canceled context can fail it.
func (w *Worker) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return errors.New("worker already started")
	}
	w.started = true
	w.gate = w.sock.NewGate()
	w.srv = &http.Server{
		Handler:           w.dispatch(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	w.mu.Unlock()

	go func() {
		err := w.srv.Serve(w.gate)
		if errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed) {
			err = nil
		}
		w.mu.Lock()
		w.exitErr = err
		w.mu.Unlock()
		close(w.hbStop)
		close(w.done)
	}()
	go w.heartbeat()
	w.sendBeat(false)
	return nil
}

// Drain stops accepting new connections and waits for in-flight requests,
// bounded by ctx. Stragglers are cut off when the deadline passes.
func (w *Worker) Drain(ctx context.Context) error {
	w.mu.Lock()
	srv := w.srv
	w.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
		return err
	}
	return nil
}

// Kill terminates the worker immediately, truncating in-flight responses.
func (w *Worker) Kill() {
	w.mu.Lock()
	srv := w.srv
	w.mu.Unlock()
	if srv != nil {
		_ = srv.Close()
	}
}

// Done is closed once the accept loop has exited.
func (w *Worker) Done() <-chan struct{} { return w.done }

// ExitErr reports the accept loop's terminal error. Valid after Done.
func (w *Worker) ExitErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exitErr
}

func (w *Worker) heartbeat() {
	t := time.NewTicker(w.hbInterval)
	defer t.Stop()
	for {
		select {
		case <-w.hbStop:
			return
		case <-t.C:
			w.sendBeat(false)
		}
	}
}

// sendBeat never blocks; a full supervisor channel drops the beat and the
// next tick carries fresh data anyway.
func (w *Worker) sendBeat(stalled bool) {
	if w.beats == nil {
		return
	}
	n, oldest := w.flight.snapshot()
	b := Beat{
		WorkerID:         w.id,
		At:               time.Now(),
		InFlight:         n,
		RequestStartedAt: oldest,
		Stalled:          stalled,
	}
	select {
	case w.beats <- b:
	default:
	}
}

// flightTable tracks in-flight request start times so beats can report the
// earliest outstanding request.
type flightTable struct {
	mu     sync.Mutex
	next   uint64
	starts map[uint64]time.Time
}

func (f *flightTable) add(at time.Time) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.starts == nil {
		f.starts = make(map[uint64]time.Time)
	}
	f.next++
	f.starts[f.next] = at
	return f.next
}

func (f *flightTable) remove(token uint64) {
	f.mu.Lock()
	delete(f.starts, token)
	f.mu.Unlock()
}

func (f *flightTable) snapshot() (int, time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var oldest time.Time
	for _, t := range f.starts {
		if oldest.IsZero() || t.Before(oldest) {
			oldest = t
		}
	}
	return len(f.starts), oldest
}
