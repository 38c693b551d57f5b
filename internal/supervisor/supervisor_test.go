package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/prefork/internal/health"
	"github.com/loykin/prefork/internal/socket"
	"github.com/loykin/prefork/internal/worker"
)

// fakeProc satisfies Process without touching the shared socket. Tests drive
// crashes by calling crash(); Drain and Kill both end it cleanly.
type fakeProc struct {
	id         uint64
	startErr   error
	startGate  chan struct{} // when non-nil, Start blocks until closed
	drainBlock bool          // Drain hangs until the proc is killed

	mu      sync.Mutex
	exitErr error
	done    chan struct{}
	ended   bool
}

func newFakeProc(id uint64) *fakeProc {
	return &fakeProc{id: id, done: make(chan struct{})}
}

func (p *fakeProc) Start(ctx context.Context) error {
	if p.startGate != nil {
		select {
		case <-p.startGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return p.startErr
}

func (p *fakeProc) Drain(ctx context.Context) error {
	if p.drainBlock {
		select {
		case <-p.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	p.end(nil)
	return nil
}

func (p *fakeProc) Kill() { p.end(nil) }

func (p *fakeProc) Done() <-chan struct{} { return p.done }

func (p *fakeProc) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

func (p *fakeProc) crash(err error) { p.end(err) }

func (p *fakeProc) end(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ended {
		return
	}
	p.ended = true
	p.exitErr = err
	close(p.done)
}

// fakeFactory records every process it creates.
type fakeFactory struct {
	mu         sync.Mutex
	procs      []*fakeProc
	startErr   error         // applied to newly created procs
	autoExit   bool          // new procs crash as soon as they are watched
	drainBlock bool          // new procs hang in Drain until killed
	gateGen    int           // when > 0, Start of this generation blocks on gate
	gate       chan struct{} // released by the test
}

func (f *fakeFactory) new(id uint64, gen int, sock *socket.Manager, beats chan<- worker.Beat) (Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := newFakeProc(id)
	p.startErr = f.startErr
	p.drainBlock = f.drainBlock
	if f.gateGen > 0 && gen == f.gateGen {
		p.startGate = f.gate
	}
	f.procs = append(f.procs, p)
	if f.autoExit && p.startErr == nil {
		go func() {
			time.Sleep(5 * time.Millisecond)
			p.crash(errors.New("crash"))
		}()
	}
	return p, nil
}

func (f *fakeFactory) created() []*fakeProc {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeProc(nil), f.procs...)
}

func (f *fakeFactory) setStartErr(err error) {
	f.mu.Lock()
	f.startErr = err
	f.mu.Unlock()
}

func testConfig(workers int) Config {
	return Config{
		BindAddress:             "127.0.0.1",
		Port:                    0,
		Workers:                 workers,
		HeartbeatInterval:       10 * time.Millisecond,
		HeartbeatDeadline:       time.Minute,
		StartupTimeout:          time.Second,
		GracefulShutdownTimeout: time.Second,
		CrashLoopWindow:         time.Minute,
		CrashLoopThreshold:      100,
	}
}

func startSupervisor(t *testing.T, cfg Config, f *fakeFactory) *Supervisor {
	t.Helper()
	s := New(cfg, f.new)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx, false)
	})
	return s
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestStartSpawnsAllWorkers(t *testing.T) {
	f := &fakeFactory{}
	s := startSupervisor(t, testConfig(4), f)

	snap := s.Snapshot()
	require.Len(t, snap, 4)
	for _, w := range snap {
		assert.Equal(t, StateReady, w.State)
		assert.Equal(t, 1, w.Generation)
	}

	h := s.Health()
	assert.Equal(t, 1, h.Generation)
	assert.Equal(t, 4, h.Workers)
	assert.Equal(t, 4, h.Ready)
	assert.False(t, h.Degraded)
	assert.NotNil(t, s.Addr())
}

func TestStartFailsWhenWorkerCannotStart(t *testing.T) {
	f := &fakeFactory{}
	f.setStartErr(errors.New("no thread"))

	s := New(testConfig(2), f.new)
	err := s.Start(context.Background())
	require.Error(t, err)

	var se *StartupError
	assert.True(t, errors.As(err, &se))
}

func TestDoubleStartRejected(t *testing.T) {
	f := &fakeFactory{}
	s := startSupervisor(t, testConfig(1), f)
	assert.Error(t, s.Start(context.Background()))
}

func TestBeatsDriveReadyBusy(t *testing.T) {
	f := &fakeFactory{}
	s := startSupervisor(t, testConfig(1), f)

	id := s.Snapshot()[0].ID
	s.beats <- worker.Beat{WorkerID: id, At: time.Now(), InFlight: 2, RequestStartedAt: time.Now()}
	waitFor(t, time.Second, func() bool {
		return s.Snapshot()[0].State == StateBusy
	}, "worker never became busy")

	s.beats <- worker.Beat{WorkerID: id, At: time.Now(), InFlight: 0}
	waitFor(t, time.Second, func() bool {
		return s.Snapshot()[0].State == StateReady
	}, "worker never returned to ready")
}

func TestCrashedWorkerReplaced(t *testing.T) {
	f := &fakeFactory{}
	s := startSupervisor(t, testConfig(2), f)

	victim := f.created()[0]
	victim.crash(errors.New("segfault"))

	waitFor(t, 2*time.Second, func() bool {
		snap := s.Snapshot()
		if len(snap) != 2 {
			return false
		}
		for _, w := range snap {
			if w.State != StateReady {
				return false
			}
			if w.ID == victim.id {
				return false
			}
		}
		return true
	}, "crashed worker was not replaced")

	h := s.Health()
	assert.Equal(t, 2, h.Ready)
	assert.False(t, h.Degraded)
}

func TestCrashLoopDegradesHealth(t *testing.T) {
	cfg := testConfig(1)
	cfg.CrashLoopThreshold = 3
	f := &fakeFactory{autoExit: true}
	s := startSupervisor(t, cfg, f)

	waitFor(t, 5*time.Second, func() bool {
		return s.Health().Degraded
	}, "health never degraded despite crash loop")

	// Degraded is a report, not a stop: the pool keeps replacing.
	select {
	case <-s.Done():
		t.Fatal("supervisor stopped without an escalation limit")
	default:
	}
}

func TestCrashLoopEscalationShutsDown(t *testing.T) {
	cfg := testConfig(1)
	cfg.CrashLoopThreshold = 2
	cfg.CrashLoopEscalation = 4
	f := &fakeFactory{autoExit: true}
	s := startSupervisor(t, cfg, f)

	select {
	case <-s.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("escalation limit never triggered shutdown")
	}
	assert.ErrorIs(t, s.Err(), ErrCrashLoop)
}

func TestReloadSwapsGenerations(t *testing.T) {
	f := &fakeFactory{}
	s := startSupervisor(t, testConfig(2), f)

	oldIDs := map[uint64]bool{}
	for _, w := range s.Snapshot() {
		oldIDs[w.ID] = true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, s.Reload(ctx))

	waitFor(t, 2*time.Second, func() bool {
		snap := s.Snapshot()
		if len(snap) != 2 {
			return false
		}
		for _, w := range snap {
			if w.Generation != 2 || w.State != StateReady || oldIDs[w.ID] {
				return false
			}
		}
		return true
	}, "new generation did not take over")

	assert.Equal(t, 2, s.Health().Generation)
}

func TestReloadAbortKeepsOldGeneration(t *testing.T) {
	f := &fakeFactory{}
	s := startSupervisor(t, testConfig(2), f)

	f.setStartErr(errors.New("bad code"))
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := s.Reload(ctx)
	require.Error(t, err)

	h := s.Health()
	assert.Equal(t, 1, h.Generation)
	assert.Equal(t, 2, h.Ready)

	// A later reload succeeds once workers start again. The abort flag clears
	// asynchronously, so tolerate a brief in-progress rejection.
	f.setStartErr(nil)
	waitFor(t, 2*time.Second, func() bool {
		rctx, rcancel := context.WithTimeout(context.Background(), time.Second)
		defer rcancel()
		err := s.Reload(rctx)
		if errors.Is(err, ErrReloadInProgress) {
			return false
		}
		require.NoError(t, err)
		return true
	}, "reload never recovered after an abort")
	assert.Equal(t, 2, s.Health().Generation)
}

func TestConcurrentReloadRejected(t *testing.T) {
	// Block the second generation's startup so the first reload stays open.
	f := &fakeFactory{gateGen: 2, gate: make(chan struct{})}
	s := startSupervisor(t, testConfig(1), f)

	first := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		first <- s.Reload(ctx)
	}()

	// The first reload is committed once the factory has built a gen-2 worker.
	waitFor(t, time.Second, func() bool {
		return len(f.created()) > 1
	}, "first reload never started its generation")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.ErrorIs(t, s.Reload(ctx), ErrReloadInProgress)

	close(f.gate)
	require.NoError(t, <-first)
}

func TestGracefulShutdown(t *testing.T) {
	f := &fakeFactory{}
	s := startSupervisor(t, testConfig(3), f)

	addr := s.Addr()
	require.NotNil(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx, true))

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after shutdown")
	}
	assert.NoError(t, s.Err())
	assert.Nil(t, s.Snapshot())

	// Second shutdown is a no-op.
	assert.NoError(t, s.Shutdown(ctx, true))
}

func TestForcedShutdown(t *testing.T) {
	f := &fakeFactory{}
	s := startSupervisor(t, testConfig(2), f)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx, false))

	for _, p := range f.created() {
		select {
		case <-p.Done():
		default:
			t.Fatalf("worker %d still running after forced shutdown", p.id)
		}
	}
}

func TestForcedShutdownCutsGracefulDrain(t *testing.T) {
	cfg := testConfig(2)
	cfg.GracefulShutdownTimeout = time.Minute
	f := &fakeFactory{drainBlock: true}
	s := startSupervisor(t, cfg, f)

	graceErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		graceErr <- s.Shutdown(ctx, true)
	}()

	waitFor(t, time.Second, func() bool {
		snap := s.Snapshot()
		if len(snap) != 2 {
			return false
		}
		for _, w := range snap {
			if w.State != StateDraining {
				return false
			}
		}
		return true
	}, "workers never entered draining")

	// The second, forced request must kill the hanging drains instead of
	// waiting out the full graceful timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx, false))

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("forced shutdown did not cut the drain short")
	}
	require.NoError(t, <-graceErr)
	for _, p := range f.created() {
		select {
		case <-p.Done():
		default:
			t.Fatalf("worker %d survived the escalation", p.id)
		}
	}
}

func TestStalledRequestForcesRecycle(t *testing.T) {
	cfg := testConfig(1)
	cfg.RequestTimeout = 20 * time.Millisecond
	f := &fakeFactory{}
	s := startSupervisor(t, cfg, f)

	victim := f.created()[0]

	// Beats pinned to an hour-old request simulate a handler that ignored
	// its deadline: the monitor must force-recycle the worker.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		reqStart := time.Now().Add(-time.Hour)
		tick := time.NewTicker(5 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				select {
				case s.beats <- worker.Beat{
					WorkerID:         victim.id,
					At:               time.Now(),
					InFlight:         1,
					RequestStartedAt: reqStart,
					Stalled:          true,
				}:
				default:
				}
			}
		}
	}()

	waitFor(t, 3*time.Second, func() bool {
		snap := s.Snapshot()
		return len(snap) == 1 && snap[0].ID != victim.id && snap[0].State == StateReady
	}, "worker with a stuck request was never recycled")
}

func TestStalledBeatFlagsRecord(t *testing.T) {
	f := &fakeFactory{}
	s := startSupervisor(t, testConfig(1), f)

	id := s.Snapshot()[0].ID
	s.beats <- worker.Beat{WorkerID: id, At: time.Now(), InFlight: 1, RequestStartedAt: time.Now(), Stalled: true}
	waitFor(t, time.Second, func() bool {
		w := s.Snapshot()[0]
		return w.Stalled && w.State == StateBusy
	}, "stalled beat not reflected in the snapshot")

	s.beats <- worker.Beat{WorkerID: id, At: time.Now(), InFlight: 0}
	waitFor(t, time.Second, func() bool {
		return !s.Snapshot()[0].Stalled
	}, "stalled flag never cleared once the worker went idle")
}

func TestUnresponsiveWorkerRecycled(t *testing.T) {
	f := &fakeFactory{}
	s := startSupervisor(t, testConfig(1), f)

	victim := f.created()[0]
	s.unresp <- health.Event{WorkerID: victim.id, Reason: health.ReasonMissedHeartbeat, Since: time.Minute}

	// The kill turns into an exit, the exit into a replacement.
	waitFor(t, 2*time.Second, func() bool {
		snap := s.Snapshot()
		return len(snap) == 1 && snap[0].ID != victim.id && snap[0].State == StateReady
	}, "unresponsive worker was not recycled")
}

func TestReloadAfterShutdownRejected(t *testing.T) {
	f := &fakeFactory{}
	s := startSupervisor(t, testConfig(1), f)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx, false))

	assert.ErrorIs(t, s.Reload(ctx), ErrNotStarted)
}
