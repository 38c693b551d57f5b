package socket

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// BindError reports a failure to bind the listening socket. It is fatal at
// startup; callers map it to a distinct exit code.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string { return fmt.Sprintf("bind %s: %v", e.Addr, e.Err) }
func (e *BindError) Unwrap() error { return e.Err }

// Manager owns the bound listening socket for the lifetime of the supervisor.
// A single accept pump hands connections to Gate values over an unbuffered
// channel, so exactly one worker receives each connection and an individual
// gate can close without touching the shared socket.
type Manager struct {
	ln        net.Listener
	conns     chan net.Conn
	done      chan struct{}
	closeOnce sync.Once
}

// Bind binds a TCP listening socket on address:port and starts the accept
// pump. port 0 selects an ephemeral port (useful in tests); the effective
// address is available via Addr.
func Bind(address string, port int) (*Manager, error) {
	addr := net.JoinHostPort(address, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, &BindError{Addr: addr, Err: err}
	}
	m := &Manager{
		ln:    ln,
		conns: make(chan net.Conn),
		done:  make(chan struct{}),
	}
	go m.acceptLoop()
	return m, nil
}

// Addr returns the bound address of the shared socket.
func (m *Manager) Addr() net.Addr { return m.ln.Addr() }

// Close releases the OS-level listener and stops the accept pump. It is
// idempotent and safe to call from any goroutine.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.done)
		err = m.ln.Close()
	})
	return err
}

// acceptLoop is the single goroutine calling Accept on the OS listener.
// Temporary accept errors back off the way net/http's Serve does.
func (m *Manager) acceptLoop() {
	defer close(m.conns)
	var delay time.Duration
	for {
		c, err := m.ln.Accept()
		if err != nil {
			select {
			case <-m.done:
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if delay == 0 {
					delay = 5 * time.Millisecond
				} else {
					delay *= 2
				}
				if delay > time.Second {
					delay = time.Second
				}
				time.Sleep(delay)
				continue
			}
			return
		}
		delay = 0
		select {
		case m.conns <- c:
		case <-m.done:
			_ = c.Close()
			return
		}
	}
}

// NewGate returns a net.Listener view of the shared socket for one worker.
func (m *Manager) NewGate() *Gate {
	return &Gate{m: m, done: make(chan struct{})}
}

// Gate implements net.Listener over the shared accept channel. Closing a gate
// only stops this worker from accepting; the shared socket stays open.
type Gate struct {
	m    *Manager
	done chan struct{}
	once sync.Once
}

func (g *Gate) Accept() (net.Conn, error) {
	select {
	case <-g.done:
		return nil, net.ErrClosed
	default:
	}
	select {
	case <-g.done:
		return nil, net.ErrClosed
	case c, ok := <-g.m.conns:
		if !ok {
			return nil, net.ErrClosed
		}
		return c, nil
	}
}

// Close is idempotent. It never closes the shared socket.
func (g *Gate) Close() error {
	g.once.Do(func() { close(g.done) })
	return nil
}

func (g *Gate) Addr() net.Addr { return g.m.Addr() }
