package health

import (
	"context"
	"time"
)

// Reason classifies why a worker was flagged.
type Reason string

const (
	ReasonMissedHeartbeat Reason = "missed-heartbeat"
	ReasonRequestDeadline Reason = "request-deadline"
)

// WorkerView is the monitor's read-only view of one worker record.
type WorkerView struct {
	ID               uint64
	State            string
	LastHeartbeat    time.Time
	RequestStartedAt time.Time
}

// Event signals an unresponsive worker to the supervisor. The monitor never
// mutates worker state itself; the supervisor is the sole lifecycle authority.
type Event struct {
	WorkerID uint64
	Reason   Reason
	Since    time.Duration
}

// Monitor checks worker liveness on a fixed interval. SnapshotFn and EmitFn
// are injected so the monitor stays purely observational and testable.
type Monitor struct {
	interval          time.Duration
	heartbeatDeadline time.Duration
	requestDeadline   time.Duration
	snapshot          func() []WorkerView
	emit              func(Event)
}

// New builds a monitor. heartbeatDeadline bounds silence since the last beat;
// requestDeadline bounds a single request's age (it should exceed the worker's
// own request timeout so the in-request watchdog fires first).
func New(interval, heartbeatDeadline, requestDeadline time.Duration,
	snapshot func() []WorkerView, emit func(Event)) *Monitor {
	if interval <= 0 {
		interval = time.Second
	}
	return &Monitor{
		interval:          interval,
		heartbeatDeadline: heartbeatDeadline,
		requestDeadline:   requestDeadline,
		snapshot:          snapshot,
		emit:              emit,
	}
}

// Run blocks until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) {
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			m.check(now)
		}
	}
}

func (m *Monitor) check(now time.Time) {
	for _, w := range m.snapshot() {
		// Draining and dead workers are the supervisor's problem already.
		if w.State != "ready" && w.State != "busy" {
			continue
		}
		if m.heartbeatDeadline > 0 && !w.LastHeartbeat.IsZero() {
			if since := now.Sub(w.LastHeartbeat); since > m.heartbeatDeadline {
				m.emit(Event{WorkerID: w.ID, Reason: ReasonMissedHeartbeat, Since: since})
				continue
			}
		}
		if m.requestDeadline > 0 && !w.RequestStartedAt.IsZero() {
			if since := now.Sub(w.RequestStartedAt); since > m.requestDeadline {
				m.emit(Event{WorkerID: w.ID, Reason: ReasonRequestDeadline, Since: since})
			}
		}
	}
}
