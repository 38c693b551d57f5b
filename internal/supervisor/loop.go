package supervisor

import (
	"context"
	"sort"
	"time"

	"github.com/loykin/prefork/internal/health"
	"github.com/loykin/prefork/internal/metrics"
	"github.com/loykin/prefork/internal/store"
	"github.com/loykin/prefork/internal/worker"
)

type ctrlType int

const (
	ctrlSnapshot ctrlType = iota
	ctrlHealth
	ctrlReload
	ctrlShutdown
)

// ctrlMsg serializes external lifecycle operations into the control loop.
type ctrlMsg struct {
	typ      ctrlType
	graceful bool
	reply    chan error
	snap     chan []WorkerStatus
	health   chan Health
}

// run is the control loop: the sole mutator of worker records.
func (s *Supervisor) run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-s.apply:
			f()
		case m := <-s.ctrl:
			s.handleCtrl(m)
		case b := <-s.beats:
			s.handleBeat(b)
		case e := <-s.exits:
			s.handleExit(e)
		case ev := <-s.unresp:
			s.handleUnresponsive(ev)
		case <-ticker.C:
			s.handleTick()
		}
	}
}

func (s *Supervisor) handleCtrl(m ctrlMsg) {
	switch m.typ {
	case ctrlSnapshot:
		m.snap <- s.snapshotLocked()
	case ctrlHealth:
		m.health <- s.healthLocked()
	case ctrlReload:
		if s.stopping {
			m.reply <- ErrStopping
			return
		}
		if s.reloading {
			m.reply <- ErrReloadInProgress
			return
		}
		s.reloading = true
		go s.doReload(s.gen+1, m.reply)
	case ctrlShutdown:
		if s.stopping {
			if !m.graceful && s.stopGraceful {
				// Forced shutdown during a graceful drain: kill what is
				// still draining instead of waiting out the timeout.
				s.stopGraceful = false
				s.logger.Warn("forced shutdown requested, cutting graceful drain short")
				for _, p := range s.stopProcs {
					p.Kill()
				}
			}
			m.reply <- nil
			return
		}
		s.stopping = true
		s.stopGraceful = m.graceful
		go s.doShutdown(m.graceful, nil, m.reply)
	}
}

func (s *Supervisor) snapshotLocked() []WorkerStatus {
	out := make([]WorkerStatus, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Supervisor) healthLocked() Health {
	h := Health{Generation: s.gen, Degraded: s.degraded}
	for _, r := range s.records {
		if r.state == StateDead {
			continue
		}
		h.Workers++
		if r.state == StateReady || r.state == StateBusy {
			h.Ready++
		}
	}
	return h
}

// handleBeat folds a heartbeat into the record. Ready<->Busy is derived from
// the in-flight count.
func (s *Supervisor) handleBeat(b worker.Beat) {
	r := s.records[b.WorkerID]
	if r == nil {
		return
	}
	r.lastBeat = b.At
	r.inFlight = b.InFlight
	r.reqStart = b.RequestStartedAt
	if b.Stalled && !r.stalled {
		r.stalled = true
		s.logger.Warn("worker reported a stalled request", "worker", b.WorkerID)
	}
	if r.stalled && b.InFlight == 0 {
		r.stalled = false
	}
	switch r.state {
	case StateReady:
		if b.InFlight > 0 {
			r.state = StateBusy
		}
	case StateBusy:
		if b.InFlight == 0 {
			r.state = StateReady
		}
	}
}

func (s *Supervisor) handleExit(e exitEvent) {
	r := s.records[e.id]
	if r == nil {
		return
	}
	cause := "drain"
	if r.state != StateDraining && !s.stopping {
		cause = "crash"
		s.logger.Warn("worker exited unexpectedly", "worker", e.id, "error", e.err)
	} else {
		s.logger.Debug("worker reaped", "worker", e.id)
	}
	r.state = StateDead
	r.inFlight = 0
	r.reqStart = time.Time{}
	r.stalled = false
	metrics.IncWorkerExit(cause)
	s.recordEvent(store.EventExit, e.id, r.gen, errString(e.err))
	if s.stopping || r.gen != s.gen {
		// old generation or shutdown: reaped, no replacement
		delete(s.records, e.id)
		return
	}
	// current generation: stays Dead until the next heartbeat tick replaces it
}

// handleUnresponsive kills a flagged worker; the exit event drives the
// replacement. The monitor only observes, the supervisor acts.
func (s *Supervisor) handleUnresponsive(ev health.Event) {
	r := s.records[ev.WorkerID]
	if r == nil || r.state == StateDead || r.state == StateDraining {
		return
	}
	s.logger.Warn("worker unresponsive, recycling",
		"worker", ev.WorkerID, "reason", string(ev.Reason), "since", ev.Since)
	metrics.IncUnresponsive(string(ev.Reason))
	s.recordEvent(store.EventUnresponsive, ev.WorkerID, r.gen, string(ev.Reason))
	r.proc.Kill()
}

// handleTick replaces dead workers and maintains the crash-loop window.
func (s *Supervisor) handleTick() {
	s.pruneReplacementWindow()
	s.publishStateGauges()
	if s.stopping || s.reloading {
		return
	}
	for _, r := range s.records {
		if r.state == StateDead && !r.replacing && r.gen == s.gen {
			r.replacing = true
			go s.doReplace(r.id, r.gen)
		}
	}
}

func (s *Supervisor) pruneReplacementWindow() {
	cut := time.Now().Add(-s.cfg.CrashLoopWindow)
	kept := s.replacedAt[:0]
	for _, t := range s.replacedAt {
		if t.After(cut) {
			kept = append(kept, t)
		}
	}
	s.replacedAt = kept
	if s.degraded && len(s.replacedAt) < s.cfg.CrashLoopThreshold {
		s.degraded = false
		metrics.SetDegraded(false)
		s.logger.Info("crash loop window cleared, health restored")
	}
}

func (s *Supervisor) publishStateGauges() {
	counts := make(map[State]int, 5)
	for _, r := range s.records {
		counts[r.state]++
	}
	for _, st := range []State{StateStarting, StateReady, StateBusy, StateDraining, StateDead} {
		metrics.SetWorkers(st.String(), counts[st])
	}
}

// noteReplacement runs on the control loop after each replacement attempt and
// enforces the crash-loop policy: degraded health past the threshold, fatal
// escalation past the limit. Availability wins over a single faulty worker,
// so degraded is a report, not a stop.
func (s *Supervisor) noteReplacement() {
	s.replacedAt = append(s.replacedAt, time.Now())
	cut := time.Now().Add(-s.cfg.CrashLoopWindow)
	kept := s.replacedAt[:0]
	for _, t := range s.replacedAt {
		if t.After(cut) {
			kept = append(kept, t)
		}
	}
	s.replacedAt = kept
	n := len(s.replacedAt)
	if n >= s.cfg.CrashLoopThreshold && !s.degraded {
		s.degraded = true
		metrics.SetDegraded(true)
		s.logger.Warn("crash loop detected, service degraded",
			"replacements", n, "window", s.cfg.CrashLoopWindow)
		s.recordEvent(store.EventDegraded, 0, s.gen, "crash loop threshold exceeded")
	}
	if esc := s.cfg.CrashLoopEscalation; esc > 0 && n >= esc && !s.stopping {
		s.stopping = true
		s.logger.Error("crash loop escalation limit reached, shutting down",
			"replacements", n)
		go s.doShutdown(false, ErrCrashLoop, nil)
	}
}
