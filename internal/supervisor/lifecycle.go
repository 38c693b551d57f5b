package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loykin/prefork/internal/metrics"
	"github.com/loykin/prefork/internal/store"
)

// startGeneration spawns n workers of the given generation in parallel and
// waits until every one reaches ready, bounded by the startup deadline. On
// failure all spawned workers of the batch are killed; nothing is installed.
func (s *Supervisor) startGeneration(ctx context.Context, gen, n int) ([]*record, error) {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.StartupTimeout)
	defer cancel()

	recs := make([]*record, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		id := s.nextID.Add(1)
		p, err := s.factory(id, gen, s.sock, s.beats)
		if err != nil {
			errs[i] = err
			continue
		}
		rec := &record{id: id, gen: gen, state: StateStarting, proc: p, startedAt: time.Now()}
		recs[i] = rec
		wg.Add(1)
		go func(i int, rec *record) {
			defer wg.Done()
			if err := rec.proc.Start(cctx); err != nil {
				errs[i] = err
				return
			}
			rec.state = StateReady
			rec.lastBeat = time.Now()
		}(i, rec)
	}
	wg.Wait()

	for i, err := range errs {
		if err == nil {
			continue
		}
		for _, r := range recs {
			if r != nil && r.state == StateReady {
				r.proc.Kill()
			}
		}
		var id uint64
		if recs[i] != nil {
			id = recs[i].id
		}
		return nil, &StartupError{WorkerID: id, Err: err}
	}
	for range recs {
		metrics.IncWorkerStart()
	}
	return recs, nil
}

// doReplace spawns one replacement for a dead worker. It runs off-loop; all
// record mutations go back through the control loop. A failed attempt clears
// the replacing flag so the next heartbeat tick retries, and still counts
// toward the crash-loop window.
func (s *Supervisor) doReplace(deadID uint64, gen int) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.StartupTimeout)
	defer cancel()

	id := s.nextID.Add(1)
	p, err := s.factory(id, gen, s.sock, s.beats)
	var rec *record
	if err == nil {
		rec = &record{id: id, gen: gen, state: StateStarting, proc: p, startedAt: time.Now()}
		err = p.Start(ctx)
	}
	if err != nil {
		s.logger.Error("replacement worker failed to start",
			"dead_worker", deadID, "error", err)
		s.applyf(func() {
			if r := s.records[deadID]; r != nil {
				r.replacing = false
			}
			s.noteReplacement()
		})
		return
	}
	rec.state = StateReady
	rec.lastBeat = time.Now()
	metrics.IncWorkerStart()
	metrics.IncReplacement()
	s.applySync(func() {
		delete(s.records, deadID)
		s.records[rec.id] = rec
		s.watch(rec)
		s.noteReplacement()
	})
	s.logger.Info("worker replaced", "dead_worker", deadID, "worker", rec.id)
	s.recordEvent(store.EventReplace, rec.id, gen, fmt.Sprintf("replaced worker %d", deadID))
}

// doReload runs the rolling restart off-loop. The shared socket keeps
// accepting throughout; old and new generations compete for connections
// during the overlap window.
func (s *Supervisor) doReload(newGen int, reply chan error) {
	recs, err := s.startGeneration(context.Background(), newGen, s.cfg.Workers)
	if err != nil {
		metrics.IncReload("aborted")
		s.recordEvent(store.EventReload, 0, newGen, "aborted: "+err.Error())
		s.logger.Error("reload aborted, previous generation unaffected", "error", err)
		s.applyf(func() { s.reloading = false })
		reply <- fmt.Errorf("reload aborted: %w", err)
		return
	}

	var old []Process
	s.applySync(func() {
		for _, r := range s.records {
			if r.gen < newGen && r.state != StateDead {
				r.state = StateDraining
				old = append(old, r.proc)
			}
		}
		for _, r := range recs {
			s.records[r.id] = r
			s.watch(r)
		}
		s.gen = newGen
	})

	// drain the previous generation, bounded by the graceful timeout
	dctx, cancel := context.WithTimeout(context.Background(), s.cfg.GracefulShutdownTimeout)
	var wg sync.WaitGroup
	for _, p := range old {
		wg.Add(1)
		go func(p Process) {
			defer wg.Done()
			if err := p.Drain(dctx); err != nil {
				p.Kill()
			}
		}(p)
	}
	wg.Wait()
	cancel()

	s.applyf(func() { s.reloading = false })
	metrics.IncReload("ok")
	s.logger.Info("reload complete", "generation", newGen)
	s.recordEvent(store.EventReload, 0, newGen, fmt.Sprintf("generation %d live", newGen))
	reply <- nil
}

// doShutdown terminates the pool. Socket close comes last, after every worker
// is reaped, so no connection is ever refused while a worker could still
// serve it.
func (s *Supervisor) doShutdown(graceful bool, cause error, reply chan error) {
	var procs []Process
	var gen int
	s.applySync(func() {
		gen = s.gen
		// An escalation may have flipped stopGraceful before we got here.
		graceful = graceful && s.stopGraceful
		for _, r := range s.records {
			if r.state == StateDead {
				continue
			}
			if graceful {
				r.state = StateDraining
			}
			procs = append(procs, r.proc)
		}
		s.stopProcs = procs
	})

	if graceful {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.GracefulShutdownTimeout)
		var wg sync.WaitGroup
		for _, p := range procs {
			wg.Add(1)
			go func(p Process) {
				defer wg.Done()
				if err := p.Drain(ctx); err != nil {
					p.Kill()
				}
			}(p)
		}
		wg.Wait()
		cancel()
	} else {
		for _, p := range procs {
			p.Kill()
		}
	}
	for _, p := range procs {
		<-p.Done()
	}
	_ = s.sock.Close()

	mode := "forced"
	s.applySync(func() {
		if s.stopGraceful {
			mode = "graceful"
		}
	})
	s.recordEvent(store.EventShutdown, 0, gen, mode)
	s.logger.Info("supervisor stopped", "mode", mode)

	s.mu.Lock()
	s.exitErr = cause
	s.mu.Unlock()
	s.loopCancel()
	close(s.done)
	if reply != nil {
		reply <- nil
	}
}
