package worker

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/loykin/prefork/internal/metrics"
)

// dispatch wraps the application entry point with the per-request boundary:
// panic recovery (ApplicationError -> 500), a request deadline
// (RequestTimeout -> 504 unless the response has started), and in-flight
// accounting for heartbeats. A failed request must never terminate the
// worker's accept loop.
func (w *Worker) dispatch() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		start := time.Now()
		token := w.flight.add(start)

		if w.reqTimeout <= 0 {
			defer w.flight.remove(token)
			w.serveDirect(rw, r, start)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), w.reqTimeout)
		defer cancel()
		r = r.WithContext(ctx)

		bw := newBufferedWriter()
		done := make(chan struct{})
		panicked := make(chan any, 1)
		go func() {
			// The token lives until the handler actually returns, so an
			// abandoned handler keeps showing up in heartbeats and the
			// monitor can force-recycle the worker.
			defer w.flight.remove(token)
			defer func() {
				if p := recover(); p != nil {
					panicked <- p
					return
				}
				close(done)
			}()
			w.app.ServeHTTP(bw, r)
		}()

		select {
		case <-done:
			code := bw.flush(rw)
			metrics.IncRequest(statusClass(code))
			metrics.ObserveRequestDuration(time.Since(start).Seconds())
		case p := <-panicked:
			w.logger.Error("handler panic", "path", r.URL.Path, "panic", p)
			metrics.IncHandlerPanic()
			metrics.IncRequest("5xx")
			writeErrorResponse(rw, http.StatusInternalServerError, "internal server error")
		case <-ctx.Done():
			bw.timeout()
			w.logger.Warn("request deadline exceeded",
				"path", r.URL.Path, "timeout", w.reqTimeout)
			metrics.IncRequestTimeout()
			metrics.IncRequest("5xx")
			writeErrorResponse(rw, http.StatusGatewayTimeout, "request timed out")
			// The abandoned handler keeps running with a canceled context;
			// the stalled beat lets the monitor force-recycle if it never returns.
			w.sendBeat(true)
		}
	})
}

// serveDirect is the no-deadline path: recovery only.
func (w *Worker) serveDirect(rw http.ResponseWriter, r *http.Request, start time.Time) {
	sw := &statusWriter{ResponseWriter: rw, code: http.StatusOK}
	defer func() {
		if p := recover(); p != nil {
			w.logger.Error("handler panic", "path", r.URL.Path, "panic", p)
			metrics.IncHandlerPanic()
			metrics.IncRequest("5xx")
			if !sw.wrote {
				writeErrorResponse(rw, http.StatusInternalServerError, "internal server error")
			}
			return
		}
		metrics.IncRequest(statusClass(sw.code))
		metrics.ObserveRequestDuration(time.Since(start).Seconds())
	}()
	w.app.ServeHTTP(sw, r)
}

func writeErrorResponse(rw http.ResponseWriter, code int, msg string) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	_, _ = fmt.Fprintf(rw, "{\"error\":%q}\n", msg)
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// statusWriter records the status code written by the handler.
type statusWriter struct {
	http.ResponseWriter
	code  int
	wrote bool
}

func (s *statusWriter) WriteHeader(code int) {
	if !s.wrote {
		s.code = code
		s.wrote = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusWriter) Write(b []byte) (int, error) {
	s.wrote = true
	return s.ResponseWriter.Write(b)
}

// bufferedWriter buffers the handler's response so the dispatch loop can
// substitute a timeout response without racing the handler goroutine
// (http.TimeoutHandler discipline).
type bufferedWriter struct {
	mu       sync.Mutex
	h        http.Header
	buf      bytes.Buffer
	code     int
	timedOut bool
}

func newBufferedWriter() *bufferedWriter {
	return &bufferedWriter{h: make(http.Header), code: http.StatusOK}
}

func (b *bufferedWriter) Header() http.Header { return b.h }

func (b *bufferedWriter) WriteHeader(code int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timedOut {
		return
	}
	b.code = code
}

func (b *bufferedWriter) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timedOut {
		return 0, http.ErrHandlerTimeout
	}
	return b.buf.Write(p)
}

func (b *bufferedWriter) timeout() {
	b.mu.Lock()
	b.timedOut = true
	b.mu.Unlock()
}

// flush copies the buffered response onto the real writer and returns the
// status code, for metrics.
func (b *bufferedWriter) flush(rw http.ResponseWriter) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	dst := rw.Header()
	for k, vv := range b.h {
		dst[k] = vv
	}
	rw.WriteHeader(b.code)
	_, _ = rw.Write(b.buf.Bytes())
	return b.code
}
