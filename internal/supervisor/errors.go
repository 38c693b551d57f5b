package supervisor

import (
	"errors"
	"fmt"
)

var (
	// ErrCrashLoop is the terminal error when worker replacements exceed the
	// configured escalation limit within the crash-loop window.
	ErrCrashLoop = errors.New("crash loop escalation: worker replacements exceeded limit")

	// ErrReloadInProgress rejects overlapping reloads.
	ErrReloadInProgress = errors.New("reload already in progress")

	// ErrStopping rejects control operations during shutdown.
	ErrStopping = errors.New("supervisor is shutting down")

	// ErrNotStarted rejects control operations before Start.
	ErrNotStarted = errors.New("supervisor not started")
)

// StartupError reports a worker that failed to reach ready within the startup
// deadline. A reload that hits it is aborted without touching the old
// generation; at initial start it is fatal.
type StartupError struct {
	WorkerID uint64
	Err      error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("worker %d failed to reach ready: %v", e.WorkerID, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }
