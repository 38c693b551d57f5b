package store

import (
	"context"
	"database/sql"
	"time"
)

// EventType enumerates worker lifecycle events persisted by the supervisor.
type EventType string

const (
	EventStart        EventType = "start"
	EventExit         EventType = "exit"
	EventReplace      EventType = "replace"
	EventUnresponsive EventType = "unresponsive"
	EventReload       EventType = "reload"
	EventDegraded     EventType = "degraded"
	EventShutdown     EventType = "shutdown"
)

// Record is one persisted lifecycle event. WorkerID 0 marks supervisor-scope
// events (reload, shutdown, degraded).
type Record struct {
	WorkerID   uint64
	Generation int
	Event      EventType
	OccurredAt time.Time
	Detail     sql.NullString
}

// Store persists worker lifecycle events for post-mortem inspection.
type Store interface {
	EnsureSchema(ctx context.Context) error
	RecordEvent(ctx context.Context, rec Record) error
	GetByWorker(ctx context.Context, workerID uint64, limit int) ([]Record, error)
	GetRecent(ctx context.Context, limit int) ([]Record, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}
