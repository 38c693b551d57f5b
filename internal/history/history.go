package history

import (
	"context"
	"time"

	"github.com/loykin/prefork/internal/store"
)

// Event is a lifecycle event exported to external analytics systems.
type Event struct {
	Type       store.EventType `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Record     store.Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
	Close() error
}
