package supervisor

import "time"

// State is the lifecycle state of one worker record. All transitions are made
// by the supervisor's control loop (single writer).
type State int

const (
	StateStarting State = iota
	StateReady
	StateBusy
	StateDraining
	StateDead
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateDraining:
		return "draining"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the state as its string form.
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// WorkerStatus is an externally consumable snapshot of one worker record.
type WorkerStatus struct {
	ID               uint64    `json:"id"`
	Generation       int       `json:"generation"`
	State            State     `json:"state"`
	StartedAt        time.Time `json:"started_at"`
	LastHeartbeat    time.Time `json:"last_heartbeat"`
	RequestStartedAt time.Time `json:"request_started_at"`
	InFlight         int       `json:"in_flight"`
	Stalled          bool      `json:"stalled"`
}

// Health summarizes the pool for health checks.
type Health struct {
	Generation int  `json:"generation"`
	Workers    int  `json:"workers"`
	Ready      int  `json:"ready"`
	Degraded   bool `json:"degraded"`
}

// record is the supervisor-owned state for one worker. It is mutated only by
// the control loop goroutine.
type record struct {
	id        uint64
	gen       int
	state     State
	proc      Process
	startedAt time.Time
	lastBeat  time.Time
	reqStart  time.Time
	inFlight  int
	stalled   bool
	replacing bool
}

func (r *record) status() WorkerStatus {
	return WorkerStatus{
		ID:               r.id,
		Generation:       r.gen,
		State:            r.state,
		StartedAt:        r.startedAt,
		LastHeartbeat:    r.lastBeat,
		RequestStartedAt: r.reqStart,
		InFlight:         r.inFlight,
		Stalled:          r.stalled,
	}
}
