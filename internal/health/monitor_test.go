package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(views []WorkerView, now time.Time, hbDeadline, reqDeadline time.Duration) []Event {
	var got []Event
	m := New(time.Second, hbDeadline, reqDeadline,
		func() []WorkerView { return views },
		func(e Event) { got = append(got, e) })
	m.check(now)
	return got
}

func TestMissedHeartbeatFlagged(t *testing.T) {
	now := time.Now()
	views := []WorkerView{
		{ID: 1, State: "ready", LastHeartbeat: now.Add(-10 * time.Second)},
		{ID: 2, State: "ready", LastHeartbeat: now.Add(-time.Second)},
	}

	got := collect(views, now, 3*time.Second, 0)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(1), got[0].WorkerID)
	assert.Equal(t, ReasonMissedHeartbeat, got[0].Reason)
	assert.Greater(t, got[0].Since, 3*time.Second)
}

func TestRequestDeadlineFlagged(t *testing.T) {
	now := time.Now()
	views := []WorkerView{
		{ID: 7, State: "busy", LastHeartbeat: now, RequestStartedAt: now.Add(-time.Minute)},
	}

	got := collect(views, now, 5*time.Second, 30*time.Second)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(7), got[0].WorkerID)
	assert.Equal(t, ReasonRequestDeadline, got[0].Reason)
}

// A worker silent past the heartbeat deadline is reported for the heartbeat,
// not twice.
func TestHeartbeatTakesPrecedence(t *testing.T) {
	now := time.Now()
	views := []WorkerView{
		{ID: 3, State: "busy",
			LastHeartbeat:    now.Add(-time.Minute),
			RequestStartedAt: now.Add(-time.Minute)},
	}

	got := collect(views, now, 3*time.Second, 30*time.Second)
	require.Len(t, got, 1)
	assert.Equal(t, ReasonMissedHeartbeat, got[0].Reason)
}

func TestDrainingAndDeadSkipped(t *testing.T) {
	now := time.Now()
	views := []WorkerView{
		{ID: 1, State: "draining", LastHeartbeat: now.Add(-time.Minute)},
		{ID: 2, State: "dead", LastHeartbeat: now.Add(-time.Minute)},
		{ID: 3, State: "starting"},
	}

	got := collect(views, now, time.Second, time.Second)
	assert.Empty(t, got)
}

func TestZeroDeadlinesDisableChecks(t *testing.T) {
	now := time.Now()
	views := []WorkerView{
		{ID: 1, State: "busy",
			LastHeartbeat:    now.Add(-time.Hour),
			RequestStartedAt: now.Add(-time.Hour)},
	}

	got := collect(views, now, 0, 0)
	assert.Empty(t, got)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	m := New(5*time.Millisecond, time.Second, 0,
		func() []WorkerView { return nil },
		func(Event) {})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop on cancel")
	}
}
