package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/loykin/prefork/internal/store"
)

// startPostgresContainer starts a PostgreSQL container for tests and returns
// a DSN suitable for pgx stdlib. It skips the test if Docker is unavailable.
func startPostgresContainer(t *testing.T) (dsn string, terminate func()) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
	)
	if err != nil {
		cancel()
		t.Skipf("Failed to start PostgreSQL container: %v", err)
		return "", nil
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		cancel()
		t.Skipf("Failed to get host info: %v", err)
		return "", nil
	}

	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		_ = container.Terminate(ctx)
		cancel()
		t.Skipf("Failed to get mapped port: %v", err)
		return "", nil
	}

	dsn = fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port())

	terminate = func() {
		_ = container.Terminate(ctx)
		cancel()
	}

	return dsn, terminate
}

func waitForPostgres(t *testing.T, dsn string) {
	deadline := time.Now().Add(45 * time.Second)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		db, err := sql.Open("pgx", dsn)
		if err == nil {
			if err = db.PingContext(ctx); err == nil {
				_ = db.Close()
				cancel()
				return
			}
			_ = db.Close()
		}
		cancel()
		if time.Now().After(deadline) {
			t.Fatalf("postgres not ready in time: %v", err)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func TestPostgresEventLifecycle(t *testing.T) {
	dsn, terminate := startPostgresContainer(t)
	defer terminate()
	waitForPostgres(t, dsn)

	db, err := New(dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	// idempotent
	if err := db.EnsureSchema(ctx); err != nil {
		t.Fatalf("ensure schema twice: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	events := []store.Record{
		{WorkerID: 1, Generation: 1, Event: store.EventStart, OccurredAt: now.Add(-3 * time.Second)},
		{WorkerID: 1, Generation: 1, Event: store.EventExit, OccurredAt: now.Add(-2 * time.Second),
			Detail: sql.NullString{String: "crash", Valid: true}},
		{WorkerID: 2, Generation: 2, Event: store.EventReplace, OccurredAt: now.Add(-1 * time.Second)},
	}
	for _, e := range events {
		if err := db.RecordEvent(ctx, e); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	byWorker, err := db.GetByWorker(ctx, 1, 10)
	if err != nil {
		t.Fatalf("get by worker: %v", err)
	}
	if len(byWorker) != 2 {
		t.Fatalf("expected 2 events, got %d", len(byWorker))
	}
	if byWorker[0].Event != store.EventExit || byWorker[0].Detail.String != "crash" {
		t.Fatalf("unexpected first event: %+v", byWorker[0])
	}

	recent, err := db.GetRecent(ctx, 2)
	if err != nil {
		t.Fatalf("get recent: %v", err)
	}
	if len(recent) != 2 || recent[0].WorkerID != 2 {
		t.Fatalf("unexpected recent: %+v", recent)
	}

	purged, err := db.PurgeOlderThan(ctx, now.Add(-90*time.Minute))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 0 {
		t.Fatalf("nothing should purge, got %d", purged)
	}
	purged, err = db.PurgeOlderThan(ctx, now)
	if err != nil {
		t.Fatalf("purge all: %v", err)
	}
	if purged != 3 {
		t.Fatalf("expected 3 purged, got %d", purged)
	}
}
