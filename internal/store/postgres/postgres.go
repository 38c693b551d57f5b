package postgres

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/prefork/internal/store"
)

type DB struct {
	db *sql.DB
}

func New(dsn string) (*DB, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return &DB{db: d}, nil
}

func (p *DB) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS worker_event(
			id BIGSERIAL PRIMARY KEY,
			worker_id BIGINT NOT NULL,
			generation INTEGER NOT NULL,
			event TEXT NOT NULL,
			occurred_at TIMESTAMPTZ NOT NULL,
			detail TEXT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_worker_event_worker ON worker_event(worker_id);`,
		`CREATE INDEX IF NOT EXISTS idx_worker_event_occurred ON worker_event(occurred_at);`,
	}
	for _, q := range stmts {
		if _, err := p.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (p *DB) Close() error { return p.db.Close() }

func (p *DB) RecordEvent(ctx context.Context, rec store.Record) error {
	if rec.OccurredAt.IsZero() {
		rec.OccurredAt = time.Now().UTC()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO worker_event(worker_id, generation, event, occurred_at, detail)
		VALUES($1, $2, $3, $4, $5);`,
		int64(rec.WorkerID), rec.Generation, string(rec.Event), rec.OccurredAt.UTC(), rec.Detail)
	return err
}

func (p *DB) GetByWorker(ctx context.Context, workerID uint64, limit int) ([]store.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT worker_id, generation, event, occurred_at, detail
		FROM worker_event WHERE worker_id = $1
		ORDER BY occurred_at DESC, id DESC LIMIT $2;`, int64(workerID), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

func (p *DB) GetRecent(ctx context.Context, limit int) ([]store.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT worker_id, generation, event, occurred_at, detail
		FROM worker_event
		ORDER BY occurred_at DESC, id DESC LIMIT $1;`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanRecords(rows)
}

func (p *DB) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM worker_event WHERE occurred_at < $1;`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanRecords(rows *sql.Rows) ([]store.Record, error) {
	out := make([]store.Record, 0)
	for rows.Next() {
		var rec store.Record
		var ev string
		var wid int64
		if err := rows.Scan(&wid, &rec.Generation, &ev, &rec.OccurredAt, &rec.Detail); err != nil {
			return nil, err
		}
		rec.WorkerID = uint64(wid)
		rec.Event = store.EventType(ev)
		out = append(out, rec)
	}
	return out, rows.Err()
}
