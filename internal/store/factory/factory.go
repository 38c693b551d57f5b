package factory

import (
	"errors"
	"strings"

	"github.com/loykin/prefork/internal/store"
	pg "github.com/loykin/prefork/internal/store/postgres"
	sq "github.com/loykin/prefork/internal/store/sqlite"
)

// NewFromDSN selects a store implementation from a DSN.
//
// "postgres://" and "postgresql://" DSNs open a PostgreSQL store. For
// sqlite the "sqlite://" prefix is stripped and the remainder is the
// database file path: "sqlite:///var/lib/prefork.db" opens
// /var/lib/prefork.db, "sqlite://events.db" opens ./events.db. Anything
// else is treated as a bare sqlite file path.
func NewFromDSN(dsn string) (store.Store, error) {
	d := strings.TrimSpace(dsn)
	if d == "" {
		return nil, errors.New("empty DSN")
	}
	switch ld := strings.ToLower(d); {
	case strings.HasPrefix(ld, "postgres://"), strings.HasPrefix(ld, "postgresql://"):
		return pg.New(d)
	case strings.HasPrefix(ld, "sqlite://"):
		return sq.New(d[len("sqlite://"):])
	default:
		return sq.New(d)
	}
}
