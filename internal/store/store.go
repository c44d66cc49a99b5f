// Package store provides durable storage for abuse reports and bans. Two
// backends are available: PostgreSQL (schema managed by golang-migrate) and
// an embedded SQLite file (schema managed by gorm AutoMigrate).
package store

import (
	"context"
	"fmt"
	"time"
)

// Supported driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Evidence is one message of the conversation snapshot attached to a report.
type Evidence struct {
	From string `json:"from"` // "user_a" or "user_b" (anonymised)
	Text string `json:"text"`
	Ts   int64  `json:"ts"`
}

// Report is a single append-only audit record.
type Report struct {
	Reporter  string
	Reported  string
	RoomID    string
	Reason    string
	Evidence  []Evidence
	CreatedAt time.Time
}

// Ban is a durable ban entry. Bans never expire.
type Ban struct {
	Identity  string
	Reason    string
	CreatedAt time.Time
}

// Store is the persistence contract the abuse ledger depends on.
type Store interface {
	// LoadBans returns every ban entry. Called once at startup.
	LoadBans(ctx context.Context) ([]Ban, error)
	AppendReport(ctx context.Context, r Report) error
	// CountReports returns the number of report records against identity.
	CountReports(ctx context.Context, identity string) (int, error)
	// InsertBan records a ban. Inserting an existing identity is a no-op.
	InsertBan(ctx context.Context, b Ban) error
	DeleteBan(ctx context.Context, identity string) error
	Close() error
}

// Open returns the Store for the given driver. For sqlite the dsn is a file
// path (empty means in-memory); for postgres it is a connection URL.
func Open(driver, dsn string) (Store, error) {
	switch driver {
	case DriverSQLite, "":
		return NewSQLite(dsn)
	case DriverPostgres:
		return NewPostgres(dsn)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", driver)
	}
}
