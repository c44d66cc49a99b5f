package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Postgres is a Store backed by PostgreSQL.
type Postgres struct {
	db *sql.DB
}

// NewPostgres connects to PostgreSQL, verifies the connection and applies any
// pending schema migrations.
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: postgres connection failed: %w", err)
	}

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: migration source: %w", err)
	}
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("store: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("store: migrate init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

// LoadBans returns all ban entries.
func (p *Postgres) LoadBans(ctx context.Context) ([]Ban, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT identity, reason, created_at FROM bans`)
	if err != nil {
		return nil, fmt.Errorf("store: load bans: %w", err)
	}
	defer rows.Close()

	var bans []Ban
	for rows.Next() {
		var b Ban
		if err := rows.Scan(&b.Identity, &b.Reason, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan ban: %w", err)
		}
		bans = append(bans, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: load bans: %w", err)
	}
	return bans, nil
}

// AppendReport inserts an abuse report. Evidence is stored as JSONB.
func (p *Postgres) AppendReport(ctx context.Context, r Report) error {
	var evidence []byte
	if len(r.Evidence) > 0 {
		var err error
		evidence, err = json.Marshal(r.Evidence)
		if err != nil {
			return fmt.Errorf("store: marshal evidence: %w", err)
		}
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}

	const query = `
		INSERT INTO abuse_reports (reporter, reported, room_id, reason, evidence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := p.db.ExecContext(ctx, query,
		r.Reporter,
		r.Reported,
		r.RoomID,
		r.Reason,
		evidence,
		r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("store: insert report: %w", err)
	}
	return nil
}

// CountReports returns the number of reports filed against identity.
func (p *Postgres) CountReports(ctx context.Context, identity string) (int, error) {
	var count int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM abuse_reports WHERE reported = $1`, identity).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: count reports: %w", err)
	}
	return count, nil
}

// InsertBan records a ban; an existing row for the identity is left untouched.
func (p *Postgres) InsertBan(ctx context.Context, b Ban) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	const query = `
		INSERT INTO bans (identity, reason, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (identity) DO NOTHING`

	if _, err := p.db.ExecContext(ctx, query, b.Identity, b.Reason, b.CreatedAt); err != nil {
		return fmt.Errorf("store: insert ban: %w", err)
	}
	return nil
}

// DeleteBan removes the ban for identity, if any.
func (p *Postgres) DeleteBan(ctx context.Context, identity string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM bans WHERE identity = $1`, identity); err != nil {
		return fmt.Errorf("store: delete ban: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (p *Postgres) Close() error {
	return p.db.Close()
}
