package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

type reportRow struct {
	ID        uint   `gorm:"primaryKey"`
	Reporter  string `gorm:"not null"`
	Reported  string `gorm:"not null;index"`
	RoomID    string `gorm:"not null"`
	Reason    string `gorm:"not null"`
	Evidence  string
	CreatedAt time.Time
}

func (reportRow) TableName() string { return "abuse_reports" }

type banRow struct {
	Identity  string `gorm:"primaryKey"`
	Reason    string `gorm:"not null"`
	CreatedAt time.Time
}

func (banRow) TableName() string { return "bans" }

// SQLite is a Store backed by an embedded SQLite database file.
type SQLite struct {
	db *gorm.DB
}

// NewSQLite opens (creating if needed) the SQLite database at path. An empty
// path opens a private in-memory database.
func NewSQLite(path string) (*SQLite, error) {
	dsn := "file::memory:"
	if path != "" {
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                 gormlogger.Discard,
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	if path == "" {
		// Every pooled connection to :memory: is a separate database.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("store: sqlite handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&reportRow{}, &banRow{}); err != nil {
		return nil, fmt.Errorf("store: sqlite migrate: %w", err)
	}
	return &SQLite{db: db}, nil
}

// LoadBans returns all ban entries.
func (s *SQLite) LoadBans(ctx context.Context) ([]Ban, error) {
	var rows []banRow
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("store: load bans: %w", err)
	}
	bans := make([]Ban, 0, len(rows))
	for _, r := range rows {
		bans = append(bans, Ban{Identity: r.Identity, Reason: r.Reason, CreatedAt: r.CreatedAt})
	}
	return bans, nil
}

// AppendReport inserts an abuse report. Evidence is stored as a JSON string.
func (s *SQLite) AppendReport(ctx context.Context, r Report) error {
	row := reportRow{
		Reporter:  r.Reporter,
		Reported:  r.Reported,
		RoomID:    r.RoomID,
		Reason:    r.Reason,
		CreatedAt: r.CreatedAt,
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	if len(r.Evidence) > 0 {
		data, err := json.Marshal(r.Evidence)
		if err != nil {
			return fmt.Errorf("store: marshal evidence: %w", err)
		}
		row.Evidence = string(data)
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("store: insert report: %w", err)
	}
	return nil
}

// CountReports returns the number of reports filed against identity.
func (s *SQLite) CountReports(ctx context.Context, identity string) (int, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&reportRow{}).Where("reported = ?", identity).Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("store: count reports: %w", err)
	}
	return int(n), nil
}

// InsertBan records a ban; an existing row for the identity is left untouched.
func (s *SQLite) InsertBan(ctx context.Context, b Ban) error {
	row := banRow{Identity: b.Identity, Reason: b.Reason, CreatedAt: b.CreatedAt}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("store: insert ban: %w", err)
	}
	return nil
}

// DeleteBan removes the ban for identity, if any.
func (s *SQLite) DeleteBan(ctx context.Context, identity string) error {
	if err := s.db.WithContext(ctx).Where("identity = ?", identity).Delete(&banRow{}).Error; err != nil {
		return fmt.Errorf("store: delete ban: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *SQLite) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
