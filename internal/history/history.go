// Package history keeps an audit log of finished transfers in SQLite.
package history

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"pkt.systems/pslog"
	"pkt.systems/terminus/internal/transfer"
)

// ErrDisabled is returned by a nil Store.
var ErrDisabled = errors.New("transfer history disabled")

// TransferRecord is one finished transfer.
type TransferRecord struct {
	ID               uint      `gorm:"primaryKey;autoIncrement" json:"-"`
	TransferID       string    `gorm:"uniqueIndex;not null;size:36" json:"id"`
	SessionID        string    `gorm:"index" json:"sessionId,omitempty"`
	Name             string    `gorm:"not null" json:"name"`
	RemotePath       string    `json:"remotePath"`
	Direction        string    `gorm:"not null" json:"direction"`
	TotalBytes       int64     `json:"totalBytes"`
	TransferredBytes int64     `json:"transferredBytes"`
	Status           string    `gorm:"not null;index" json:"status"`
	Error            string    `json:"error,omitempty"`
	StartTime        time.Time `json:"startTime"`
	EndTime          time.Time `gorm:"index" json:"endTime"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"-"`
}

// FromRecord converts a terminal transfer record.
func FromRecord(rec transfer.Record) TransferRecord {
	return TransferRecord{
		TransferID:       rec.ID,
		SessionID:        rec.SessionID,
		Name:             rec.Name,
		RemotePath:       rec.RemotePath,
		Direction:        string(rec.Direction),
		TotalBytes:       rec.TotalBytes,
		TransferredBytes: rec.TransferredBytes,
		Status:           string(rec.Status),
		Error:            rec.Error,
		StartTime:        rec.StartTime,
		EndTime:          rec.EndTime,
	}
}

// Store persists transfer records. A nil *Store is a disabled store.
type Store struct {
	db     *gorm.DB
	logger pslog.Logger
}

// Open opens (creating if needed) the database at path. An empty path
// returns a nil Store, which disables history.
func Open(path string, log pslog.Logger) (*Store, error) {
	if path == "" {
		return nil, nil
	}
	if log == nil {
		log = pslog.LoggerFromEnv()
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create history directory: %w", err)
			}
		}
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	if path != ":memory:" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("get sql.DB: %w", err)
		}
		if _, err := sqlDB.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
	}
	if err := db.AutoMigrate(&TransferRecord{}); err != nil {
		return nil, fmt.Errorf("auto-migrate: %w", err)
	}
	return &Store{db: db, logger: log.With("component", "history")}, nil
}

// Enabled reports whether records are kept.
func (s *Store) Enabled() bool {
	return s != nil
}

// Record appends rec. Non-terminal records are refused.
func (s *Store) Record(ctx context.Context, rec transfer.Record) error {
	if s == nil {
		return ErrDisabled
	}
	if !rec.Status.Terminal() {
		return fmt.Errorf("record %s: %w", rec.ID, transfer.ErrInvalidTransition)
	}
	row := FromRecord(rec)
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert transfer record: %w", err)
	}
	return nil
}

// Hook returns a function suitable for transfer.Manager.OnDone, or nil for
// a disabled store.
func (s *Store) Hook() func(transfer.Record) {
	if s == nil {
		return nil
	}
	return func(rec transfer.Record) {
		if err := s.Record(context.Background(), rec); err != nil {
			s.logger.Warn("transfer history write failed", "id", rec.ID, "err", err)
		}
	}
}

// Recent returns up to limit records, newest first. sessionID, if set,
// restricts the result to one backing session.
func (s *Store) Recent(ctx context.Context, sessionID string, limit int) ([]TransferRecord, error) {
	if s == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	q := s.db.WithContext(ctx).Order("end_time desc").Order("id desc").Limit(limit)
	if sessionID != "" {
		q = q.Where("session_id = ?", sessionID)
	}
	var out []TransferRecord
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("query transfer records: %w", err)
	}
	return out, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
