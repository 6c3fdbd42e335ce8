// Package sqlstore keeps attendance records in SQLite through gorm. The
// (person_id, date) pair is a unique index, so per-day idempotence holds
// even with several writers on the same database.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/kozaktomas/rollcall/internal/attendance"
)

type row struct {
	AttendanceID string    `gorm:"primaryKey;size:36"`
	PersonID     string    `gorm:"not null;uniqueIndex:idx_attendance_person_date"`
	Date         string    `gorm:"not null;size:10;uniqueIndex:idx_attendance_person_date;index:idx_attendance_date"`
	Time         string    `gorm:"not null;size:8"`
	Timestamp    string    `gorm:"not null;size:19"`
	Confidence   float64   `gorm:"not null"`
	Method       string    `gorm:"not null;size:16"`
	CreatedAt    time.Time `gorm:"autoCreateTime"`
}

func (row) TableName() string { return "attendance" }

// Store implements attendance.Store.
type Store struct {
	db *gorm.DB
}

// Open opens (and migrates) the SQLite database at path.
func Open(path string) (*Store, error) {
	gormLog := gormLogger.New(
		log.New(os.Stderr, "\r\n", log.LstdFlags),
		gormLogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormLogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         gormLog,
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open attendance database: %w", err)
	}
	if err := db.AutoMigrate(&row{}); err != nil {
		return nil, fmt.Errorf("failed to migrate attendance database: %w", err)
	}
	return &Store{db: db}, nil
}

// Append inserts one record.
func (s *Store) Append(ctx context.Context, rec attendance.Record) error {
	r := row{
		AttendanceID: rec.AttendanceID,
		PersonID:     rec.PersonID,
		Date:         rec.Date,
		Time:         rec.Time,
		Timestamp:    rec.Timestamp,
		Confidence:   rec.Confidence,
		Method:       string(rec.Method),
	}
	if err := s.db.WithContext(ctx).Create(&r).Error; err != nil {
		if isDuplicateKey(err) {
			return attendance.ErrDuplicateToday
		}
		return fmt.Errorf("%w: %w", attendance.ErrStoreWrite, err)
	}
	return nil
}

// ExistsOn reports whether the person has a record for date.
func (s *Store) ExistsOn(ctx context.Context, personID, date string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&row{}).
		Where("person_id = ? AND date = ?", personID, date).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to query attendance: %w", err)
	}
	return count > 0, nil
}

// ListByDate returns the records of one date in insertion order.
func (s *Store) ListByDate(ctx context.Context, date string) ([]attendance.Record, error) {
	var rows []row
	err := s.db.WithContext(ctx).
		Where("date = ?", date).
		Order("timestamp ASC, created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list attendance: %w", err)
	}

	out := make([]attendance.Record, len(rows))
	for i, r := range rows {
		out[i] = attendance.Record{
			AttendanceID: r.AttendanceID,
			PersonID:     r.PersonID,
			Date:         r.Date,
			Time:         r.Time,
			Timestamp:    r.Timestamp,
			Confidence:   r.Confidence,
			Method:       attendance.Method(r.Method),
		}
	}
	return out, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}
