// Package attendance records who was present on which day. The Gate turns
// recognition candidates into at most one record per person and local date.
package attendance

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
)

// Date and time layouts of the record fields.
const (
	DateLayout      = "2006-01-02"
	TimeLayout      = "15:04:05"
	TimestampLayout = "2006-01-02T15:04:05"
)

// Method tells how a record was created.
type Method string

const (
	MethodRecognition Method = "recognition"
	MethodManual      Method = "manual"
)

var (
	// ErrDuplicateToday is returned by a Store when the person already has a
	// record for the date.
	ErrDuplicateToday = errors.New("attendance already recorded today")
	// ErrStoreWrite wraps attendance store I/O failures.
	ErrStoreWrite = errors.New("attendance store write failed")
)

// Record is one line of the attendance log.
type Record struct {
	AttendanceID string  `json:"attendance_id"`
	PersonID     string  `json:"person_id"`
	Date         string  `json:"date"`
	Time         string  `json:"time"`
	Timestamp    string  `json:"timestamp"`
	Confidence   float64 `json:"confidence"`
	Method       Method  `json:"method"`
}

// NewRecord creates a record for a person seen at the given local time.
// Confidence is rounded to two decimals.
func NewRecord(personID string, at time.Time, confidence float64, method Method) Record {
	return Record{
		AttendanceID: uuid.NewString(),
		PersonID:     personID,
		Date:         at.Format(DateLayout),
		Time:         at.Format(TimeLayout),
		Timestamp:    at.Format(TimestampLayout),
		Confidence:   math.Round(confidence*100) / 100,
		Method:       method,
	}
}

// Store persists attendance records. Implementations must reject a second
// record for the same person and date with ErrDuplicateToday.
type Store interface {
	Append(ctx context.Context, rec Record) error
	ExistsOn(ctx context.Context, personID, date string) (bool, error)
	ListByDate(ctx context.Context, date string) ([]Record, error)
	Close() error
}
