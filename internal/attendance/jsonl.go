package attendance

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// logFile is the subset of *os.File the store writes through.
type logFile interface {
	io.Writer
	Sync() error
	Truncate(size int64) error
	Close() error
}

type dayKey struct {
	personID string
	date     string
}

// JSONLStore is an append-only log with one JSON record per line. The
// (person, date) index is rebuilt from the file on open; every append is
// synced to disk before it returns.
type JSONLStore struct {
	path   string
	logger *zap.Logger

	mu    sync.Mutex
	file  logFile
	size  int64 // end of the last complete record
	index map[dayKey]bool
}

// OpenJSONL opens (or creates) the log at path.
func OpenJSONL(path string, logger *zap.Logger) (*JSONLStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open attendance log: %w", err)
	}

	s := &JSONLStore{path: path, logger: logger, file: f, index: make(map[dayKey]bool)}
	if err := s.loadIndex(); err != nil {
		f.Close()
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat attendance log: %w", err)
	}
	s.size = info.Size()
	return s, nil
}

func (s *JSONLStore) loadIndex() error {
	var lastByte byte
	n := 0
	err := s.scan(func(rec Record) {
		s.index[dayKey{rec.PersonID, rec.Date}] = true
		n++
	}, &lastByte)
	if err != nil {
		return err
	}

	// A crash during a previous append can leave a partial last line.
	// Terminate it so the next record starts on its own line.
	if lastByte != 0 && lastByte != '\n' {
		if _, err := s.file.Write([]byte{'\n'}); err != nil {
			return fmt.Errorf("failed to repair attendance log: %w", err)
		}
	}
	s.logger.Debug("attendance log loaded", zap.String("path", s.path), zap.Int("records", n))
	return nil
}

// scan calls fn for every well-formed record. Malformed lines are skipped.
func (s *JSONLStore) scan(fn func(Record), lastByte *byte) error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("failed to read attendance log: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	line := 0
	for {
		data, err := r.ReadBytes('\n')
		if len(data) > 0 {
			line++
			if lastByte != nil {
				*lastByte = data[len(data)-1]
			}
			var rec Record
			if jerr := json.Unmarshal(data, &rec); jerr != nil || rec.PersonID == "" || rec.Date == "" {
				if len(data) > 1 {
					s.logger.Warn("skipping malformed attendance line", zap.Int("line", line))
				}
			} else {
				fn(rec)
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read attendance log: %w", err)
		}
	}
}

// Append writes one record.
func (s *JSONLStore) Append(_ context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return fmt.Errorf("%w: log is closed", ErrStoreWrite)
	}
	key := dayKey{rec.PersonID, rec.Date}
	if s.index[key] {
		return ErrDuplicateToday
	}
	if _, err := s.file.Write(data); err != nil {
		s.rollback()
		return fmt.Errorf("%w: %w", ErrStoreWrite, err)
	}
	if err := s.file.Sync(); err != nil {
		s.rollback()
		return fmt.Errorf("%w: %w", ErrStoreWrite, err)
	}
	s.size += int64(len(data))
	s.index[key] = true
	return nil
}

// rollback cuts a failed append off the log so a retry starts on a clean
// line. Callers hold mu.
func (s *JSONLStore) rollback() {
	if err := s.file.Truncate(s.size); err != nil {
		s.logger.Error("failed to truncate attendance log after a failed write",
			zap.String("path", s.path), zap.Int64("size", s.size), zap.Error(err))
	}
}

// ExistsOn reports whether the person has a record for date.
func (s *JSONLStore) ExistsOn(_ context.Context, personID, date string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.index[dayKey{personID, date}], nil
}

// ListByDate returns the records of one date in log order.
func (s *JSONLStore) ListByDate(_ context.Context, date string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Record
	err := s.scan(func(rec Record) {
		if rec.Date == date {
			out = append(out, rec)
		}
	}, nil)
	return out, err
}

// Close closes the log file.
func (s *JSONLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
