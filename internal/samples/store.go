// Package samples stores enrolled face crops as grayscale JPEG files. The file
// names carry the person id, so the label table can be rebuilt from the
// directory alone.
package samples

import (
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio"
	"go.uber.org/zap"

	"github.com/kozaktomas/rollcall/internal/imaging"
)

// Entry is a decoded sample ready for training.
type Entry struct {
	Sample
	Crop *image.Gray
}

// Store is a directory of face samples.
type Store struct {
	dir    string
	logger *zap.Logger
	now    func() time.Time
	mu     sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for the epoch token of new files.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore opens (and creates when missing) a sample directory.
func NewStore(dir string, logger *zap.Logger, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sample directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Store{dir: dir, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the sample directory.
func (s *Store) Dir() string {
	return s.dir
}

// Put writes one sample and returns its path.
func (s *Store) Put(personID, displayName string, crop *image.Gray) (string, error) {
	if err := ValidatePersonID(personID); err != nil {
		return "", err
	}
	data, err := imaging.EncodeJPEG(crop)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.list(personID)
	if err != nil {
		return "", err
	}
	epoch := s.now().Unix()
	index := len(existing)
	var path string
	for {
		path = filepath.Join(s.dir, FileName(personID, displayName, epoch, index))
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			break
		}
		index++
	}

	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write sample %s: %w", path, err)
	}
	s.logger.Debug("sample stored", zap.String("person_id", personID), zap.String("path", path))
	return path, nil
}

// List returns the sample paths of one person sorted by file name.
func (s *Store) List(personID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.list(personID)
}

func (s *Store) list(personID string) ([]string, error) {
	all, err := s.scan()
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, sample := range all {
		if sample.PersonID == personID {
			paths = append(paths, sample.Path)
		}
	}
	return paths, nil
}

// Count returns the number of samples stored for a person.
func (s *Store) Count(personID string) (int, error) {
	paths, err := s.List(personID)
	return len(paths), err
}

// Delete removes every sample of a person and returns how many were removed.
func (s *Store) Delete(personID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	paths, err := s.list(personID)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, fmt.Errorf("failed to remove sample %s: %w", p, err)
		}
		removed++
	}
	s.logger.Info("samples deleted", zap.String("person_id", personID), zap.Int("count", removed))
	return removed, nil
}

// Remove deletes individual sample files. Missing files are ignored.
func (s *Store) Remove(paths ...string) error {
	var errs []error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// EnumerateAll decodes every sample in file-name order.
func (s *Store) EnumerateAll() ([]Entry, error) {
	s.mu.Lock()
	all, err := s.scan()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(all))
	for _, sample := range all {
		crop, err := imaging.ReadGray(sample.Path)
		if err != nil {
			s.logger.Warn("skipping unreadable sample", zap.String("path", sample.Path), zap.Error(err))
			continue
		}
		entries = append(entries, Entry{Sample: sample, Crop: crop})
	}
	return entries, nil
}

// PersonIDs returns the distinct person ids with at least one sample, in
// first-appearance order of the sorted file names.
func (s *Store) PersonIDs() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.scan()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var ids []string
	for _, sample := range all {
		if !seen[sample.PersonID] {
			seen[sample.PersonID] = true
			ids = append(ids, sample.PersonID)
		}
	}
	return ids, nil
}

func (s *Store) scan() ([]Sample, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read sample directory: %w", err)
	}

	var out []Sample
	for _, e := range dirEntries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), Extension) {
			continue
		}
		sample, err := ParseFileName(filepath.Join(s.dir, e.Name()))
		if err != nil {
			s.logger.Warn("ignoring file in sample directory", zap.String("path", e.Name()), zap.Error(err))
			continue
		}
		out = append(out, sample)
	}
	sort.Slice(out, func(i, j int) bool {
		return filepath.Base(out[i].Path) < filepath.Base(out[j].Path)
	})
	return out, nil
}
