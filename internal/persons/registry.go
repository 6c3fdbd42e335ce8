// Package persons keeps the metadata of enrolled persons in persons.json.
package persons

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/renameio"
)

// ErrNotFound is returned for unknown person ids.
var ErrNotFound = errors.New("person not found")

// Person is one enrolled identity.
type Person struct {
	PersonID    string    `json:"person_id"`
	DisplayName string    `json:"display_name"`
	SampleCount int       `json:"sample_count"`
	EnrolledAt  time.Time `json:"enrolled_at"`
}

// Registry is a file-backed set of persons. Every mutation rewrites the file
// atomically.
type Registry struct {
	path string
	now  func() time.Time

	mu      sync.RWMutex
	persons map[string]Person
}

// Open loads the registry at path. A missing file is an empty registry.
func Open(path string) (*Registry, error) {
	r := &Registry{path: path, now: time.Now, persons: make(map[string]Person)}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var list []Person
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	for _, p := range list {
		r.persons[p.PersonID] = p
	}
	return r, nil
}

// List returns all persons sorted by id.
func (r *Registry) List() []Person {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Person, 0, len(r.persons))
	for _, p := range r.persons {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PersonID < out[j].PersonID })
	return out
}

// Get returns one person.
func (r *Registry) Get(personID string) (Person, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.persons[personID]
	if !ok {
		return Person{}, fmt.Errorf("%w: %s", ErrNotFound, personID)
	}
	return p, nil
}

// Enrolled records newly written samples. A new person is created with the
// given display name; for an existing one the name is updated when not empty.
func (r *Registry) Enrolled(personID, displayName string, samples int) (Person, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, existed := r.persons[personID]
	p := prev
	if !existed {
		p = Person{PersonID: personID, EnrolledAt: r.now().UTC().Truncate(time.Second)}
	}
	if displayName != "" {
		p.DisplayName = displayName
	}
	if p.DisplayName == "" {
		p.DisplayName = personID
	}
	p.SampleCount += samples

	r.persons[personID] = p
	if err := r.save(); err != nil {
		if existed {
			r.persons[personID] = prev
		} else {
			delete(r.persons, personID)
		}
		return Person{}, err
	}
	return p, nil
}

// SetSampleCount overwrites the stored sample count, used to resync with the
// sample directory.
func (r *Registry) SetSampleCount(personID string, count int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.persons[personID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, personID)
	}
	prev := p
	p.SampleCount = count
	r.persons[personID] = p
	if err := r.save(); err != nil {
		r.persons[personID] = prev
		return err
	}
	return nil
}

// Delete removes a person.
func (r *Registry) Delete(personID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.persons[personID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, personID)
	}
	delete(r.persons, personID)
	if err := r.save(); err != nil {
		r.persons[personID] = p
		return err
	}
	return nil
}

func (r *Registry) save() error {
	list := make([]Person, 0, len(r.persons))
	for _, p := range r.persons {
		list = append(list, p)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].PersonID < list[j].PersonID })

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode persons: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := renameio.WriteFile(r.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", r.path, err)
	}
	return nil
}
