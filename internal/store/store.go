// Package store persists experiments as one JSON document per experiment
// under <project root>/experiments/<id>/.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bjsi/vibe-controller/internal/debug"
)

const (
	ExperimentsDir     = "experiments"
	experimentFileName = "experiment.json"
)

var (
	// ErrNoProjectRoot means no marker file exists in the ancestor chain.
	ErrNoProjectRoot = errors.New("no project root found (run `vibe-controller init`)")
	// ErrNotFound means the experiment does not exist.
	ErrNotFound = errors.New("experiment not found")
	// ErrInvalidID means the id cannot be used as a directory name.
	ErrInvalidID = errors.New("invalid experiment id")
)

type Store struct {
	root string // project root (directory holding the marker file)
	mu   sync.RWMutex
}

// New returns a store rooted at projectRoot without looking for a marker.
func New(projectRoot string) *Store {
	return &Store{root: cleanPath(projectRoot)}
}

// Open locates the project root from startDir and returns a store for it.
func Open(startDir string) (*Store, error) {
	root, err := FindProjectRoot(startDir)
	if err != nil {
		return nil, fmt.Errorf("finding project root: %w", err)
	}
	if root == "" {
		return nil, ErrNoProjectRoot
	}
	return New(root), nil
}

// Root returns the project root.
func (s *Store) Root() string {
	return s.root
}

// ExperimentsRoot returns <root>/experiments.
func (s *Store) ExperimentsRoot() string {
	return filepath.Join(s.root, ExperimentsDir)
}

// ExperimentDir returns <root>/experiments/<id>. The id is not validated.
func (s *Store) ExperimentDir(id string) string {
	return filepath.Join(s.ExperimentsRoot(), id)
}

func (s *Store) experimentPath(id string) string {
	return filepath.Join(s.ExperimentDir(id), experimentFileName)
}

// EnsureExperimentsRoot creates <root>/experiments if needed.
func (s *Store) EnsureExperimentsRoot() (string, error) {
	dir := s.ExperimentsRoot()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating experiments dir: %w", err)
	}
	return dir, nil
}

// EnsureExperimentDir creates the directory for id. Idempotent.
func (s *Store) EnsureExperimentDir(id string) (string, error) {
	if !ValidID(id) {
		return "", fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	if _, err := s.EnsureExperimentsRoot(); err != nil {
		return "", err
	}
	dir := s.ExperimentDir(id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating experiment dir %s: %w", id, err)
	}
	return dir, nil
}

// Save writes exp to <root>/experiments/<id>/experiment.json.
func (s *Store) Save(exp *Experiment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(exp)
}

func (s *Store) saveLocked(exp *Experiment) error {
	if exp == nil {
		return fmt.Errorf("experiment is nil")
	}
	if _, err := s.EnsureExperimentDir(exp.ID); err != nil {
		return err
	}
	if exp.TestData == nil {
		exp.TestData = []TestDataPoint{}
	}
	return s.writeJSON(s.experimentPath(exp.ID), exp)
}

// Load reads an experiment. Missing or unreadable records report false.
func (s *Store) Load(id string) (*Experiment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadLocked(id)
}

func (s *Store) loadLocked(id string) (*Experiment, bool) {
	if !ValidID(id) {
		return nil, false
	}
	var exp Experiment
	if err := s.readJSON(s.experimentPath(id), &exp); err != nil {
		if !os.IsNotExist(err) {
			debug.LogKV("store", "experiment unreadable", "id", id, "error", err)
		}
		return nil, false
	}
	if exp.TestData == nil {
		exp.TestData = []TestDataPoint{}
	}
	return &exp, true
}

// List returns experiment summaries, newest first. Entries that cannot be
// read are skipped.
func (s *Store) List() ([]Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.ExperimentsRoot())
	if err != nil {
		if os.IsNotExist(err) {
			return []Summary{}, nil
		}
		return nil, err
	}

	summaries := make([]Summary, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		exp, ok := s.loadLocked(e.Name())
		if !ok {
			continue
		}
		summaries = append(summaries, exp.Summary())
	}
	sort.SliceStable(summaries, func(i, j int) bool {
		if summaries[i].StartTime.Equal(summaries[j].StartTime) {
			return summaries[i].ID < summaries[j].ID
		}
		return summaries[i].StartTime.After(summaries[j].StartTime)
	})
	return summaries, nil
}

// AppendTestData appends points to the experiment's telemetry and returns
// the new total.
func (s *Store) AppendTestData(id string, points []TestDataPoint) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.loadLocked(id)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	exp.TestData = append(exp.TestData, points...)
	if err := s.saveLocked(exp); err != nil {
		return 0, err
	}
	return len(exp.TestData), nil
}

// UpdateStatus sets the persisted status of an experiment.
func (s *Store) UpdateStatus(id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.loadLocked(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if exp.Status == status {
		return nil
	}
	exp.Status = status
	return s.saveLocked(exp)
}

// Helpers

func (s *Store) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *Store) readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
