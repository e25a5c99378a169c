// store_spec.go persists the generated experiment spec as spec.yaml.
package store

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/bjsi/vibe-controller/internal/specgen"
)

const specFileName = "spec.yaml"

// SpecPath returns <root>/experiments/<id>/spec.yaml.
func (s *Store) SpecPath(id string) string {
	return filepath.Join(s.ExperimentDir(id), specFileName)
}

// SaveSpec writes spec.yaml for an existing experiment and records the spec
// in experiment.json.
func (s *Store) SaveSpec(id string, spec *specgen.Spec) error {
	if spec == nil {
		return fmt.Errorf("spec is nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.loadLocked(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	data, err := yaml.Marshal(spec)
	if err != nil {
		return fmt.Errorf("encoding spec: %w", err)
	}
	if err := os.WriteFile(s.SpecPath(id), data, 0644); err != nil {
		return fmt.Errorf("writing spec: %w", err)
	}
	exp.Spec = spec
	return s.saveLocked(exp)
}

// LoadSpec reads spec.yaml for id.
func (s *Store) LoadSpec(id string) (*specgen.Spec, error) {
	if !ValidID(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.SpecPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: no spec for %s", ErrNotFound, id)
		}
		return nil, err
	}
	var spec specgen.Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", s.SpecPath(id), err)
	}
	return &spec, nil
}
