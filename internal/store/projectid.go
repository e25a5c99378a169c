package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bjsi/vibe-controller/internal/buildinfo"
)

// ProjectMarkerFile marks the project root that owns the experiments directory.
const ProjectMarkerFile = ".vibe-controller.json"

type projectMarker struct {
	Name    string    `json:"name"`
	Created time.Time `json:"created"`
	Version string    `json:"version,omitempty"`
}

func cleanPath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		path = "."
	}
	abs, err := filepath.Abs(path)
	if err == nil {
		path = abs
	}
	return filepath.Clean(path)
}

// ProjectMarkerPath returns <projectDir>/.vibe-controller.json.
func ProjectMarkerPath(projectDir string) string {
	return filepath.Join(cleanPath(projectDir), ProjectMarkerFile)
}

// FindProjectRoot walks up from startDir until a directory containing the
// marker file is found. It returns "" when no marker is present.
func FindProjectRoot(startDir string) (string, error) {
	candidate := cleanPath(startDir)
	for {
		if _, err := os.Stat(ProjectMarkerPath(candidate)); err == nil {
			return candidate, nil
		} else if !os.IsNotExist(err) {
			return "", err
		}

		parent := filepath.Dir(candidate)
		if parent == candidate {
			break
		}
		candidate = parent
	}
	return "", nil
}

// Init writes the project marker into dir. An existing marker is left alone.
func Init(dir string) (string, error) {
	dir = cleanPath(dir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	path := ProjectMarkerPath(dir)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	data, err := json.MarshalIndent(projectMarker{
		Name:    filepath.Base(dir),
		Created: time.Now().UTC(),
		Version: buildinfo.Current().Version,
	}, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	return path, nil
}

// ValidID reports whether id is usable as a single path segment.
func ValidID(id string) bool {
	if id == "" || id == "." || id == ".." || len(id) > 128 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}
