// Package detect locates the external tools an experiment run shells out to
// and reports their versions.
package detect

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"time"
)

const (
	versionProbeTimeout = 1800 * time.Millisecond
)

var semverRE = regexp.MustCompile(`(?i)\bv?(\d+\.\d+(?:\.\d+)?(?:[-+][0-9A-Za-z.-]+)?)\b`)

// Tool is the probe result for one configured binary.
type Tool struct {
	Name    string `json:"name"`   // role, e.g. "agent" or "python"
	Binary  string `json:"binary"` // configured command
	Path    string `json:"path,omitempty"`
	Version string `json:"version,omitempty"`
	Found   bool   `json:"found"`
}

// Probe resolves binary and asks it for its version.
func Probe(name, binary string) Tool {
	t := Tool{Name: name, Binary: binary}
	path, ok := Resolve(binary)
	if !ok {
		return t
	}
	t.Path = path
	t.Found = true
	t.Version = detectVersion(path)
	return t
}

// ProbeAll probes every name -> binary pair and returns the results sorted
// by name.
func ProbeAll(binaries map[string]string) []Tool {
	out := make([]Tool, 0, len(binaries))
	for name, bin := range binaries {
		out = append(out, Probe(name, bin))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resolve finds binary on PATH or in common install directories. A binary
// containing a path separator is only checked in place.
func Resolve(binary string) (string, bool) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		return "", false
	}
	if strings.ContainsRune(binary, filepath.Separator) || strings.ContainsRune(binary, '/') {
		return executablePath(binary)
	}

	candidates := make([]string, 0, 1+len(knownInstallDirs()))
	if p, err := exec.LookPath(binary); err == nil {
		candidates = append(candidates, p)
	}

	for _, dir := range knownInstallDirs() {
		candidates = append(candidates, filepath.Join(dir, binary))
	}

	for _, path := range candidates {
		if real, ok := executablePath(path); ok {
			return real, true
		}
	}

	return "", false
}

func knownInstallDirs() []string {
	dirs := []string{
		"/usr/local/bin",
		"/usr/bin",
		"/opt/homebrew/bin",
		"/opt/local/bin",
	}

	home, err := os.UserHomeDir()
	if err == nil && home != "" {
		dirs = append(dirs,
			filepath.Join(home, ".local", "bin"),
			filepath.Join(home, ".claude", "local"),
			filepath.Join(home, ".npm-global", "bin"),
			filepath.Join(home, ".pyenv", "shims"),
		)
	}

	uniq := make(map[string]struct{}, len(dirs))
	out := make([]string, 0, len(dirs))
	for _, dir := range dirs {
		dir = strings.TrimSpace(dir)
		if dir == "" {
			continue
		}
		if _, exists := uniq[dir]; exists {
			continue
		}
		uniq[dir] = struct{}{}
		out = append(out, dir)
	}
	return out
}

func executablePath(path string) (string, bool) {
	if path == "" {
		return "", false
	}
	fi, err := os.Stat(path)
	if err != nil || fi.IsDir() {
		return "", false
	}
	if runtime.GOOS != "windows" && fi.Mode()&0111 == 0 {
		return "", false
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return abs, true
}

func detectVersion(commandPath string) string {
	attempts := [][]string{{"--version"}, {"-V"}, {"version"}}

	for _, args := range attempts {
		out, err := runVersionProbe(commandPath, args)
		if err != nil && out == "" {
			continue
		}
		if version := parseVersion(out); version != "" {
			return version
		}
	}

	return "unknown"
}

func runVersionProbe(commandPath string, args []string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), versionProbeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, commandPath, args...)
	output, err := cmd.CombinedOutput()
	out := strings.TrimSpace(string(output))

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return out, ctx.Err()
	}
	return out, err
}

func parseVersion(output string) string {
	output = strings.TrimSpace(output)
	if output == "" {
		return ""
	}

	if matches := semverRE.FindStringSubmatch(output); len(matches) > 1 {
		return matches[1]
	}

	line := output
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return ""
	}
	if len(line) > 48 {
		line = line[:48]
	}
	return line
}
