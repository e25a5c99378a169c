package agent

// helpers.go provides the process plumbing shared by the agent and
// simulator stages.

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/bjsi/vibe-controller/internal/stream"
)

// setupEnv configures the command environment by inheriting the current
// process environment and overlaying the provided extra variables.
func setupEnv(cmd *exec.Cmd, env map[string]string) {
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
}

// setupProcessGroup starts the command in its own process group so that
// context cancellation kills the entire tree. The claude CLI is Node-based
// and spawns children; without this, orphans hold pipes open and hang the
// reader goroutines.
func setupProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		return nil
	}
}

// extractExitCode interprets a process error as an exit code.
// Returns (0, nil) for a clean exit, (code, nil) for an ExitError,
// or (0, err) for any other error.
func extractExitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return 0, err
}

// lookupExecutable resolves name on PATH and confirms the result is a file.
func lookupExecutable(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("no executable configured")
	}
	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("executable %q not found on PATH: %w", name, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("executable %q resolved to %s but cannot be read: %w", name, path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("executable %q resolved to directory %s", name, path)
	}
	return path, nil
}

// scanLines calls fn for every non-blank line of r until EOF. An oversized
// line is skipped and reported to fn as stream.ErrLineTooLong with an empty
// line; reading continues.
func scanLines(r io.Reader, fn func(line string, err error)) error {
	return stream.ScanLines(r, func(b []byte, err error) bool {
		if err != nil {
			fn("", err)
			return true
		}
		line := string(b)
		if strings.TrimSpace(line) != "" {
			fn(line, nil)
		}
		return true
	})
}
