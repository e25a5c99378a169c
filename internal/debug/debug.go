// Package debug provides a verbose structured logger for development diagnostics.
//
// When enabled via --debug (or VIBE_DEBUG_ENABLED), every significant event
// in the server is appended to a single .log file under
// ~/.vibe-controller/debug/. Lines carry a timestamp, goroutine ID, caller
// location, and the key/value context passed by the call site (experiment
// id, run id, pid, exit code) so a run can be reconstructed after the fact.
//
// When disabled (the default), all logging functions are no-ops.
package debug

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

var (
	logger   *Logger
	loggerMu sync.RWMutex
)

const (
	// EnvEnabled toggles debug logger initialization.
	EnvEnabled = "VIBE_DEBUG_ENABLED"
	// EnvLogPath forces logs to be written to a specific file.
	EnvLogPath = "VIBE_DEBUG_LOG_PATH"
)

// Logger writes structured debug lines to a file.
type Logger struct {
	mu        sync.Mutex
	out       io.WriteCloser
	path      string
	startedAt time.Time
	pid       int
}

// Init initializes the global debug logger and returns the log file path.
// Calling Init twice returns the path of the already-open log.
func Init() (string, error) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if logger != nil {
		return logger.path, nil
	}

	path, err := resolveLogPath()
	if err != nil {
		return "", err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return "", fmt.Errorf("debug: open log %s: %w", path, err)
	}

	l := &Logger{out: f, path: path, startedAt: time.Now(), pid: os.Getpid()}
	fmt.Fprintf(f, "=== VIBE-CONTROLLER DEBUG LOG ===\nStarted: %s\nPID: %d\nGOMAXPROCS: %d\nFile: %s\n===\n\n",
		l.startedAt.Format(time.RFC3339Nano), l.pid, runtime.GOMAXPROCS(0), path)
	logger = l
	return path, nil
}

// InitWriter installs a logger that writes to w instead of a file. Tests use
// it to capture output.
func InitWriter(w io.WriteCloser) {
	loggerMu.Lock()
	logger = &Logger{out: w, path: "", startedAt: time.Now(), pid: os.Getpid()}
	loggerMu.Unlock()
}

// Close flushes and closes the debug log. Safe to call when not initialized.
func Close() {
	loggerMu.Lock()
	l := logger
	logger = nil
	loggerMu.Unlock()
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.out, "\n=== DEBUG LOG CLOSED === (pid=%d duration=%s)\n", l.pid, time.Since(l.startedAt))
	l.out.Close()
}

// Enabled reports whether the debug logger is active.
func Enabled() bool {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger != nil
}

// Path returns the log file path, or "" if not enabled.
func Path() string {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	if logger == nil {
		return ""
	}
	return logger.path
}

// ShouldEnableFromEnv reports whether the environment asks for debug logging.
func ShouldEnableFromEnv() bool {
	path := strings.TrimSpace(os.Getenv(EnvLogPath))
	switch strings.ToLower(strings.TrimSpace(os.Getenv(EnvEnabled))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return path != ""
	}
}

// Log writes a debug line. No-op when debug is disabled.
func Log(component, msg string) {
	if l := current(); l != nil {
		l.write(component, msg, 2)
	}
}

// Logf writes a formatted debug line. No-op when debug is disabled.
func Logf(component, format string, args ...any) {
	if l := current(); l != nil {
		l.write(component, fmt.Sprintf(format, args...), 2)
	}
}

// LogKV writes a debug line with key-value context pairs.
// Usage: debug.LogKV("agent", "process started", "experiment", id, "pid", pid)
func LogKV(component, msg string, kvs ...any) {
	l := current()
	if l == nil {
		return
	}
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i+1 < len(kvs); i += 2 {
		fmt.Fprintf(&b, " %v=%v", kvs[i], kvs[i+1])
	}
	l.write(component, b.String(), 2)
}

func current() *Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

func (l *Logger) write(component, msg string, callerSkip int) {
	now := time.Now()

	caller := "??:0"
	if _, file, line, ok := runtime.Caller(callerSkip); ok {
		if idx := strings.LastIndex(file, "/internal/"); idx >= 0 {
			file = file[idx+1:]
		} else if idx := strings.LastIndex(file, "/cmd/"); idx >= 0 {
			file = file[idx+1:]
		}
		caller = fmt.Sprintf("%s:%d", file, line)
	}

	// TIMESTAMP +ELAPSED [PID] [GID] [COMPONENT] CALLER | MESSAGE
	out := fmt.Sprintf("%s +%12s [P%-6d] [G%-6d] [%-12s] %-36s | %s\n",
		now.Format("15:04:05.000000"),
		now.Sub(l.startedAt).Truncate(time.Microsecond),
		l.pid,
		goroutineID(),
		component,
		caller,
		msg,
	)

	l.mu.Lock()
	io.WriteString(l.out, out)
	l.mu.Unlock()
}

func resolveLogPath() (string, error) {
	if p := strings.TrimSpace(os.Getenv(EnvLogPath)); p != "" {
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return "", fmt.Errorf("debug: create dir for %s: %w", p, err)
		}
		return p, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("debug: user home dir: %w", err)
	}
	dir := filepath.Join(home, ".vibe-controller", "debug")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("debug: create dir %s: %w", dir, err)
	}

	var b [4]byte
	_, _ = rand.Read(b[:])
	name := fmt.Sprintf("%s_%s.log", time.Now().Format("20060102T150405"), hex.EncodeToString(b[:]))
	return filepath.Join(dir, name), nil
}

// goroutineID parses the goroutine number out of runtime.Stack. Only used
// when the logger is enabled.
func goroutineID() int64 {
	var buf [64]byte
	s := string(buf[:runtime.Stack(buf[:], false)])
	s, ok := strings.CutPrefix(s, "goroutine ")
	if !ok {
		return 0
	}
	var id int64
	for _, c := range s {
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + int64(c-'0')
	}
	return id
}
