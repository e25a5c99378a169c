package cli

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/spf13/cobra"

	"github.com/bjsi/vibe-controller/internal/config"
	"github.com/bjsi/vibe-controller/internal/store"
)

func TestOpenStoreWalksUpToProjectRoot(t *testing.T) {
	root := t.TempDir()
	if _, err := store.Init(root); err != nil {
		t.Fatalf("store.Init: %v", err)
	}
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	t.Setenv(EnvProjectDir, nested)

	s, err := openStore()
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	want, _ := filepath.EvalSymlinks(root)
	got, _ := filepath.EvalSymlinks(s.Root())
	if got != want {
		t.Fatalf("root = %q, want %q", got, want)
	}
}

func TestOpenStoreWithoutMarkerFails(t *testing.T) {
	t.Setenv(EnvProjectDir, t.TempDir())

	if _, err := openStore(); err == nil {
		t.Fatal("expected an error without a project marker")
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly ten", 11, "exactly ten"},
		{"a longer instruction", 10, "a longe..."},
		{"abcdef", 3, "abc"},
	}
	for _, tc := range tests {
		if got := truncate(tc.in, tc.max); got != tc.want {
			t.Fatalf("truncate(%q, %d) = %q, want %q", tc.in, tc.max, got, tc.want)
		}
	}
}

func TestMaskSecret(t *testing.T) {
	if got := maskSecret("sk-ant-1234567890"); got != "*************7890" {
		t.Fatalf("maskSecret = %q", got)
	}
	if got := maskSecret("short"); got != "*****" {
		t.Fatalf("maskSecret(short) = %q", got)
	}
	if maskSecret("  ") != "" {
		t.Fatal("blank secret should mask to empty")
	}
}

func TestSummaryRows(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	rows := summaryRows([]store.Summary{
		{ID: "exp-2", Status: store.StatusCompleted, StartTime: now.Add(-2 * time.Hour), Instructions: "fly a square\nthen land"},
		{ID: "exp-1", Status: store.StatusError},
	}, now)
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if got := ansi.Strip(rows[0][1]); got != "[completed]" {
		t.Fatalf("status cell = %q", got)
	}
	if rows[0][2] != "2 hours ago" {
		t.Fatalf("started cell = %q", rows[0][2])
	}
	if rows[0][3] != "fly a square" {
		t.Fatalf("instructions cell = %q", rows[0][3])
	}
	if rows[1][2] != "-" {
		t.Fatalf("zero start time = %q, want -", rows[1][2])
	}
}

func TestRunInitCreatesMarkerAndExperimentsDir(t *testing.T) {
	t.Setenv(config.EnvConfigDir, t.TempDir())
	dir := t.TempDir()

	cmd := &cobra.Command{}
	cmd.Flags().String("dir", dir, "")
	if err := runInit(cmd, nil); err != nil {
		t.Fatalf("runInit: %v", err)
	}
	if _, err := os.Stat(store.ProjectMarkerPath(dir)); err != nil {
		t.Fatalf("marker missing: %v", err)
	}
	if info, err := os.Stat(filepath.Join(dir, store.ExperimentsDir)); err != nil || !info.IsDir() {
		t.Fatalf("experiments dir missing: %v", err)
	}

	// Running again leaves the marker in place.
	before, _ := os.ReadFile(store.ProjectMarkerPath(dir))
	if err := runInit(cmd, nil); err != nil {
		t.Fatalf("second runInit: %v", err)
	}
	after, _ := os.ReadFile(store.ProjectMarkerPath(dir))
	if string(before) != string(after) {
		t.Fatal("marker rewritten on second init")
	}
}

func TestTemplateChecks(t *testing.T) {
	root := t.TempDir()
	cfg := config.Default()

	checks := templateChecks(cfg, root)
	if len(checks) != 1 || checks[0].Level != checkFail {
		t.Fatalf("missing template checks = %+v", checks)
	}

	script := filepath.Join(cfg.TemplatePath(root), filepath.FromSlash(cfg.ControllerScript))
	if err := os.MkdirAll(filepath.Dir(script), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	checks = templateChecks(cfg, root)
	if len(checks) != 2 || checks[0].Level != checkOK || checks[1].Level != checkWarn {
		t.Fatalf("template without script = %+v", checks)
	}

	if err := os.WriteFile(script, []byte("print('fly')\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	checks = templateChecks(cfg, root)
	if checks[1].Level != checkOK {
		t.Fatalf("controller check = %+v", checks[1])
	}
}

func TestWatchConfigDefaults(t *testing.T) {
	t.Setenv(EnvServerURL, "")
	t.Setenv(EnvAuthToken, "from-env")

	cmd := &cobra.Command{}
	cmd.Flags().String("url", "", "")
	cmd.Flags().String("token", "", "")
	cmd.Flags().Bool("insecure", false, "")

	cfg, err := watchConfig(cmd, "exp-1")
	if err != nil {
		t.Fatalf("watchConfig: %v", err)
	}
	if cfg.BaseURL != "http://127.0.0.1:8080" || cfg.Token != "from-env" || cfg.ID != "exp-1" {
		t.Fatalf("cfg = %+v", cfg)
	}

	if err := cmd.Flags().Set("url", "https://lab.local:9443"); err != nil {
		t.Fatalf("set url: %v", err)
	}
	cfg, err = watchConfig(cmd, "exp-1")
	if err != nil {
		t.Fatalf("watchConfig: %v", err)
	}
	if cfg.BaseURL != "https://lab.local:9443" {
		t.Fatalf("flag url ignored: %+v", cfg)
	}

	if _, err := watchConfig(cmd, "../etc"); err == nil {
		t.Fatal("expected an error for an unsafe id")
	}
}
