package agent

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuildArgsAppendsExtraArgsAfterStreamFlags(t *testing.T) {
	got := buildArgs("fly in a square", []string{"--model", "opus"})
	want := []string{
		"--print", "fly in a square",
		"--dangerously-skip-permissions",
		"--output-format", "stream-json",
		"--verbose",
		"--model", "opus",
	}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("buildArgs() = %q, want %q", got, want)
	}
}

func TestExtractExitCode(t *testing.T) {
	if code, err := extractExitCode(nil); code != 0 || err != nil {
		t.Fatalf("extractExitCode(nil) = (%d, %v)", code, err)
	}

	err := exec.Command("/bin/sh", "-c", "exit 7").Run()
	code, rest := extractExitCode(err)
	if code != 7 || rest != nil {
		t.Fatalf("extractExitCode(exit 7) = (%d, %v)", code, rest)
	}

	other := errors.New("broken pipe")
	if code, rest := extractExitCode(other); code != 0 || !errors.Is(rest, other) {
		t.Fatalf("extractExitCode(other) = (%d, %v)", code, rest)
	}
}

func TestLookupExecutable(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "claude")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"), 0755); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", dir)

	got, err := lookupExecutable("claude")
	if err != nil || got != bin {
		t.Fatalf("lookupExecutable(claude) = (%q, %v)", got, err)
	}
	if _, err := lookupExecutable("  "); err == nil {
		t.Fatal("lookupExecutable(blank) error = nil")
	}
	if _, err := lookupExecutable("missing-agent"); err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("lookupExecutable(missing) error = %v", err)
	}
}

func TestStageTemplateCopiesTreeAndReplacesPreviousCopy(t *testing.T) {
	tmpl := t.TempDir()
	if err := os.MkdirAll(filepath.Join(tmpl, "src", "pkg"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tmpl, "src", "pkg", "run.sh"), []byte("echo hi\n"), 0750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tmpl, "pyproject.toml"), []byte("[project]\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink("pyproject.toml", filepath.Join(tmpl, "link.toml")); err != nil {
		t.Fatal(err)
	}

	expDir := t.TempDir()
	stale := filepath.Join(expDir, "drone-challenge", "stale.txt")
	if err := os.MkdirAll(filepath.Dir(stale), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(stale, []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}

	staged, err := stageTemplate(tmpl, expDir, "drone-challenge")
	if err != nil {
		t.Fatalf("stageTemplate: %v", err)
	}
	if staged != filepath.Join(expDir, "drone-challenge") {
		t.Fatalf("staged = %q", staged)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("stale file survived restaging: %v", err)
	}

	info, err := os.Stat(filepath.Join(staged, "src", "pkg", "run.sh"))
	if err != nil {
		t.Fatalf("copied file missing: %v", err)
	}
	if info.Mode().Perm() != 0750 {
		t.Fatalf("mode = %v, want 0750", info.Mode().Perm())
	}

	target, err := os.Readlink(filepath.Join(staged, "link.toml"))
	if err != nil {
		t.Fatalf("symlink not recreated: %v", err)
	}
	if target != "pyproject.toml" {
		t.Fatalf("symlink target = %q", target)
	}
}

func TestStageTemplateRejectsMissingOrFileTemplate(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent")
	if _, err := stageTemplate(missing, t.TempDir(), "drone-challenge"); err == nil || !strings.Contains(err.Error(), missing) {
		t.Fatalf("stageTemplate(missing) error = %v", err)
	}

	file := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(file, nil, 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := stageTemplate(file, t.TempDir(), "drone-challenge"); err == nil {
		t.Fatal("stageTemplate(file) error = nil")
	}
}

func TestSettingsFromConfigResolvesTemplate(t *testing.T) {
	s := SettingsFromConfig(nil, "/work/project")
	if s.TemplateDir != "/work/project/drone-challenge" {
		t.Fatalf("TemplateDir = %q", s.TemplateDir)
	}
	if s.Command != "claude" || s.Python != "python3" {
		t.Fatalf("settings = %+v", s)
	}
}
