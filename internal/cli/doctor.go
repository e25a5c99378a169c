package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/bjsi/vibe-controller/internal/config"
	"github.com/bjsi/vibe-controller/internal/detect"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that experiments can run on this machine",
	Long: `Check the project root, the drone template, the coding agent CLI, the
python interpreter and optional integrations. Exits non-zero when a
required check fails.`,
	Args: cobra.NoArgs,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

type checkLevel int

const (
	checkOK checkLevel = iota
	checkWarn
	checkFail
)

type doctorCheck struct {
	Name   string
	Level  checkLevel
	Detail string
}

func (c doctorCheck) mark() string {
	switch c.Level {
	case checkOK:
		return paint(styleBoldGreen, "ok  ")
	case checkWarn:
		return paint(styleBoldYellow, "warn")
	default:
		return paint(styleBoldRed, "FAIL")
	}
}

func runDoctor(cmd *cobra.Command, args []string) error {
	var checks []doctorCheck
	var root string

	s, err := openStore()
	if err != nil {
		checks = append(checks, doctorCheck{"project root", checkFail, err.Error()})
	} else {
		root = s.Root()
		checks = append(checks, doctorCheck{"project root", checkOK, root})
	}

	cfg, err := config.LoadForProject(root)
	if err != nil {
		checks = append(checks, doctorCheck{"config", checkFail, err.Error()})
		cfg = config.Default()
	} else {
		checks = append(checks, doctorCheck{"config", checkOK, config.Path()})
	}

	checks = append(checks, templateChecks(cfg, root)...)

	for _, tool := range detect.ProbeAll(map[string]string{
		"agent":  cfg.Agent.Command,
		"python": cfg.Python,
	}) {
		checks = append(checks, toolCheck(tool))
	}

	if cfg.Anthropic.APIKey != "" {
		checks = append(checks, doctorCheck{"spec generator", checkOK, fmt.Sprintf("anthropic %s (key %s)", cfg.Anthropic.Model, maskSecret(cfg.Anthropic.APIKey))})
	} else {
		checks = append(checks, doctorCheck{"spec generator", checkWarn, "ANTHROPIC_API_KEY not set, using the offline template"})
	}
	if cfg.Pushover.Configured() {
		checks = append(checks, doctorCheck{"pushover", checkOK, "user " + maskSecret(cfg.Pushover.UserKey)})
	} else {
		checks = append(checks, doctorCheck{"pushover", checkWarn, "not configured, no notifications"})
	}
	if cfg.TelemetryURL != "" {
		checks = append(checks, doctorCheck{"telemetry", checkOK, cfg.TelemetryURL})
	} else {
		checks = append(checks, doctorCheck{"telemetry", checkOK, "stored in-process"})
	}

	printHeader("vibe-controller doctor")
	failed := 0
	for _, c := range checks {
		fmt.Printf("  %s %-16s %s\n", c.mark(), c.Name, c.Detail)
		if c.Level == checkFail {
			failed++
		}
	}
	fmt.Println()
	if failed > 0 {
		return fmt.Errorf("%d check(s) failed", failed)
	}
	return nil
}

func templateChecks(cfg *config.Config, root string) []doctorCheck {
	if root == "" {
		return nil
	}
	dir := cfg.TemplatePath(root)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return []doctorCheck{{"template", checkFail, dir + " not found"}}
	}
	checks := []doctorCheck{{"template", checkOK, dir}}
	script := filepath.Join(dir, filepath.FromSlash(cfg.ControllerScript))
	if _, err := os.Stat(script); err != nil {
		checks = append(checks, doctorCheck{"controller", checkWarn, cfg.ControllerScript + " missing from template (the agent must create it)"})
	} else {
		checks = append(checks, doctorCheck{"controller", checkOK, cfg.ControllerScript})
	}
	return checks
}

func toolCheck(tool detect.Tool) doctorCheck {
	if !tool.Found {
		return doctorCheck{tool.Name, checkFail, fmt.Sprintf("%q not found on PATH", tool.Binary)}
	}
	return doctorCheck{tool.Name, checkOK, fmt.Sprintf("%s (%s)", tool.Path, tool.Version)}
}
