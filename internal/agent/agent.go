// Package agent runs the external coding agent for an experiment and the
// follow-up drone simulation, reporting progress into an agentstate.Registry.
package agent

import (
	"errors"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"

	"github.com/bjsi/vibe-controller/internal/agentstate"
	"github.com/bjsi/vibe-controller/internal/config"
	"github.com/bjsi/vibe-controller/internal/recording"
	"github.com/bjsi/vibe-controller/internal/telemetry"
)

// ErrAlreadyRunning is returned when a run for the experiment is still active.
var ErrAlreadyRunning = errors.New("experiment already running")

// Settings controls how the agent and simulator are launched.
type Settings struct {
	Command          string            // agent binary, resolved via PATH
	Args             []string          // appended after the stream-json flags
	Env              map[string]string // extra environment for both stages
	TemplateDir      string            // absolute path of the project skeleton
	StagedDirName    string
	ControllerScript string // relative to the staged directory
	Python           string
	Timeout          time.Duration // 0 = none
	StopKillsProcess bool
}

// SettingsFromConfig resolves cfg against the project root.
func SettingsFromConfig(cfg *config.Config, projectRoot string) Settings {
	if cfg == nil {
		cfg = config.Default()
	}
	return Settings{
		Command:          cfg.Agent.Command,
		Args:             append([]string(nil), cfg.Agent.Args...),
		Env:              cfg.Agent.Env,
		TemplateDir:      cfg.TemplatePath(projectRoot),
		StagedDirName:    cfg.StagedDirName,
		ControllerScript: filepath.FromSlash(cfg.ControllerScript),
		Python:           cfg.Python,
		Timeout:          cfg.AgentTimeout(),
		StopKillsProcess: cfg.StopKillsProcess,
	}
}

func (s *Settings) applyDefaults() {
	if s.Command == "" {
		s.Command = config.DefaultAgentCommand
	}
	if s.StagedDirName == "" {
		s.StagedDirName = config.DefaultStagedDirName
	}
	if s.ControllerScript == "" {
		s.ControllerScript = filepath.FromSlash(config.DefaultControllerScript)
	}
	if s.Python == "" {
		s.Python = config.DefaultPython
	}
}

// Options wires a Runner to its collaborators.
type Options struct {
	Registry *agentstate.Registry
	Settings Settings

	// Telemetry receives simulator points. Nil discards them.
	Telemetry telemetry.Sink
	// Transcript persists raw process output. Nil keeps it in memory only.
	Transcript recording.Appender
	// OnStatus is called when a run becomes running, reaches a terminal
	// status, or is stopped.
	OnStatus func(id, status string)
	// Logger receives operator-facing warnings. Nil discards them.
	Logger *log.Logger
}
