// Package config loads the server's user-level settings.
//
// Values are layered, lowest precedence first:
//
//  1. built-in defaults
//  2. ~/.vibe-controller/config.json (JSON, comments and trailing commas allowed)
//  3. <project root>/.env
//  4. process environment (VIBE_*, ANTHROPIC_*, PUSHOVER_*)
//
// Command-line flags are applied on top by the CLI.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kballard/go-shellquote"
	"github.com/tidwall/jsonc"
)

// Defaults for the staged drone project.
const (
	DefaultAgentCommand     = "claude"
	DefaultTemplateDir      = "drone-challenge"
	DefaultStagedDirName    = "drone-challenge"
	DefaultControllerScript = "src/drone_challenge/drone.py"
	DefaultPython           = "python3"
	DefaultTelemetryRetries = 2
	DefaultAnthropicModel   = "claude-sonnet-4-5"
)

// EnvConfigDir overrides the config directory (used by tests and packaging).
const EnvConfigDir = "VIBE_CONFIG_DIR"

// AgentConfig describes how the external coding agent is launched.
type AgentConfig struct {
	Command string            `json:"command,omitempty"` // binary name or path, resolved via PATH
	Args    []string          `json:"args,omitempty"`    // extra arguments appended after the stream flags
	Env     map[string]string `json:"env,omitempty"`     // extra environment variables
	// TimeoutSeconds bounds a single agent run. 0 disables the timeout.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// AnthropicConfig holds credentials for experiment spec generation.
type AnthropicConfig struct {
	APIKey string `json:"api_key,omitempty"`
	Model  string `json:"model,omitempty"`
}

// PushoverConfig holds Pushover notification credentials.
type PushoverConfig struct {
	UserKey  string `json:"user_key,omitempty"`
	AppToken string `json:"app_token,omitempty"`
}

// Configured reports whether both Pushover credentials are present.
func (p PushoverConfig) Configured() bool {
	return p.UserKey != "" && p.AppToken != ""
}

// Config holds the server settings stored in ~/.vibe-controller/config.json.
type Config struct {
	Agent AgentConfig `json:"agent"`

	// TemplateDir is the drone project skeleton copied into every experiment.
	// Relative paths resolve against the project root.
	TemplateDir      string `json:"template_dir,omitempty"`
	StagedDirName    string `json:"staged_dir_name,omitempty"`
	ControllerScript string `json:"controller_script,omitempty"`
	Python           string `json:"python,omitempty"`

	// TelemetryURL is the base URL simulator telemetry is posted to. Empty
	// appends points straight to the local experiment store.
	TelemetryURL     string `json:"telemetry_url,omitempty"`
	TelemetryRetries int    `json:"telemetry_retries,omitempty"`

	// StopKillsProcess makes /stop_experiment terminate the agent process
	// instead of only marking the run as ended.
	StopKillsProcess bool `json:"stop_kills_process,omitempty"`

	Anthropic AnthropicConfig `json:"anthropic,omitempty"`
	Pushover  PushoverConfig  `json:"pushover,omitempty"`
}

// Default returns a config populated with built-in defaults.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Agent.Command) == "" {
		c.Agent.Command = DefaultAgentCommand
	}
	if c.TemplateDir == "" {
		c.TemplateDir = DefaultTemplateDir
	}
	if c.StagedDirName == "" {
		c.StagedDirName = DefaultStagedDirName
	}
	if c.ControllerScript == "" {
		c.ControllerScript = DefaultControllerScript
	}
	if c.Python == "" {
		c.Python = DefaultPython
	}
	if c.TelemetryRetries <= 0 {
		c.TelemetryRetries = DefaultTelemetryRetries
	}
	if c.Anthropic.Model == "" {
		c.Anthropic.Model = DefaultAnthropicModel
	}
}

// AgentTimeout returns the configured agent timeout (0 = none).
func (c *Config) AgentTimeout() time.Duration {
	if c.Agent.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.Agent.TimeoutSeconds) * time.Second
}

// TemplatePath resolves TemplateDir against projectRoot.
func (c *Config) TemplatePath(projectRoot string) string {
	dir := c.TemplateDir
	if dir == "" {
		dir = DefaultTemplateDir
	}
	if filepath.IsAbs(dir) || projectRoot == "" {
		return filepath.Clean(dir)
	}
	return filepath.Join(projectRoot, dir)
}

// Dir returns the config directory (~/.vibe-controller), creating it if needed.
func Dir() string {
	if dir := strings.TrimSpace(os.Getenv(EnvConfigDir)); dir != "" {
		os.MkdirAll(dir, 0755)
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	dir := filepath.Join(home, ".vibe-controller")
	os.MkdirAll(dir, 0755)
	return dir
}

// Path returns the full path to config.json.
func Path() string {
	return filepath.Join(Dir(), "config.json")
}

// Load reads config.json, returning defaults if the file is absent, then
// overlays the process environment.
func Load() (*Config, error) {
	cfg, err := loadFile(Path())
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(environMap())
	cfg.applyDefaults()
	return cfg, nil
}

// LoadForProject is Load with <projectRoot>/.env layered between the file
// and the process environment.
func LoadForProject(projectRoot string) (*Config, error) {
	cfg, err := loadFile(Path())
	if err != nil {
		return nil, err
	}
	if projectRoot != "" {
		envPath := filepath.Join(projectRoot, ".env")
		if _, statErr := os.Stat(envPath); statErr == nil {
			vars, err := godotenv.Read(envPath)
			if err != nil {
				return nil, fmt.Errorf("parsing %s: %w", envPath, err)
			}
			cfg.ApplyEnv(vars)
		}
	}
	cfg.ApplyEnv(environMap())
	cfg.applyDefaults()
	return cfg, nil
}

func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &cfg, nil
}

// Save writes cfg to config.json.
func Save(cfg *Config) error {
	if cfg == nil {
		cfg = Default()
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(Path(), data, 0600)
}

// ApplyEnv overlays recognized variables from vars onto c. Unknown keys are
// ignored so a shared .env file can carry unrelated settings.
func (c *Config) ApplyEnv(vars map[string]string) {
	str := func(key string, dst *string) {
		if v, ok := vars[key]; ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("VIBE_AGENT_COMMAND", &c.Agent.Command)
	str("VIBE_TEMPLATE_DIR", &c.TemplateDir)
	str("VIBE_STAGED_DIR_NAME", &c.StagedDirName)
	str("VIBE_CONTROLLER_SCRIPT", &c.ControllerScript)
	str("VIBE_PYTHON", &c.Python)
	str("VIBE_TELEMETRY_URL", &c.TelemetryURL)
	str("ANTHROPIC_API_KEY", &c.Anthropic.APIKey)
	str("ANTHROPIC_MODEL", &c.Anthropic.Model)
	str("PUSHOVER_USER_KEY", &c.Pushover.UserKey)
	str("PUSHOVER_APP_TOKEN", &c.Pushover.AppToken)

	if v, ok := vars["VIBE_AGENT_ARGS"]; ok && strings.TrimSpace(v) != "" {
		if args, err := shellquote.Split(v); err == nil {
			c.Agent.Args = args
		}
	}
	if v, ok := vars["VIBE_AGENT_TIMEOUT_SECONDS"]; ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n >= 0 {
			c.Agent.TimeoutSeconds = n
		}
	}
	if v, ok := vars["VIBE_TELEMETRY_RETRIES"]; ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			c.TelemetryRetries = n
		}
	}
	if v, ok := vars["VIBE_STOP_KILLS_PROCESS"]; ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			c.StopKillsProcess = b
		}
	}
}

func environMap() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			out[k] = v
		}
	}
	return out
}
