// Package cli implements the vibe-controller command line.
package cli

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/bjsi/vibe-controller/internal/buildinfo"
	"github.com/bjsi/vibe-controller/internal/debug"
)

const (
	// ANSI color codes
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorWhite  = "\033[37m"

	// Combined styles
	styleBoldCyan   = "\033[1;36m"
	styleBoldGreen  = "\033[1;32m"
	styleBoldYellow = "\033[1;33m"
	styleBoldRed    = "\033[1;31m"
	styleBoldWhite  = "\033[1;37m"
)

// useColor is false when stdout is not a terminal or NO_COLOR is set.
var useColor = isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("NO_COLOR") == ""

// paint wraps s in an ANSI style when color output is enabled.
func paint(style, s string) string {
	if !useColor {
		return s
	}
	return style + s + colorReset
}

var rootCmd = &cobra.Command{
	Use:   "vibe-controller",
	Short: "Drone experiment wizard backend",
	Long: `vibe-controller runs drone-controller experiments for the wizard UI.

Each experiment stages the drone project template, hands the instructions
to the claude coding agent, streams its progress, then runs the drone
simulation and records its telemetry.

Getting Started:
  vibe-controller init              Mark this directory as a project root
  vibe-controller doctor            Check the agent, python and template
  vibe-controller serve             Start the HTTP API
  vibe-controller experiments list  Show recorded experiments
  vibe-controller watch <id>        Follow a running experiment

Version ` + buildinfo.Current().Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	rootCmd.PersistentFlags().Bool("debug", false, "Enable verbose debug logging to ~/.vibe-controller/debug/")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		debugFlag, _ := cmd.Flags().GetBool("debug")
		if !debugFlag && !debug.ShouldEnableFromEnv() {
			return nil
		}
		logPath, err := debug.Init()
		if err != nil {
			return fmt.Errorf("initializing debug logger: %w", err)
		}
		fmt.Fprintf(os.Stderr, "%s logging to %s\n", paint(colorDim, "[debug]"), logPath)
		bi := buildinfo.Current()
		debug.LogKV("cli", "vibe-controller starting",
			"version", bi.Version,
			"commit", bi.CommitHash,
			"build_date", bi.BuildDate,
			"pid", os.Getpid(),
			"command", cmd.Name(),
			"args", args,
		)
		return nil
	}
}

// Execute runs the root command.
func Execute() {
	defer debug.Close()
	if err := rootCmd.Execute(); err != nil {
		debug.Logf("cli", "exit with error: %v", err)
		fmt.Fprintf(os.Stderr, "%s\n", paint(colorRed, "Error: "+err.Error()))
		debug.Close()
		os.Exit(1)
	}
	debug.Log("cli", "exit success")
}
