package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/bjsi/vibe-controller/internal/config"
	"github.com/bjsi/vibe-controller/internal/store"
)

var initCmd = &cobra.Command{
	Use:     "init",
	Aliases: []string{"setup"},
	Short:   "Mark a directory as a vibe-controller project root",
	Long: `Create the .vibe-controller.json marker and the experiments/ directory.

Experiments are stored under <root>/experiments/<id>/. The drone template is
looked up relative to the root unless an absolute template_dir is configured.

Examples:
  # Initialize in current directory
  vibe-controller init

  # Initialize another directory
  vibe-controller init --dir /srv/drone-lab`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().String("dir", ".", "Directory to initialize")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	dir, _ := cmd.Flags().GetString("dir")
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return fmt.Errorf("resolving directory: %w", err)
	}

	_, statErr := os.Stat(store.ProjectMarkerPath(absDir))
	existed := statErr == nil

	marker, err := store.Init(absDir)
	if err != nil {
		return fmt.Errorf("initializing project: %w", err)
	}
	s := store.New(absDir)
	expRoot, err := s.EnsureExperimentsRoot()
	if err != nil {
		return fmt.Errorf("creating experiments directory: %w", err)
	}

	fmt.Println()
	if existed {
		fmt.Printf("  %s\n", paint(styleBoldCyan, "Project already initialized"))
	} else {
		fmt.Printf("  %s\n", paint(styleBoldGreen, "Project initialized"))
	}
	fmt.Println()
	printField("Root", absDir)
	printField("Marker", marker)
	printField("Experiments", expRoot)

	cfg, err := config.LoadForProject(absDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		cfg = config.Default()
	}
	template := cfg.TemplatePath(absDir)
	if info, err := os.Stat(template); err == nil && info.IsDir() {
		printField("Template", template)
	} else {
		printField("Template", paint(colorYellow, template+" (missing)"))
		fmt.Println()
		fmt.Printf("  Copy the drone project skeleton to %s or set template_dir in %s.\n", template, config.Path())
	}
	fmt.Println()
	fmt.Printf("  Next: run %s, then %s.\n", paint(styleBoldWhite, "vibe-controller doctor"), paint(styleBoldWhite, "vibe-controller serve"))
	return nil
}
