package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/bjsi/vibe-controller/internal/agentstate"
	"github.com/bjsi/vibe-controller/internal/store"
	"github.com/bjsi/vibe-controller/internal/watchtui"
)

// EnvServerURL and EnvAuthToken default the watch connection flags.
const (
	EnvServerURL = "VIBE_SERVER_URL"
	EnvAuthToken = "VIBE_AUTH_TOKEN"
)

var watchCmd = &cobra.Command{
	Use:   "watch <id>",
	Short: "Follow a running experiment",
	Long: `Connect to a running server and follow one experiment's progress.

In a terminal this opens a full-screen view; otherwise messages are printed
as plain lines. Exits non-zero when the run ends in error.`,
	Args: cobra.ExactArgs(1),
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().String("url", "", "Server base URL (default $VIBE_SERVER_URL or http://127.0.0.1:8080)")
	watchCmd.Flags().String("token", "", "Auth token (default $VIBE_AUTH_TOKEN)")
	watchCmd.Flags().Bool("insecure", false, "Skip TLS certificate verification")
	watchCmd.Flags().Bool("plain", false, "Print plain lines even in a terminal")
	rootCmd.AddCommand(watchCmd)
}

func watchConfig(cmd *cobra.Command, id string) (watchtui.Config, error) {
	if !store.ValidID(id) {
		return watchtui.Config{}, fmt.Errorf("invalid experiment id %q", id)
	}
	url, _ := cmd.Flags().GetString("url")
	if strings.TrimSpace(url) == "" {
		url = os.Getenv(EnvServerURL)
	}
	if strings.TrimSpace(url) == "" {
		url = "http://127.0.0.1:8080"
	}
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = os.Getenv(EnvAuthToken)
	}
	insecure, _ := cmd.Flags().GetBool("insecure")
	return watchtui.Config{BaseURL: url, Token: token, ID: id, Insecure: insecure}, nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, err := watchConfig(cmd, args[0])
	if err != nil {
		return err
	}

	plain, _ := cmd.Flags().GetBool("plain")
	if !plain && isatty.IsTerminal(os.Stdout.Fd()) {
		return watchtui.Run(cmd.Context(), cfg)
	}

	status, err := watchtui.Follow(cmd.Context(), cfg, os.Stdout)
	if err != nil {
		return err
	}
	if status != "" {
		fmt.Printf("Run finished: %s\n", statusBadge(status))
	}
	if status == agentstate.StatusError {
		return fmt.Errorf("experiment %s failed", cfg.ID)
	}
	return nil
}
