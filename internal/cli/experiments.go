package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/bjsi/vibe-controller/internal/store"
)

var experimentsCmd = &cobra.Command{
	Use:     "experiments",
	Aliases: []string{"experiment", "exp"},
	Short:   "Inspect recorded experiments",
}

var experimentsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List experiments, newest first",
	Args:    cobra.NoArgs,
	RunE:    runExperimentsList,
}

var experimentsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one experiment with its telemetry summary",
	Args:  cobra.ExactArgs(1),
	RunE:  runExperimentsShow,
}

func init() {
	experimentsListCmd.Flags().Bool("json", false, "Print JSON instead of a table")
	experimentsShowCmd.Flags().Bool("json", false, "Print the experiment record as JSON")
	experimentsCmd.AddCommand(experimentsListCmd, experimentsShowCmd)
	rootCmd.AddCommand(experimentsCmd)
}

func runExperimentsList(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	summaries, err := s.List()
	if err != nil {
		return fmt.Errorf("listing experiments: %w", err)
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(summaries)
	}

	printHeader(fmt.Sprintf("Experiments (%d)", len(summaries)))
	printTable([]string{"ID", "STATUS", "STARTED", "INSTRUCTIONS"}, summaryRows(summaries, time.Now()))
	fmt.Println()
	return nil
}

func summaryRows(summaries []store.Summary, now time.Time) [][]string {
	rows := make([][]string, 0, len(summaries))
	for _, sum := range summaries {
		rows = append(rows, []string{
			sum.ID,
			statusBadge(sum.Status),
			relativeTime(sum.StartTime, now),
			truncate(firstLine(sum.Instructions), 60),
		})
	}
	return rows
}

func relativeTime(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

func runExperimentsShow(cmd *cobra.Command, args []string) error {
	s, err := openStore()
	if err != nil {
		return err
	}
	id := strings.TrimSpace(args[0])
	if !store.ValidID(id) {
		return fmt.Errorf("invalid experiment id %q", id)
	}
	exp, ok := s.Load(id)
	if !ok {
		return fmt.Errorf("experiment %q not found", id)
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(exp)
	}

	printHeader("Experiment " + exp.ID)
	printField("Status", statusBadge(exp.Status))
	printField("Started", fmt.Sprintf("%s (%s)", exp.StartTime.Local().Format(time.DateTime), relativeTime(exp.StartTime, time.Now())))
	printField("Directory", s.ExperimentDir(exp.ID))
	printField("Telemetry", humanize.Comma(int64(len(exp.TestData)))+" points")
	if n := len(exp.TestData); n > 0 {
		first, last := exp.TestData[0], exp.TestData[n-1]
		printField("Flight time", last.Timestamp.Sub(first.Timestamp.Time).Round(time.Millisecond).String())
		printField("Final pos", fmt.Sprintf("x=%.2f y=%.2f z=%.2f", last.Position.X, last.Position.Y, last.Position.Z))
	}
	if events, err := s.Transcript(exp.ID); err == nil {
		printField("Transcript", humanize.Comma(int64(len(events)))+" lines")
	}
	if info, err := os.Stat(s.TranscriptPath(exp.ID)); err == nil {
		printField("Transcript size", humanize.Bytes(uint64(info.Size())))
	}

	if exp.Spec != nil {
		printHeader("Spec")
		printField("Title", exp.Spec.Title)
		printField("Objective", exp.Spec.Objective)
		printField("Controller", exp.Spec.Controller)
		for _, c := range exp.Spec.Constraints {
			fmt.Printf("    - %s\n", c)
		}
	}

	printHeader("Instructions")
	fmt.Println(exp.Instructions)
	fmt.Println()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
