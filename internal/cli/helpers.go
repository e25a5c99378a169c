package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/x/ansi"

	"github.com/bjsi/vibe-controller/internal/store"
)

// EnvProjectDir overrides the directory the project root is searched from.
const EnvProjectDir = "VIBE_PROJECT_DIR"

// openStore locates the project root from VIBE_PROJECT_DIR or the current
// directory.
func openStore() (*store.Store, error) {
	start := strings.TrimSpace(os.Getenv(EnvProjectDir))
	if start == "" {
		dir, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("getting working directory: %w", err)
		}
		start = dir
	}
	return store.Open(start)
}

// printHeader prints a formatted section header.
func printHeader(title string) {
	fmt.Printf("\n%s\n", paint(styleBoldCyan, title))
	fmt.Println(paint(colorDim, strings.Repeat("-", len(title)+2)))
}

// printField prints a labeled field.
func printField(label, value string) {
	fmt.Printf("  %s %s\n", paint(colorBold, fmt.Sprintf("%-16s", label+":")), value)
}

// statusColor returns an ANSI color code for an experiment or run status.
func statusColor(status string) string {
	switch strings.ToLower(status) {
	case store.StatusCompleted, "success", "ok":
		return colorGreen
	case store.StatusRunning, store.StatusStarted, "pending", "warning":
		return colorYellow
	case store.StatusError, "fail":
		return colorRed
	case store.StatusEnded:
		return colorDim
	case "info":
		return colorBlue
	default:
		return colorWhite
	}
}

// statusBadge returns a colored status badge.
func statusBadge(status string) string {
	return paint(statusColor(status), "["+status+"]")
}

// printTable prints a simple table with headers and rows.
func printTable(headers []string, rows [][]string) {
	if len(rows) == 0 {
		fmt.Println(paint(colorDim, "  (none)"))
		return
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				if w := ansi.StringWidth(cell); w > widths[i] {
					widths[i] = w
				}
			}
		}
	}

	headerLine := "  "
	for i, h := range headers {
		headerLine += paint(colorBold, fmt.Sprintf("%-*s", widths[i]+2, h))
	}
	fmt.Println(headerLine)

	sepLine := "  "
	for _, w := range widths {
		sepLine += paint(colorDim, strings.Repeat("-", w+2))
	}
	fmt.Println(sepLine)

	for _, row := range rows {
		rowLine := "  "
		for i, cell := range row {
			if i < len(widths) {
				padding := widths[i] - ansi.StringWidth(cell)
				if padding < 0 {
					padding = 0
				}
				rowLine += cell + strings.Repeat(" ", padding+2)
			}
		}
		fmt.Println(rowLine)
	}
}

// truncate shortens s to maxLen cells, adding "..." if needed.
func truncate(s string, maxLen int) string {
	if ansi.StringWidth(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return ansi.Truncate(s, maxLen, "")
	}
	return ansi.Truncate(s, maxLen, "...")
}

// firstLine returns the first line of a multi-line string.
func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

// maskSecret keeps the last four characters of a credential.
func maskSecret(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-4) + s[len(s)-4:]
}
