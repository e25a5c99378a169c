package watchtui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/bjsi/vibe-controller/internal/agentstate"
)

// Color palette - dark theme inspired by Catppuccin Mocha
var (
	colorBase     = lipgloss.Color("#1e1e2e")
	colorSurface0 = lipgloss.Color("#313244")
	colorSurface2 = lipgloss.Color("#585b70")
	colorOverlay0 = lipgloss.Color("#6c7086")
	colorText     = lipgloss.Color("#cdd6f4")
	colorSubtext0 = lipgloss.Color("#a6adc8")

	colorRed      = lipgloss.Color("#f38ba8")
	colorGreen    = lipgloss.Color("#a6e3a1")
	colorYellow   = lipgloss.Color("#f9e2af")
	colorBlue     = lipgloss.Color("#89b4fa")
	colorLavender = lipgloss.Color("#b4befe")
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorBase).
			Background(colorBlue).
			Padding(0, 2)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorSurface2).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Foreground(colorSubtext0).
			Background(colorSurface0).
			Padding(0, 1)

	statusKeyStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorLavender).
			Background(colorSurface0)

	timeStyle = lipgloss.NewStyle().Foreground(colorOverlay0)
	textStyle = lipgloss.NewStyle().Foreground(colorText)
	dimStyle  = lipgloss.NewStyle().Foreground(colorOverlay0).Italic(true)
	errStyle  = lipgloss.NewStyle().Foreground(colorRed).Bold(true)
)

// typeStyle colors a message tag by its type.
func typeStyle(msgType string) lipgloss.Style {
	s := lipgloss.NewStyle().Bold(true)
	switch msgType {
	case agentstate.TypeError:
		return s.Foreground(colorRed)
	case agentstate.TypeWarning:
		return s.Foreground(colorYellow)
	case agentstate.TypeSuccess:
		return s.Foreground(colorGreen)
	default:
		return s.Foreground(colorBlue)
	}
}

// statusStyle colors a run status badge.
func statusStyle(status string) lipgloss.Style {
	s := lipgloss.NewStyle().Bold(true).Padding(0, 1).Foreground(colorBase)
	switch status {
	case agentstate.StatusCompleted:
		return s.Background(colorGreen)
	case agentstate.StatusError:
		return s.Background(colorRed)
	case agentstate.StatusRunning:
		return s.Background(colorYellow)
	case agentstate.StatusEnded:
		return s.Background(colorOverlay0)
	default:
		return s.Background(colorLavender)
	}
}
