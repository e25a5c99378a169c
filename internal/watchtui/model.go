package watchtui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/bjsi/vibe-controller/internal/agentstate"
)

type keyMap struct {
	Quit   key.Binding
	Follow key.Binding
	Top    key.Binding
	Bottom key.Binding
}

var keys = keyMap{
	Quit:   key.NewBinding(key.WithKeys("q", "ctrl+c", "esc"), key.WithHelp("q", "quit")),
	Follow: key.NewBinding(key.WithKeys("f"), key.WithHelp("f", "follow")),
	Top:    key.NewBinding(key.WithKeys("g", "home"), key.WithHelp("g", "top")),
	Bottom: key.NewBinding(key.WithKeys("G", "end"), key.WithHelp("G", "bottom")),
}

// streamClosedMsg is delivered once the event channel is drained.
type streamClosedMsg struct{}

// Model renders the message log of one run.
type Model struct {
	id     string
	events <-chan any

	state   agentstate.State
	waiting bool
	done    bool
	final   string
	err     error
	follow  bool

	width, height int
	ready         bool
	spinner       spinner.Model
	viewport      viewport.Model
}

// NewModel returns a model reading events from ch.
func NewModel(id string, ch <-chan any) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(colorLavender)
	return Model{
		id:      id,
		events:  ch,
		waiting: true,
		follow:  true,
		spinner: sp,
	}
}

func waitForEvent(ch <-chan any) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return streamClosedMsg{}
		}
		return msg
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForEvent(m.events))
}

// Done reports whether the run has finished.
func (m Model) Done() bool {
	return m.done
}

// Err returns the connection error, if any.
func (m Model) Err() error {
	return m.err
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.SetSize(msg.Width, msg.Height)
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, keys.Follow):
			m.follow = !m.follow
			if m.follow {
				m.viewport.GotoBottom()
			}
			return m, nil
		case key.Matches(msg, keys.Top):
			m.follow = false
			m.viewport.GotoTop()
			return m, nil
		case key.Matches(msg, keys.Bottom):
			m.follow = true
			m.viewport.GotoBottom()
			return m, nil
		}
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		if !m.viewport.AtBottom() {
			m.follow = false
		}
		return m, cmd

	case StateMsg:
		m.waiting = false
		m.state = msg.State
		m.refresh()
		cmds = append(cmds, waitForEvent(m.events))

	case WaitingMsg:
		m.waiting = true
		cmds = append(cmds, waitForEvent(m.events))

	case DoneMsg:
		m.done = true
		m.final = msg.Status
		if m.final == "" {
			m.final = m.state.Status
		}
		cmds = append(cmds, waitForEvent(m.events))

	case StreamErrMsg:
		m.err = msg.Err
		m.done = true
		cmds = append(cmds, waitForEvent(m.events))

	case streamClosedMsg:
		m.done = true

	case spinner.TickMsg:
		if m.done {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

// SetSize sizes the log viewport for a terminal of w x h cells.
func (m *Model) SetSize(w, h int) {
	m.width, m.height = w, h
	vw, vh := m.logWidth(), m.logHeight()
	if !m.ready {
		m.viewport = viewport.New(vw, vh)
		m.ready = true
	} else {
		m.viewport.Width = vw
		m.viewport.Height = vh
	}
	m.refresh()
}

func (m Model) logWidth() int {
	// border + padding
	return max(m.width-4, 10)
}

func (m Model) logHeight() int {
	// header, status bar and the panel border
	return max(m.height-4, 3)
}

func (m *Model) refresh() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(strings.Join(renderMessages(m.state.Messages, m.logWidth()), "\n"))
	if m.follow {
		m.viewport.GotoBottom()
	}
}

// renderMessages formats and wraps the log for a pane width cells wide.
func renderMessages(msgs []agentstate.Message, width int) []string {
	if len(msgs) == 0 {
		return []string{dimStyle.Render("Waiting for agent to start...")}
	}
	out := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		prefix := timeStyle.Render(msg.Timestamp.Local().Format("15:04:05")) + " " +
			typeStyle(msg.Type).Render(fmt.Sprintf("%-7s", msg.Type)) + " "
		indent := strings.Repeat(" ", ansi.StringWidth(prefix))
		bodyWidth := max(width-ansi.StringWidth(prefix), 10)
		for i, line := range strings.Split(ansi.Wrap(msg.Content, bodyWidth, " "), "\n") {
			lead := indent
			if i == 0 {
				lead = prefix
			}
			out = append(out, lead+textStyle.Render(line))
		}
	}
	return out
}

func (m Model) View() string {
	if !m.ready {
		return "\n  " + m.spinner.View() + " connecting..."
	}

	status := m.state.Status
	if m.waiting && status == "" {
		status = agentstate.StatusPending
	}
	if m.done && m.final != "" {
		status = m.final
	}
	title := headerStyle.Render("vibe-controller") + " " +
		lipgloss.NewStyle().Bold(true).Foreground(colorText).Render(m.id) + " " +
		statusStyle(status).Render(status)
	if !m.done {
		title += " " + m.spinner.View()
	}
	header := ansi.Truncate(title, m.width, "…")

	body := panelStyle.Width(m.width - 2).Render(m.viewport.View())

	return lipgloss.JoinVertical(lipgloss.Left, header, body, m.statusBar())
}

func (m Model) statusBar() string {
	parts := []string{
		statusKeyStyle.Render("msgs ") + fmt.Sprintf("%d", len(m.state.Messages)),
	}
	if m.state.DroppedTelemetry > 0 {
		parts = append(parts, errStyle.Render(fmt.Sprintf("dropped telemetry %d", m.state.DroppedTelemetry)))
	}
	if m.err != nil {
		parts = append(parts, errStyle.Render("error: "+m.err.Error()))
	} else if m.state.Error != "" {
		parts = append(parts, errStyle.Render(m.state.Error))
	}
	follow := "off"
	if m.follow {
		follow = "on"
	}
	parts = append(parts,
		statusKeyStyle.Render("follow ")+follow,
		statusKeyStyle.Render("q")+" quit "+statusKeyStyle.Render("f")+" follow "+statusKeyStyle.Render("g/G")+" top/bottom",
	)
	line := strings.Join(parts, "  ")
	return statusBarStyle.Width(m.width).Render(ansi.Truncate(line, max(m.width-2, 1), "…"))
}
