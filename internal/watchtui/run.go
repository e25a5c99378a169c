package watchtui

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/bjsi/vibe-controller/internal/agentstate"
)

// Run opens the full-screen UI for cfg.ID and blocks until the user quits.
func Run(ctx context.Context, cfg Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eventCh := make(chan any, 64)
	go func() {
		defer close(eventCh)
		if err := Stream(ctx, cfg, eventCh); err != nil {
			select {
			case eventCh <- StreamErrMsg{Err: err}:
			case <-ctx.Done():
			}
		}
	}()

	p := tea.NewProgram(NewModel(cfg.ID, eventCh), tea.WithAltScreen(), tea.WithContext(ctx))
	final, err := p.Run()
	cancel()
	if err != nil {
		return err
	}
	if m, ok := final.(Model); ok && m.Err() != nil {
		return m.Err()
	}
	return nil
}

// Follow prints new log messages to w as plain lines until the run is done
// or ctx is cancelled. It returns the final run status.
func Follow(ctx context.Context, cfg Config, w io.Writer) (string, error) {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	eventCh := make(chan any, 64)
	errCh := make(chan error, 1)
	go func() {
		defer close(eventCh)
		errCh <- Stream(ctx, cfg, eventCh)
	}()

	var (
		printed int
		status  string
		waiting bool
	)
	for msg := range eventCh {
		switch msg := msg.(type) {
		case WaitingMsg:
			if !waiting {
				fmt.Fprintln(w, "Waiting for agent to start...")
				waiting = true
			}
		case StateMsg:
			status = msg.State.Status
			printed = printNew(w, msg.State.Messages, printed)
		case DoneMsg:
			if msg.Status != "" {
				status = msg.Status
			}
		}
	}
	return status, <-errCh
}

// printNew writes msgs[from:] and returns the new high-water mark. A shorter
// slice means the run was restarted, so printing starts over.
func printNew(w io.Writer, msgs []agentstate.Message, from int) int {
	if len(msgs) < from {
		from = 0
	}
	for _, m := range msgs[from:] {
		fmt.Fprintf(w, "%s [%s] %s\n", m.Timestamp.Local().Format("15:04:05"), m.Type, m.Content)
	}
	return len(msgs)
}
