package webserver

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"

	"github.com/bjsi/vibe-controller/internal/agentstate"
	"github.com/bjsi/vibe-controller/internal/debug"
	"github.com/bjsi/vibe-controller/internal/pushover"
	"github.com/bjsi/vibe-controller/internal/store"
)

// experimentStatus maps a run status to the persisted experiment status.
func experimentStatus(runStatus string) (string, bool) {
	switch runStatus {
	case agentstate.StatusRunning:
		return store.StatusRunning, true
	case agentstate.StatusCompleted:
		return store.StatusCompleted, true
	case agentstate.StatusError:
		return store.StatusError, true
	case agentstate.StatusEnded:
		return store.StatusEnded, true
	}
	return "", false
}

// StatusHook returns the runner lifecycle callback: it writes the coarse
// status through to experiment.json and, for completed and failed runs,
// sends a Pushover notification when notifier is non-nil.
func StatusHook(s *store.Store, reg *agentstate.Registry, notifier *pushover.Client, logger *log.Logger) func(id, status string) {
	if logger == nil {
		logger = log.Default()
	}
	return func(id, status string) {
		expStatus, ok := experimentStatus(status)
		if !ok {
			return
		}
		if err := s.UpdateStatus(id, expStatus); err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				logger.Warn("updating experiment status", "id", id, "status", expStatus, "err", err)
			}
			debug.LogKV("webserver", "status write-through failed", "id", id, "status", expStatus, "error", err)
		}
		logger.Info("experiment "+expStatus, "id", id)

		if notifier == nil || (status != agentstate.StatusCompleted && status != agentstate.StatusError) {
			return
		}
		var detail string
		if st, ok := reg.Get(id); ok {
			detail = st.Error
			if detail == "" && len(st.Messages) > 0 {
				detail = st.Messages[len(st.Messages)-1].Content
			}
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := notifier.Send(ctx, pushover.RunFinished(id, status, detail)); err != nil {
				logger.Warn("pushover notification failed", "id", id, "err", err)
			}
		}()
	}
}
