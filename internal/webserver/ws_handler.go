package webserver

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/bjsi/vibe-controller/internal/agentstate"
	"github.com/bjsi/vibe-controller/internal/store"
)

// Envelope types sent on the state stream.
const (
	wsTypeState   = "state"
	wsTypeWaiting = "waiting"
	wsTypeDone    = "done"
)

const (
	wsPingInterval  = 20 * time.Second
	wsCheckInterval = time.Second
)

type wsEnvelope struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// handleStateWebSocket streams Agent State snapshots for one experiment.
// A "waiting" envelope is sent when no state exists yet; the stream ends with
// "done" once the run has a terminal status and its process has exited.
func (srv *Server) handleStateWebSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !store.ValidID(id) {
		writeError(w, http.StatusNotFound, "experiment not found")
		return
	}

	ws, err := srv.acceptWebSocket(w, r)
	if err != nil {
		return
	}
	defer ws.CloseNow()

	ctx := ws.CloseRead(r.Context())

	updates, cancel := srv.registry.Subscribe(id)
	defer cancel()

	write := func(env wsEnvelope) error {
		writeCtx, writeCancel := context.WithTimeout(ctx, 15*time.Second)
		defer writeCancel()
		return wsjson.Write(writeCtx, ws, env)
	}

	if _, ok := srv.registry.Get(id); !ok {
		if err := write(wsEnvelope{Type: wsTypeWaiting, Data: stateResponse(agentstate.State{}, false)}); err != nil {
			return
		}
	}

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	check := time.NewTicker(wsCheckInterval)
	defer check.Stop()

	var last agentstate.State
	finish := func() {
		_ = write(wsEnvelope{Type: wsTypeDone, Data: map[string]string{"status": last.Status}})
		ws.Close(websocket.StatusNormalClosure, "run finished")
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
			err := ws.Ping(pingCtx)
			pingCancel()
			if err != nil {
				return
			}
		case <-check.C:
			if last.Terminal() && !srv.runner.Active(id) {
				finish()
				return
			}
		case st, ok := <-updates:
			if !ok {
				ws.Close(websocket.StatusNormalClosure, "stream ended")
				return
			}
			last = st
			if err := write(wsEnvelope{Type: wsTypeState, Data: st}); err != nil {
				return
			}
			if st.Terminal() && !srv.runner.Active(id) {
				finish()
				return
			}
		}
	}
}
