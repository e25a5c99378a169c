// Package watchtui follows one experiment over the server's state websocket,
// either as a bubbletea UI or as plain log lines.
package watchtui

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/bjsi/vibe-controller/internal/agentstate"
	"github.com/bjsi/vibe-controller/internal/debug"
)

// Config selects the server and experiment to follow.
type Config struct {
	BaseURL  string // http(s)://host:port
	Token    string
	ID       string
	Insecure bool // skip TLS verification for self-signed servers
}

// StateMsg carries a full run snapshot.
type StateMsg struct {
	State agentstate.State
}

// WaitingMsg means the server has no run for the experiment yet.
type WaitingMsg struct{}

// DoneMsg means the run finished and the server closed the stream.
type DoneMsg struct {
	Status string
}

// StreamErrMsg reports a connection failure.
type StreamErrMsg struct {
	Err error
}

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// StreamURL builds the websocket URL for cfg.
func StreamURL(cfg Config) (string, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil {
		return "", fmt.Errorf("parsing server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("server url %q has no host", cfg.BaseURL)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/experiments/" + url.PathEscape(cfg.ID)
	if cfg.Token != "" {
		q := u.Query()
		q.Set("token", cfg.Token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Stream dials the state websocket and forwards decoded messages to out
// until the run is done, the server closes, or ctx ends. out is not closed.
func Stream(ctx context.Context, cfg Config, out chan<- any) error {
	wsURL, err := StreamURL(cfg)
	if err != nil {
		return err
	}
	opts := &websocket.DialOptions{}
	if cfg.Insecure {
		opts.HTTPClient = &http.Client{Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}}
	}
	ws, _, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", cfg.BaseURL, err)
	}
	defer ws.CloseNow()
	debug.LogKV("watchtui", "stream connected", "id", cfg.ID)

	for {
		var env envelope
		if err := wsjson.Read(ctx, ws, &env); err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		var msg any
		switch env.Type {
		case "state":
			var st agentstate.State
			if err := json.Unmarshal(env.Data, &st); err != nil {
				return fmt.Errorf("decoding state: %w", err)
			}
			msg = StateMsg{State: st}
		case "waiting":
			msg = WaitingMsg{}
		case "done":
			var done struct {
				Status string `json:"status"`
			}
			_ = json.Unmarshal(env.Data, &done)
			msg = DoneMsg{Status: done.Status}
		default:
			debug.LogKV("watchtui", "unknown envelope ignored", "type", env.Type)
			continue
		}

		select {
		case out <- msg:
		case <-ctx.Done():
			return nil
		}
		if _, ok := msg.(DoneMsg); ok {
			ws.Close(websocket.StatusNormalClosure, "done")
			return nil
		}
	}
}
