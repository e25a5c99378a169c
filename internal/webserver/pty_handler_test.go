package webserver

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func TestTerminalWebSocketInputOutput(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skipf("/bin/sh not available: %v", err)
	}
	// Use a predictable shell for stable PTY behavior in test runs.
	t.Setenv("SHELL", "/bin/sh")

	env := newTestServer(t)
	env.createExperiment(t, "exp-1", time.Now().UTC())
	staged := filepath.Join(env.store.ExperimentDir("exp-1"), "drone-challenge")
	if err := os.MkdirAll(staged, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(staged, "marker_file.txt"), nil, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	ts := httptest.NewServer(env.srv.httpServer.Handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/experiments/exp-1/terminal"
	ws, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("websocket.Dial: %v", err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "test finished")

	if err := wsjson.Write(ctx, ws, terminalWSMessage{Type: "resize", Cols: 120, Rows: 32}); err != nil {
		t.Fatalf("send resize: %v", err)
	}

	// The shell starts inside the staged workspace.
	input := "ls\r\n"
	encodedInput := base64.StdEncoding.EncodeToString([]byte(input))
	if err := wsjson.Write(ctx, ws, terminalWSMessage{Type: "input", Data: encodedInput}); err != nil {
		t.Fatalf("send input: %v", err)
	}

	var combinedOutput strings.Builder
	for {
		var msg terminalWSMessage
		if err := wsjson.Read(ctx, ws, &msg); err != nil {
			t.Fatalf("receive message: %v (output=%q)", err, combinedOutput.String())
		}
		if msg.Type != "output" || msg.Data == "" {
			continue
		}

		decoded, err := base64.StdEncoding.DecodeString(msg.Data)
		if err != nil {
			t.Fatalf("decode output data: %v", err)
		}
		combinedOutput.Write(decoded)
		if strings.Contains(combinedOutput.String(), "marker_file.txt") {
			return
		}
	}
}

func TestTerminalWebSocketUnknownExperiment(t *testing.T) {
	env := newTestServer(t)

	rec := performRequest(t, env.srv, http.MethodGet, "/ws/experiments/missing/terminal")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}
