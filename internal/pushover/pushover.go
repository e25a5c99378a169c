// Package pushover implements the Pushover notification API client used to
// announce finished experiment runs.
package pushover

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bjsi/vibe-controller/internal/config"
)

const (
	defaultAPIURL = "https://api.pushover.net/1/messages.json"

	// MaxTitleLen is the maximum length for a Pushover notification title.
	MaxTitleLen = 250

	// MaxMessageLen is the maximum length for a Pushover notification message.
	MaxMessageLen = 1024
)

// Priority levels for Pushover notifications.
const (
	PriorityLowest = -2
	PriorityLow    = -1
	PriorityNormal = 0
	PriorityHigh   = 1
)

// Message represents a Pushover notification to send.
type Message struct {
	Title    string
	Body     string
	Priority int
}

// Response is the JSON response from the Pushover API.
type Response struct {
	Status  int      `json:"status"`
	Request string   `json:"request"`
	Errors  []string `json:"errors,omitempty"`
}

// Client sends notifications with fixed credentials.
type Client struct {
	cfg    config.PushoverConfig
	apiURL string
	http   *http.Client
}

// New returns a client, or nil when credentials are missing.
func New(cfg config.PushoverConfig) *Client {
	if !cfg.Configured() {
		return nil
	}
	return &Client{cfg: cfg, apiURL: defaultAPIURL, http: &http.Client{Timeout: 10 * time.Second}}
}

// Send sends a Pushover notification.
func (c *Client) Send(ctx context.Context, msg Message) error {
	if c == nil || !c.cfg.Configured() {
		return fmt.Errorf("pushover not configured: set PUSHOVER_USER_KEY and PUSHOVER_APP_TOKEN")
	}

	form := url.Values{
		"token":    {c.cfg.AppToken},
		"user":     {c.cfg.UserKey},
		"title":    {truncate(msg.Title, MaxTitleLen)},
		"message":  {truncate(msg.Body, MaxMessageLen)},
		"priority": {fmt.Sprintf("%d", msg.Priority)},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sending pushover notification: %w", err)
	}
	defer resp.Body.Close()

	var result Response
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding pushover response: %w", err)
	}
	if result.Status != 1 {
		return fmt.Errorf("pushover API error: %s", strings.Join(result.Errors, "; "))
	}
	return nil
}

// RunFinished builds the notification for a run that reached status.
func RunFinished(id, status, detail string) Message {
	msg := Message{
		Title:    fmt.Sprintf("Experiment %s %s", id, status),
		Body:     detail,
		Priority: PriorityNormal,
	}
	if status == "error" {
		msg.Priority = PriorityHigh
	}
	if strings.TrimSpace(msg.Body) == "" {
		msg.Body = fmt.Sprintf("Run for %s finished with status %s.", id, status)
	}
	return msg
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
