package stream

import (
	"encoding/json"
	"strings"
)

// RawEvent holds the raw NDJSON line and, when it decoded, the parsed event.
type RawEvent struct {
	Raw    []byte
	Parsed AgentEvent
	// LooksJSON is false for lines that do not start with '{'. Those are
	// not reported as parse errors.
	LooksJSON bool
	Err       error
}

// AgentEvent is the top-level structure for a `claude --output-format
// stream-json` event.
type AgentEvent struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// system/init
	SessionID string   `json:"session_id,omitempty"`
	Model     string   `json:"model,omitempty"`
	Tools     []string `json:"tools,omitempty"`

	// assistant and user events carry the full message payload
	Message *Message `json:"message,omitempty"`

	// streaming partials
	Index        int           `json:"index,omitempty"`
	ContentBlock *ContentBlock `json:"content_block,omitempty"`
	Delta        *Delta        `json:"delta,omitempty"`

	// result
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	DurationMS   float64 `json:"duration_ms,omitempty"`
	IsError      bool    `json:"is_error,omitempty"`
	NumTurns     int     `json:"num_turns,omitempty"`
	ResultText   string  `json:"result,omitempty"`
	Usage        *Usage  `json:"usage,omitempty"`
}

// Text joins the text parts of the event with single spaces. Tool calls,
// tool results and thinking blocks are skipped.
func (e AgentEvent) Text() string {
	var parts []string
	if e.Message != nil {
		for _, block := range e.Message.Content {
			if block.Type == "text" && strings.TrimSpace(block.Text) != "" {
				parts = append(parts, strings.TrimSpace(block.Text))
			}
		}
	}
	if e.ContentBlock != nil && e.ContentBlock.Type == "text" && strings.TrimSpace(e.ContentBlock.Text) != "" {
		parts = append(parts, strings.TrimSpace(e.ContentBlock.Text))
	}
	if e.Delta != nil && e.Delta.Type == "text_delta" && strings.TrimSpace(e.Delta.Text) != "" {
		parts = append(parts, strings.TrimSpace(e.Delta.Text))
	}
	return strings.Join(parts, " ")
}

// ToolNames lists the tools invoked in the event, in order.
func (e AgentEvent) ToolNames() []string {
	if e.Message == nil {
		return nil
	}
	var names []string
	for _, block := range e.Message.Content {
		if block.Type == "tool_use" && block.Name != "" {
			names = append(names, block.Name)
		}
	}
	return names
}

// Message is the payload inside an assistant or user event.
type Message struct {
	ID      string  `json:"id,omitempty"`
	Model   string  `json:"model,omitempty"`
	Role    string  `json:"role,omitempty"`
	Content Content `json:"content,omitempty"`
	Usage   *Usage  `json:"usage,omitempty"`
}

// Content is a list of content blocks. A bare string decodes as a single
// text block.
type Content []ContentBlock

func (c *Content) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = Content{{Type: "text", Text: s}}
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err != nil {
		return err
	}
	*c = blocks
	return nil
}

// ContentBlock represents a content block within a message.
type ContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	Name  string          `json:"name,omitempty"`
	ID    string          `json:"id,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// Delta represents incremental updates within a content block.
type Delta struct {
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

// Usage holds token usage information.
type Usage struct {
	InputTokens              int `json:"input_tokens,omitempty"`
	OutputTokens             int `json:"output_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
}
