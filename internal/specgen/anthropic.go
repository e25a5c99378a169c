package specgen

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/bjsi/vibe-controller/internal/debug"
)

const systemPrompt = `You write experiment specifications for a drone-control coding challenge.
A coding agent will implement a Python controller (src/drone_challenge/drone.py) that talks to a
gRPC drone simulator and sets throttle, pitch and roll each step.
Reply with a single JSON object and nothing else, using exactly these keys:
{"title": string, "objective": string, "controller": string,
 "constraints": [string], "successCriteria": [string], "instructions": string}
"instructions" is the complete prompt for the coding agent. It must ask the controller to print one
line per control step in the form TELEMETRY,x,y,z,throttle,pitch,roll.`

const defaultMaxTokens = 2048

// AnthropicGenerator asks a Claude model to write the specification.
type AnthropicGenerator struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicGenerator creates a generator. Extra request options (base
// URL, retries) are passed through to the SDK client.
func NewAnthropicGenerator(apiKey, model string, opts ...option.RequestOption) *AnthropicGenerator {
	if strings.TrimSpace(model) == "" {
		model = "claude-sonnet-4-5"
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &AnthropicGenerator{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: defaultMaxTokens,
	}
}

func (g *AnthropicGenerator) Generate(ctx context.Context, req Request) (*Spec, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	debug.LogKV("specgen", "anthropic request", "model", g.model, "experiment", req.ID)
	message, err := g.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		MaxTokens: g.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt(req))),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}

	var content strings.Builder
	for _, block := range message.Content {
		content.WriteString(block.Text)
	}
	if content.Len() == 0 {
		return nil, fmt.Errorf("empty response content")
	}

	spec, err := decodeSpec(content.String())
	if err != nil {
		debug.LogKV("specgen", "undecodable response", "error", err, "length", content.Len())
		return nil, err
	}
	spec.GeneratedBy = "anthropic"
	spec.Model = g.model
	spec.CreatedAt = time.Now().UTC()
	if spec.Controller == "" {
		spec.Controller = req.Controller
	}
	return spec, nil
}

func userPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Experiment description:\n%s\n", req.Description)
	if req.Goal != "" {
		fmt.Fprintf(&b, "\nGoal: %s\n", req.Goal)
	}
	if req.Controller != "" {
		fmt.Fprintf(&b, "Preferred controller: %s\n", req.Controller)
	}
	writeList(&b, "Constraints", req.Constraints)
	return b.String()
}

// decodeSpec extracts the JSON object from a model reply, tolerating code
// fences and surrounding prose.
func decodeSpec(text string) (*Spec, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("response contains no JSON object")
	}

	var spec Spec
	if err := json.Unmarshal([]byte(text[start:end+1]), &spec); err != nil {
		return nil, fmt.Errorf("decoding spec: %w", err)
	}
	if strings.TrimSpace(spec.Objective) == "" && strings.TrimSpace(spec.AgentPrompt) == "" {
		return nil, fmt.Errorf("spec has neither objective nor instructions")
	}
	if spec.Constraints == nil {
		spec.Constraints = []string{}
	}
	if spec.SuccessCriteria == nil {
		spec.SuccessCriteria = []string{}
	}
	return &spec, nil
}
