// Package specgen turns the wizard's free-form experiment description into a
// structured specification and the instruction string handed to the agent.
package specgen

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrEmptyDescription is returned when a request has nothing to work from.
var ErrEmptyDescription = errors.New("description is required")

// Request is what the wizard collects before launching an experiment.
type Request struct {
	ID          string   `json:"id,omitempty"`
	Description string   `json:"description"`
	Goal        string   `json:"goal,omitempty"`
	Controller  string   `json:"controller,omitempty"` // "pid", "lqr", "mpc", ...
	Constraints []string `json:"constraints,omitempty"`
}

// Validate normalizes whitespace and checks required fields.
func (r *Request) Validate() error {
	r.Description = strings.TrimSpace(r.Description)
	r.Goal = strings.TrimSpace(r.Goal)
	r.Controller = strings.TrimSpace(r.Controller)
	var constraints []string
	for _, c := range r.Constraints {
		if c = strings.TrimSpace(c); c != "" {
			constraints = append(constraints, c)
		}
	}
	r.Constraints = constraints
	if r.Description == "" {
		return ErrEmptyDescription
	}
	return nil
}

// Spec is a structured experiment specification.
type Spec struct {
	Title           string    `json:"title" yaml:"title"`
	Objective       string    `json:"objective" yaml:"objective"`
	Controller      string    `json:"controller" yaml:"controller"`
	Constraints     []string  `json:"constraints" yaml:"constraints"`
	SuccessCriteria []string  `json:"successCriteria" yaml:"success_criteria"`
	AgentPrompt     string    `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	GeneratedBy     string    `json:"generatedBy,omitempty" yaml:"generated_by,omitempty"`
	Model           string    `json:"model,omitempty" yaml:"model,omitempty"`
	CreatedAt       time.Time `json:"createdAt" yaml:"created_at"`
}

// Instructions renders the instruction string passed to the coding agent.
// A prompt supplied by the generator is used verbatim.
func (s *Spec) Instructions() string {
	if p := strings.TrimSpace(s.AgentPrompt); p != "" {
		return p
	}
	var b strings.Builder
	if s.Title != "" {
		fmt.Fprintf(&b, "# %s\n\n", s.Title)
	}
	fmt.Fprintf(&b, "Implement the drone controller in src/drone_challenge/drone.py.\n\nObjective: %s\n", s.Objective)
	if s.Controller != "" {
		fmt.Fprintf(&b, "Controller: %s\n", s.Controller)
	}
	writeList(&b, "Constraints", s.Constraints)
	writeList(&b, "Success criteria", s.SuccessCriteria)
	b.WriteString("\nPrint one telemetry line per control step in the form: TELEMETRY,x,y,z,throttle,pitch,roll\n")
	return b.String()
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s:\n", title)
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
}

// Generator produces a Spec from a Request.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Spec, error)
}

// New returns an Anthropic-backed generator when apiKey is set, otherwise the
// deterministic template generator.
func New(apiKey, model string) Generator {
	if strings.TrimSpace(apiKey) == "" {
		return Template{}
	}
	return NewAnthropicGenerator(apiKey, model)
}
