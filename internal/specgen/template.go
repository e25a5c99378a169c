package specgen

import (
	"context"
	"strings"
	"time"
	"unicode"
)

// Template builds a Spec from the request fields without any network call.
type Template struct{}

var defaultCriteria = []string{
	"The drone reaches the goal region without crashing",
	"The controller prints telemetry for every control step",
	"The simulation ends with success reported by the simulator",
}

func (Template) Generate(_ context.Context, req Request) (*Spec, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	objective := req.Goal
	if objective == "" {
		objective = req.Description
	}
	controller := req.Controller
	if controller == "" {
		controller = "pid"
	}

	spec := &Spec{
		Title:           titleFrom(req.Description),
		Objective:       objective,
		Controller:      strings.ToLower(controller),
		Constraints:     append([]string(nil), req.Constraints...),
		SuccessCriteria: append([]string(nil), defaultCriteria...),
		GeneratedBy:     "template",
		CreatedAt:       time.Now().UTC(),
	}
	if spec.Constraints == nil {
		spec.Constraints = []string{}
	}
	if req.Goal != "" && req.Goal != req.Description {
		spec.Constraints = append(spec.Constraints, "Context: "+req.Description)
	}
	return spec, nil
}

// titleFrom takes the first sentence of the description, capped at eight words.
func titleFrom(description string) string {
	first := description
	if i := strings.IndexAny(first, ".!?\n"); i > 0 {
		first = first[:i]
	}
	words := strings.Fields(first)
	if len(words) > 8 {
		words = words[:8]
	}
	title := strings.Join(words, " ")
	if title == "" {
		return "Drone experiment"
	}
	r := []rune(title)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
