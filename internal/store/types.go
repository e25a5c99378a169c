package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/bjsi/vibe-controller/internal/specgen"
)

// Experiment statuses as persisted in experiment.json.
const (
	StatusStarted   = "started"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusError     = "error"
	StatusEnded     = "ended"
)

// Experiment is the on-disk record for one experiment.
type Experiment struct {
	ID           string          `json:"id"`
	Instructions string          `json:"instructions"`
	Status       string          `json:"status"`
	StartTime    time.Time       `json:"startTime"`
	TestData     []TestDataPoint `json:"testData"`
	Spec         *specgen.Spec   `json:"spec,omitempty"`
}

// Summary is the list view of an experiment.
type Summary struct {
	ID           string    `json:"id"`
	Status       string    `json:"status"`
	StartTime    time.Time `json:"startTime"`
	Instructions string    `json:"instructions"`
}

// Summary returns the list view of e.
func (e *Experiment) Summary() Summary {
	return Summary{ID: e.ID, Status: e.Status, StartTime: e.StartTime, Instructions: e.Instructions}
}

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type Controls struct {
	Throttle float64 `json:"throttle"`
	Pitch    float64 `json:"pitch"`
	Roll     float64 `json:"roll"`
}

// TestDataPoint is one telemetry sample produced by the simulator.
type TestDataPoint struct {
	Position  Position  `json:"position"`
	Controls  Controls  `json:"controls"`
	Timestamp Timestamp `json:"timestamp"`
}

// Timestamp marshals as RFC 3339 and accepts either an RFC 3339 string or
// a unix time number (seconds, or milliseconds when the value is too large
// to be seconds) on input.
type Timestamp struct {
	time.Time
}

// msThreshold separates unix seconds from unix milliseconds (year 5138).
const msThreshold = 1e11

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Time.UTC().Format(time.RFC3339Nano))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := ParseTimestamp(s)
		if err != nil {
			return err
		}
		t.Time = parsed
		return nil
	}
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	t.Time = unixFloat(f)
	return nil
}

// ParseTimestamp accepts RFC 3339 or a decimal unix time.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("timestamp: empty")
	}
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts.UTC(), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("timestamp: unrecognized format %q", s)
	}
	return unixFloat(f), nil
}

func unixFloat(f float64) time.Time {
	if math.Abs(f) >= msThreshold {
		f /= 1000
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

// TranscriptEvent is one raw output line captured during a run.
type TranscriptEvent struct {
	Timestamp time.Time `json:"ts"`
	RunID     string    `json:"run_id,omitempty"`
	Source    string    `json:"source"` // "agent", "simulator"
	Stream    string    `json:"stream"` // "stdout", "stderr", "meta"
	Data      string    `json:"data"`
}
