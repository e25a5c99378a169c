// Package recording tees raw process output into the experiment transcript.
package recording

import (
	"sync"
	"time"

	"github.com/bjsi/vibe-controller/internal/debug"
	"github.com/bjsi/vibe-controller/internal/store"
)

// Sources of recorded output.
const (
	SourceAgent     = "agent"
	SourceSimulator = "simulator"
)

// maxBuffered bounds the in-memory tail kept for Events.
const maxBuffered = 2000

// Appender persists transcript events. *store.Store implements it.
type Appender interface {
	AppendTranscriptEvent(id string, event store.TranscriptEvent) error
}

// Recorder captures output lines for one run of one experiment.
type Recorder struct {
	ExperimentID string
	RunID        string
	Source       string
	Store        Appender

	mu      sync.Mutex
	events  []store.TranscriptEvent
	failed  bool
	written int
}

// New creates a Recorder. A nil appender records in memory only.
func New(experimentID, runID, source string, s Appender) *Recorder {
	return &Recorder{
		ExperimentID: experimentID,
		RunID:        runID,
		Source:       source,
		Store:        s,
	}
}

// RecordStdout records one stdout line.
func (r *Recorder) RecordStdout(line string) {
	r.record("stdout", line)
}

// RecordStderr records one stderr line.
func (r *Recorder) RecordStderr(line string) {
	r.record("stderr", line)
}

// RecordMeta records a metadata key-value pair as a "meta" event.
// The data is stored as "key=value".
func (r *Recorder) RecordMeta(key, value string) {
	r.record("meta", key+"="+value)
}

func (r *Recorder) record(streamName, data string) {
	if r == nil {
		return
	}
	event := store.TranscriptEvent{
		Timestamp: time.Now().UTC(),
		RunID:     r.RunID,
		Source:    r.Source,
		Stream:    streamName,
		Data:      data,
	}

	r.mu.Lock()
	r.events = append(r.events, event)
	if len(r.events) > maxBuffered {
		r.events = append(r.events[:0], r.events[len(r.events)-maxBuffered:]...)
	}
	r.mu.Unlock()

	if r.Store == nil {
		return
	}
	// Persistence is best effort so a full disk never interrupts the run.
	err := r.Store.AppendTranscriptEvent(r.ExperimentID, event)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		if !r.failed {
			debug.LogKV("recording", "transcript append failed", "id", r.ExperimentID, "error", err)
		}
		r.failed = true
		return
	}
	r.written++
}

// Events returns a snapshot of the buffered events.
func (r *Recorder) Events() []store.TranscriptEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]store.TranscriptEvent, len(r.events))
	copy(cp, r.events)
	return cp
}

// Written returns how many events reached the store.
func (r *Recorder) Written() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written
}
