// store_transcript.go contains the per-experiment run transcript.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const transcriptFileName = "transcript.jsonl"

// TranscriptPath returns <root>/experiments/<id>/transcript.jsonl.
func (s *Store) TranscriptPath(id string) string {
	return filepath.Join(s.ExperimentDir(id), transcriptFileName)
}

// AppendTranscriptEvent appends one event to the experiment transcript.
func (s *Store) AppendTranscriptEvent(id string, event TranscriptEvent) error {
	if _, err := s.EnsureExperimentDir(id); err != nil {
		return err
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.TranscriptPath(id), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}

// Transcript reads every transcript event for id. Malformed lines are skipped.
func (s *Store) Transcript(id string) ([]TranscriptEvent, error) {
	if !ValidID(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := os.Open(s.TranscriptPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var events []TranscriptEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var ev TranscriptEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, scanner.Err()
}
