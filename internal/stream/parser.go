// Package stream parses the agent's NDJSON output and the simulator's
// telemetry lines.
package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"sync"
)

// Parse reads NDJSON lines from r and sends them on the returned channel in
// input order. Lines that do not look like a JSON object are passed through
// with LooksJSON unset. A line over MaxLineSize is reported as an event with
// Err set to ErrLineTooLong and no Raw bytes. The channel is closed when the
// reader reaches EOF or the context is cancelled; after cancellation the
// reader is still drained to EOF.
func Parse(ctx context.Context, r io.Reader) <-chan RawEvent {
	ch := make(chan RawEvent, 64)
	go func() {
		var once sync.Once
		closeCh := func() { once.Do(func() { close(ch) }) }
		defer closeCh()

		send := func(ev RawEvent) bool {
			select {
			case ch <- ev:
				return true
			case <-ctx.Done():
				closeCh()
				return false
			}
		}

		err := ScanLines(r, func(line []byte, err error) bool {
			if ctx.Err() != nil {
				closeCh()
				return false
			}
			if err != nil {
				return send(RawEvent{Err: err})
			}

			line = bytes.TrimSpace(line)
			if len(line) == 0 {
				return true
			}
			raw := make([]byte, len(line))
			copy(raw, line)

			if raw[0] != '{' {
				return send(RawEvent{Raw: raw})
			}
			var ev AgentEvent
			if err := json.Unmarshal(raw, &ev); err != nil {
				return send(RawEvent{Raw: raw, LooksJSON: true, Err: err})
			}
			return send(RawEvent{Raw: raw, Parsed: ev, LooksJSON: true})
		})
		if err != nil && !IsStopped(err) && ctx.Err() == nil {
			send(RawEvent{Err: err})
		}
	}()
	return ch
}
