package stream

import (
	"strconv"
	"strings"
	"time"

	"github.com/bjsi/vibe-controller/internal/store"
)

// TelemetryTag is the optional leading field of a telemetry line.
const TelemetryTag = "TELEMETRY"

// ParseTelemetryLine parses a simulator line of the form
//
//	[TELEMETRY,]x,y,z,throttle,pitch,roll[,timestamp]
//
// The timestamp is RFC 3339 or unix seconds; when absent the current time is
// used. It reports false for anything else.
func ParseTelemetryLine(line string) (store.TestDataPoint, bool) {
	return parseTelemetryLine(line, time.Now)
}

func parseTelemetryLine(line string, now func() time.Time) (store.TestDataPoint, bool) {
	fields := strings.Split(strings.TrimSpace(line), ",")
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	if len(fields) > 0 && strings.EqualFold(fields[0], TelemetryTag) {
		fields = fields[1:]
	}
	if len(fields) != 6 && len(fields) != 7 {
		return store.TestDataPoint{}, false
	}

	var vals [6]float64
	for i := 0; i < 6; i++ {
		v, err := strconv.ParseFloat(fields[i], 64)
		if err != nil {
			return store.TestDataPoint{}, false
		}
		vals[i] = v
	}

	ts := now().UTC()
	if len(fields) == 7 && fields[6] != "" {
		parsed, err := store.ParseTimestamp(fields[6])
		if err != nil {
			return store.TestDataPoint{}, false
		}
		ts = parsed
	}

	return store.TestDataPoint{
		Position:  store.Position{X: vals[0], Y: vals[1], Z: vals[2]},
		Controls:  store.Controls{Throttle: vals[3], Pitch: vals[4], Roll: vals[5]},
		Timestamp: store.Timestamp{Time: ts},
	}, true
}
