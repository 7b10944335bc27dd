// Package source normalizes raw provider responses into measurements.
//
// Parsers are pure: they never fail on malformed input. Shape anomalies
// downgrade to a WARN status on the result and, where the body could not be
// decoded at all, a synthetic "raw" measurement carrying a prefix of the
// body so the payload is not lost.
package source

import (
	"fmt"
	"strings"
	"time"

	"github.com/telemetry-kitchen/telemetry-kitchen/internal/event"
)

// Source type tags accepted in station configuration.
const (
	TypeOpenSenseMap    = "opensensemap"
	TypeSensorCommunity = "sensor-community"
)

// maxRawValueLen limits the synthetic "raw" fallback measurement.
const maxRawValueLen = 200

// ParseResult is the structured outcome of parsing one provider response.
type ParseResult struct {
	Measurements  []event.Measurement
	ObservedAt    *time.Time
	StatusLevel   event.StatusLevel
	StatusMessage string
}

// Parse normalizes a raw response body according to the station's source
// type. Unknown source types default to OpenSenseMap. Decode failures are
// reported as a WARN result with a raw fallback measurement.
func Parse(sourceType, body string) ParseResult {
	var (
		res ParseResult
		err error
	)
	if IsSensorCommunity(sourceType) {
		res, err = parseSensorCommunity(body)
	} else {
		res, err = parseOpenSenseMap(body)
	}
	if err != nil {
		return ParseResult{
			Measurements:  []event.Measurement{rawMeasurement(body)},
			StatusLevel:   event.StatusWarn,
			StatusMessage: event.TruncateStatusMessage(fmt.Sprintf("Parse error: %s", err)),
		}
	}
	res.StatusMessage = event.TruncateStatusMessage(res.StatusMessage)
	return res
}

// IsSensorCommunity reports whether the configured source type selects the
// Sensor.Community parser. Matching is case-insensitive and tolerant of the
// separator variants seen in station configs.
func IsSensorCommunity(sourceType string) bool {
	switch strings.ToLower(strings.TrimSpace(sourceType)) {
	case "sensor-community", "sensorcommunity", "sensor_community":
		return true
	default:
		return false
	}
}

// NormalizeSourceType returns the canonical source type tag for a station,
// defaulting to OpenSenseMap when unset.
func NormalizeSourceType(sourceType string) string {
	trimmed := strings.TrimSpace(sourceType)
	if trimmed == "" {
		return TypeOpenSenseMap
	}
	return trimmed
}

func rawMeasurement(body string) event.Measurement {
	return event.Measurement{
		Name:  "raw",
		Value: event.TruncateRunes(body, maxRawValueLen),
	}
}

// laterOf keeps the maximum of the timestamps seen so far.
func laterOf(current *time.Time, candidate time.Time) *time.Time {
	if current == nil || candidate.After(*current) {
		return &candidate
	}
	return current
}
