package source

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/telemetry-kitchen/telemetry-kitchen/internal/event"
)

// API response types (from the Sensor.Community data endpoint).

type sensorCommunityReading struct {
	ID               int64                  `json:"id"`
	Sensor           *sensorCommunitySensor `json:"sensor"`
	SensorDataValues []sensorCommunityValue `json:"sensordatavalues"`
	Timestamp        string                 `json:"timestamp"`
}

type sensorCommunitySensor struct {
	Pin        string                     `json:"pin"`
	SensorType *sensorCommunitySensorType `json:"sensor_type"`
}

type sensorCommunitySensorType struct {
	Name         string `json:"name"`
	Manufacturer string `json:"manufacturer"`
}

type sensorCommunityValue struct {
	ValueType string `json:"value_type"`
	Value     any    `json:"value"`
}

// Sensor.Community timestamps appear both in RFC 3339 and as naive
// "YYYY-MM-DD HH:MM:SS" UTC strings depending on the endpoint.
var sensorCommunityTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
}

// parseSensorCommunity extracts one measurement per typed value in each
// reading, named {sensor_type}.{value_type} after normalization.
func parseSensorCommunity(body string) (ParseResult, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	dec.UseNumber()

	var readings []sensorCommunityReading
	if err := dec.Decode(&readings); err != nil {
		return ParseResult{}, err
	}

	res := ParseResult{StatusLevel: event.StatusInfo, StatusMessage: "OK"}

	if len(readings) == 0 {
		res.StatusLevel = event.StatusWarn
		res.StatusMessage = "Empty Sensor.Community response"
		return res, nil
	}

	foundData := false
	for _, reading := range readings {
		sensorType := ""
		if reading.Sensor != nil && reading.Sensor.SensorType != nil {
			sensorType = strings.TrimSpace(reading.Sensor.SensorType.Name)
		}
		if sensorType != "" {
			sensorType = normalizeMeasurementName(sensorType)
		}

		if len(reading.SensorDataValues) == 0 {
			continue
		}

		for _, value := range reading.SensorDataValues {
			if strings.TrimSpace(value.ValueType) == "" {
				continue
			}

			name := normalizeMeasurementName(value.ValueType)
			if sensorType != "" {
				name = sensorType + "." + name
			}

			res.Measurements = append(res.Measurements, event.Measurement{
				Name:  name,
				Value: stringifyValue(value.Value),
			})
			foundData = true
		}

		if ts, ok := parseSensorCommunityTime(reading.Timestamp); ok {
			res.ObservedAt = laterOf(res.ObservedAt, ts)
		}
	}

	if !foundData {
		res.StatusLevel = event.StatusWarn
		res.StatusMessage = "No measurements available"
	}

	return res, nil
}

// normalizeMeasurementName lowercases, trims, and replaces spaces with
// underscores; empty names become "unknown".
func normalizeMeasurementName(name string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return "unknown"
	}
	return strings.ReplaceAll(strings.ToLower(trimmed), " ", "_")
}

// stringifyValue renders a heterogeneous JSON value as text, preserving the
// raw token for numbers.
func stringifyValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case json.Number:
		return val.String()
	case bool:
		if val {
			return "true"
		}
		return "false"
	default:
		encoded, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(encoded)
	}
}

func parseSensorCommunityTime(raw string) (time.Time, bool) {
	if strings.TrimSpace(raw) == "" {
		return time.Time{}, false
	}
	for _, layout := range sensorCommunityTimeLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}
