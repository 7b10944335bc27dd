package source

import (
	"encoding/json"
	"time"

	"github.com/telemetry-kitchen/telemetry-kitchen/internal/event"
)

// API response types (from the OpenSenseMap boxes endpoint).

type openSenseMapResponse struct {
	ID              string               `json:"_id"`
	Name            string               `json:"name"`
	Sensors         []openSenseMapSensor `json:"sensors"`
	LastMeasurement string               `json:"lastMeasurementAt"`
}

type openSenseMapSensor struct {
	Title           string           `json:"title"`
	Unit            string           `json:"unit"`
	SensorType      string           `json:"sensorType"`
	LastMeasurement *lastMeasurement `json:"lastMeasurement"`
}

type lastMeasurement struct {
	Value     *string `json:"value"`
	CreatedAt string  `json:"createdAt"`
}

// parseOpenSenseMap extracts one measurement per sensor that carries a
// last-measurement value. observedAt is the newest parseable createdAt
// across sensors.
func parseOpenSenseMap(body string) (ParseResult, error) {
	var box openSenseMapResponse
	if err := json.Unmarshal([]byte(body), &box); err != nil {
		return ParseResult{}, err
	}

	res := ParseResult{StatusLevel: event.StatusInfo, StatusMessage: "OK"}

	if box.Sensors == nil {
		res.StatusLevel = event.StatusWarn
		res.StatusMessage = "Invalid response structure"
		return res, nil
	}

	for _, sensor := range box.Sensors {
		if sensor.LastMeasurement == nil || sensor.LastMeasurement.Value == nil {
			continue
		}

		name := sensor.Title
		if name == "" {
			name = "unknown"
		}
		res.Measurements = append(res.Measurements, event.Measurement{
			Name:  name,
			Value: *sensor.LastMeasurement.Value,
			Unit:  sensor.Unit,
		})

		if ts, err := time.Parse(time.RFC3339, sensor.LastMeasurement.CreatedAt); err == nil {
			res.ObservedAt = laterOf(res.ObservedAt, ts)
		}
	}

	if len(res.Measurements) == 0 {
		res.StatusLevel = event.StatusWarn
		res.StatusMessage = "No measurements available"
		res.Measurements = append(res.Measurements, rawMeasurement(body))
	}

	return res, nil
}
