// Package event defines the canonical sensor event produced by the poller
// and persisted by the ingest consumer.
package event

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// StatusLevel classifies the outcome of a poll cycle.
type StatusLevel string

const (
	// StatusInfo means the poll and parse completed normally.
	StatusInfo StatusLevel = "INFO"

	// StatusWarn means the response was received but its shape was
	// anomalous; the event is still usable.
	StatusWarn StatusLevel = "WARN"

	// StatusError means the poll itself failed. No event is emitted with
	// this level; it exists for logs and persisted history.
	StatusError StatusLevel = "ERROR"
)

// MaxStatusMessageLen is the character limit applied to status messages.
const MaxStatusMessageLen = 250

// PayloadTypeJSON is the only payload type the pipeline currently carries.
const PayloadTypeJSON = "json"

// Measurement is a single named reading extracted from a provider response.
// Values stay as text so heterogeneous numeric/string payloads survive
// transport without premature coercion.
type Measurement struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Unit  string `json:"unit,omitempty"`
}

// SensorEvent is the canonical, immutable event flowing through the
// pipeline. It is constructed once by the poller, serialized for transport,
// and persisted exactly once logically by the consumer.
type SensorEvent struct {
	EventID          string        `json:"event_id"`
	SensorID         string        `json:"sensor_id"`
	SourceType       string        `json:"source_type"`
	PayloadType      string        `json:"payload_type"`
	PayloadSizeBytes int           `json:"payload_size_bytes"`
	PayloadJSON      string        `json:"payload_json,omitempty"`
	ObservedAt       time.Time     `json:"observed_at"`
	ReceivedAt       time.Time     `json:"received_at"`
	StatusLevel      StatusLevel   `json:"status_level"`
	StatusMessage    string        `json:"status_message,omitempty"`
	Measurements     []Measurement `json:"measurements"`
	Lat              *float64      `json:"lat,omitempty"`
	Lon              *float64      `json:"lon,omitempty"`

	// Blob fields are populated by the external blob uploader, never here.
	BlobURI    *string `json:"blob_uri,omitempty"`
	BlobSHA256 *string `json:"blob_sha256,omitempty"`
	BlobBytes  *int64  `json:"blob_bytes,omitempty"`
}

// NewEventID derives the deterministic event identity. Replaying an
// identical poll yields an identical ID; any byte difference in the payload
// changes it. The digest is the event store's primary key.
func NewEventID(sensorID string, observedAt time.Time, payloadSizeBytes int, payload string) string {
	material := fmt.Sprintf("%s|%s|%d|%s",
		sensorID, observedAt.UTC().Format(time.RFC3339Nano), payloadSizeBytes, payload)
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:])
}

// TruncateStatusMessage enforces the status message character limit.
func TruncateStatusMessage(msg string) string {
	return TruncateRunes(msg, MaxStatusMessageLen)
}

// TruncateRunes shortens s to at most n characters without splitting a
// multibyte character.
func TruncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
