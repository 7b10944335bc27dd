package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/telemetry-kitchen/telemetry-kitchen/internal/event"
)

// EventWriter persists canonical events. The same type serves both halves
// of the idempotence protocol: the duplicate pre-check and the
// conflict-safe transactional write.
type EventWriter struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewEventWriter creates a writer over the given pool.
func NewEventWriter(pool *pgxpool.Pool, logger zerolog.Logger) *EventWriter {
	return &EventWriter{pool: pool, logger: logger}
}

// IsNewEvent reports whether eventID has not been persisted yet. A point
// lookup against the primary key; existence means not new.
func (w *EventWriter) IsNewEvent(ctx context.Context, eventID string) (bool, error) {
	var one int
	err := w.pool.QueryRow(ctx, eventExistsSQL, eventID).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return true, nil
		}
		return false, fmt.Errorf("check event %s: %w", eventID, err)
	}
	return false, nil
}

// WriteEvent upserts the sensor dimension row and inserts the event row in
// one transaction. It returns whether a new event row was inserted; false
// without error means another writer inserted it concurrently, which the
// caller treats as success.
func (w *EventWriter) WriteEvent(ctx context.Context, ev *event.SensorEvent) (bool, error) {
	measurements, err := json.Marshal(ev.Measurements)
	if err != nil {
		return false, fmt.Errorf("marshal measurements for %s: %w", ev.EventID, err)
	}

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	displayName := ev.SensorID
	if _, err := tx.Exec(ctx, upsertSensorSQL,
		ev.SensorID, ev.SourceType, displayName, ev.Lat, ev.Lon,
	); err != nil {
		return false, fmt.Errorf("upsert sensor %s: %w", ev.SensorID, err)
	}

	var payloadJSON *string
	if ev.PayloadJSON != "" {
		payloadJSON = &ev.PayloadJSON
	}

	tag, err := tx.Exec(ctx, insertEventSQL,
		ev.EventID, ev.SensorID, ev.SourceType, ev.PayloadType, ev.PayloadSizeBytes,
		payloadJSON, ev.ObservedAt, ev.ReceivedAt, string(ev.StatusLevel),
		nullableString(ev.StatusMessage), string(measurements),
		ev.BlobURI, ev.BlobSHA256, ev.BlobBytes,
	)
	if err != nil {
		return false, fmt.Errorf("insert event %s: %w", ev.EventID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit event %s: %w", ev.EventID, err)
	}

	inserted := tag.RowsAffected() > 0
	if inserted {
		w.logger.Debug().Str("event_id", ev.EventID).Str("sensor_id", ev.SensorID).
			Msg("event written")
	} else {
		w.logger.Warn().Str("event_id", ev.EventID).
			Msg("event insert affected no rows, concurrent duplicate")
	}
	return inserted, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
