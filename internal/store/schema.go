package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS sensors (
    sensor_id    text PRIMARY KEY,
    source_type  text NOT NULL,
    display_name text NOT NULL,
    lat          double precision,
    lon          double precision,
    created_at   timestamptz NOT NULL DEFAULT now(),
    updated_at   timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sensor_events (
    event_id       text PRIMARY KEY,
    sensor_id      text NOT NULL REFERENCES sensors (sensor_id),
    source_type    text NOT NULL,
    payload_type   text NOT NULL,
    payload_size_b integer NOT NULL,
    payload_json   jsonb,
    observed_at    timestamptz NOT NULL,
    received_at    timestamptz NOT NULL,
    status_level   text NOT NULL,
    status_message text,
    measurements   jsonb NOT NULL,
    inserted_at    timestamptz NOT NULL DEFAULT now(),
    blob_uri       text,
    blob_sha256    text,
    blob_bytes     bigint
);

CREATE INDEX IF NOT EXISTS idx_sensor_events_sensor_observed
    ON sensor_events (sensor_id, observed_at DESC);
`

const upsertSensorSQL = `
INSERT INTO sensors (sensor_id, source_type, display_name, lat, lon, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, now(), now())
ON CONFLICT (sensor_id)
DO UPDATE SET
    source_type = EXCLUDED.source_type,
    display_name = EXCLUDED.display_name,
    lat = EXCLUDED.lat,
    lon = EXCLUDED.lon,
    updated_at = now()`

const insertEventSQL = `
INSERT INTO sensor_events
    (event_id, sensor_id, source_type, payload_type, payload_size_b, payload_json,
     observed_at, received_at, status_level, status_message, measurements,
     blob_uri, blob_sha256, blob_bytes)
VALUES
    ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10, $11::jsonb, $12, $13, $14)
ON CONFLICT (event_id) DO NOTHING`

const eventExistsSQL = `SELECT 1 FROM sensor_events WHERE event_id = $1 LIMIT 1`

// EnsureSchema creates the sensor tables if they do not exist, so the
// consumer bootstraps against an empty database.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
