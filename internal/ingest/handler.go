// Package ingest converts at-least-once broker deliveries into
// effectively-once persistence: a duplicate pre-check, then a conflict-safe
// transactional write.
package ingest

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/telemetry-kitchen/telemetry-kitchen/internal/event"
)

// Deduplicator answers whether an event identity has been persisted.
type Deduplicator interface {
	IsNewEvent(ctx context.Context, eventID string) (bool, error)
}

// Writer persists an event, reporting whether a row was actually inserted.
type Writer interface {
	WriteEvent(ctx context.Context, ev *event.SensorEvent) (bool, error)
}

// Processor is the consumer's delivery handler.
type Processor struct {
	dedup   Deduplicator
	writer  Writer
	metrics *Metrics
	logger  zerolog.Logger
}

// NewProcessor creates the handler used by the queue consumer.
func NewProcessor(dedup Deduplicator, writer Writer, metrics *Metrics, logger zerolog.Logger) *Processor {
	return &Processor{dedup: dedup, writer: writer, metrics: metrics, logger: logger}
}

// Handle processes one delivered event. It reports processed=true when the
// event is durably persisted or already was (duplicates and lost insert
// races are satisfied outcomes, not failures); any database error reports
// processed=false so the delivery is requeued.
func (p *Processor) Handle(ctx context.Context, ev *event.SensorEvent) (bool, error) {
	p.metrics.EventsConsumed.Inc()

	isNew, err := p.dedup.IsNewEvent(ctx, ev.EventID)
	if err != nil {
		p.metrics.EventsFailed.Inc()
		return false, err
	}
	if !isNew {
		p.metrics.DuplicateEvents.Inc()
		p.logger.Warn().Str("event_id", ev.EventID).Msg("duplicate event discarded")
		return true, nil
	}

	start := time.Now()
	inserted, err := p.writer.WriteEvent(ctx, ev)
	if err != nil {
		p.metrics.EventsFailed.Inc()
		return false, err
	}
	p.metrics.WriteDuration.Observe(time.Since(start).Seconds())

	if !inserted {
		// Lost the insert race to a concurrent writer; the row exists.
		p.metrics.DuplicateEvents.Inc()
		p.logger.Warn().Str("event_id", ev.EventID).Msg("event already persisted concurrently")
		return true, nil
	}

	p.metrics.EventsProcessed.Inc()
	p.logger.Info().
		Str("event_id", ev.EventID).
		Str("sensor_id", ev.SensorID).
		Dur("write_duration", time.Since(start)).
		Msg("event persisted")
	return true, nil
}
