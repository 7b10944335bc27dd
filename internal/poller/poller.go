// Package poller runs the per-station poll loops: fetch with bounded
// retries, normalize the response, and publish a canonical event.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/telemetry-kitchen/telemetry-kitchen/internal/config"
	"github.com/telemetry-kitchen/telemetry-kitchen/internal/event"
	"github.com/telemetry-kitchen/telemetry-kitchen/internal/source"
)

const (
	outerBackoffFloor = 5 * time.Second
	outerBackoffCap   = 300 * time.Second
)

// EventPublisher delivers canonical events to the broker.
type EventPublisher interface {
	Publish(ctx context.Context, ev *event.SensorEvent) error
}

// Config holds configuration for the poller.
type Config struct {
	Stations  []config.Station
	Publisher EventPublisher
	Metrics   *Metrics
	Logger    zerolog.Logger

	// Fetcher overrides per-station fetcher construction. Mainly for tests;
	// when nil each station gets its own breaker-protected fetcher.
	Fetcher *Fetcher

	// HTTPTimeout is passed to constructed fetchers (default: 30s).
	HTTPTimeout time.Duration
}

// Poller polls every configured station concurrently. Station loops have
// independent lifetimes and backoff state and share only the metrics
// collectors and the publisher.
type Poller struct {
	cfg Config
}

// New creates a poller. No I/O happens until Run.
func New(cfg Config) *Poller {
	return &Poller{cfg: cfg}
}

// Run starts one loop per station and blocks until all loops have exited.
// Cancelling ctx stops every loop.
func (p *Poller) Run(ctx context.Context) {
	p.cfg.Logger.Info().
		Int("stations", len(p.cfg.Stations)).
		Msg("starting poller")

	var wg sync.WaitGroup
	for _, station := range p.cfg.Stations {
		wg.Add(1)
		go func(st config.Station) {
			defer wg.Done()
			p.stationLoop(ctx, st)
		}(station)
	}
	wg.Wait()

	p.cfg.Logger.Info().Msg("poller stopped")
}

// stationLoop runs one station's poll cycle forever. Successful cycles
// sleep the configured interval and reset the backoff to its floor; failed
// cycles sleep an exponentially growing, capped backoff.
func (p *Poller) stationLoop(ctx context.Context, st config.Station) {
	logger := p.cfg.Logger.With().Str("sensor_id", st.SensorID).Logger()
	fetcher := p.stationFetcher(st, logger)
	interval := time.Duration(st.PollIntervalSeconds) * time.Second
	bo := newOuterBackoff()

	for ctx.Err() == nil {
		err := p.pollStation(ctx, st, fetcher, logger)
		switch {
		case err == nil:
			bo.Reset()
			if sleepCtx(ctx, interval) != nil {
				return
			}
		case errors.Is(err, context.Canceled):
			return
		default:
			p.cfg.Metrics.PollsFailed.Inc()
			delay := bo.NextBackOff()
			logger.Error().Err(err).Dur("retry_in", delay).Msg("poll cycle failed")
			if sleepCtx(ctx, delay) != nil {
				return
			}
		}
	}
}

func (p *Poller) stationFetcher(st config.Station, logger zerolog.Logger) *Fetcher {
	if p.cfg.Fetcher != nil {
		return p.cfg.Fetcher
	}
	return NewFetcher(FetcherConfig{
		Name:          st.SensorID,
		Timeout:       p.cfg.HTTPTimeout,
		EnableBreaker: true,
		Metrics:       p.cfg.Metrics,
		Logger:        logger,
	})
}

// pollStation executes a single poll cycle: fetch, parse, assemble, publish.
func (p *Poller) pollStation(ctx context.Context, st config.Station, fetcher *Fetcher, logger zerolog.Logger) error {
	p.cfg.Metrics.PollsTotal.Inc()
	sourceType := source.NormalizeSourceType(st.SourceType)

	pollStart := time.Now()
	body, httpStatus, err := fetcher.Fetch(ctx, st.SensorID, st.URL)
	if err != nil {
		return fmt.Errorf("fetch station %s: %w", st.SensorID, err)
	}
	pollDuration := time.Since(pollStart)
	p.cfg.Metrics.PollDuration.Observe(pollDuration.Seconds())

	ev := p.assembleEvent(st, sourceType, string(body))

	publishStart := time.Now()
	if err := p.cfg.Publisher.Publish(ctx, ev); err != nil {
		return fmt.Errorf("publish event %s: %w", ev.EventID, err)
	}
	publishDuration := time.Since(publishStart)

	p.cfg.Metrics.EventsPublished.Inc()
	p.cfg.Metrics.PublishDuration.Observe(publishDuration.Seconds())
	p.cfg.Metrics.LastSuccess.WithLabelValues(st.SensorID).SetToCurrentTime()

	logger.Info().
		Int("http_status", httpStatus).
		Dur("poll_duration", pollDuration).
		Dur("publish_duration", publishDuration).
		Int("payload_bytes", ev.PayloadSizeBytes).
		Str("status_level", string(ev.StatusLevel)).
		Str("event_id", ev.EventID).
		Msg("poll completed")

	return nil
}

// assembleEvent parses the body and builds the immutable canonical event.
func (p *Poller) assembleEvent(st config.Station, sourceType, body string) *event.SensorEvent {
	res := source.Parse(sourceType, body)

	receivedAt := time.Now().UTC()
	observedAt := receivedAt
	if res.ObservedAt != nil {
		observedAt = res.ObservedAt.UTC()
	}

	payloadBytes := len(body)
	return &event.SensorEvent{
		EventID:          event.NewEventID(st.SensorID, observedAt, payloadBytes, body),
		SensorID:         st.SensorID,
		SourceType:       sourceType,
		PayloadType:      event.PayloadTypeJSON,
		PayloadSizeBytes: payloadBytes,
		PayloadJSON:      body,
		ObservedAt:       observedAt,
		ReceivedAt:       receivedAt,
		StatusLevel:      res.StatusLevel,
		StatusMessage:    res.StatusMessage,
		Measurements:     res.Measurements,
		Lat:              st.Lat,
		Lon:              st.Lon,
	}
}

// newOuterBackoff builds the per-station failure backoff: a 5s floor
// doubling to a 300s cap, with randomization disabled so the schedule is
// predictable in logs.
func newOuterBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = outerBackoffFloor
	bo.Multiplier = 2
	bo.MaxInterval = outerBackoffCap
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}
