// Package broker connects the pipeline to RabbitMQ: a publisher that puts
// canonical events onto a durable topic exchange and a consumer that feeds
// deliveries to the ingest handler with bounded prefetch.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/telemetry-kitchen/telemetry-kitchen/internal/event"
)

// DefaultExchange is the durable topic exchange carrying sensor events.
const DefaultExchange = "sensor-events"

// publishChannel is the slice of amqp.Channel the publisher needs; tests
// inject fakes.
type publishChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// PublisherConfig holds configuration for the event publisher.
type PublisherConfig struct {
	// URL is the AMQP connection URL.
	URL string

	// Exchange is the topic exchange name (default: DefaultExchange).
	Exchange string

	Logger zerolog.Logger
}

// Publisher delivers canonical events to the broker. Construction does no
// I/O; Connect establishes the connection and declares the exchange.
type Publisher struct {
	cfg  PublisherConfig
	conn *amqp.Connection
	ch   publishChannel
}

// NewPublisher creates a publisher. Call Connect before Publish.
func NewPublisher(cfg PublisherConfig) *Publisher {
	if cfg.Exchange == "" {
		cfg.Exchange = DefaultExchange
	}
	return &Publisher{cfg: cfg}
}

// Connect dials the broker and declares the exchange. The declare is
// idempotent; redeclaring an existing exchange with matching parameters is
// a no-op on the broker side.
func (p *Publisher) Connect(ctx context.Context) error {
	conn, err := amqp.Dial(p.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(p.cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare exchange %s: %w", p.cfg.Exchange, err)
	}

	p.conn = conn
	p.ch = ch

	p.cfg.Logger.Info().
		Str("exchange", p.cfg.Exchange).
		Msg("publisher connected")
	return nil
}

// Publish serializes the event and publishes it with persistent delivery
// mode, keyed sensor.{sensorId}.{sourceType}. It does not wait for consumer
// acknowledgement; broker-side durability is the delivery guarantee.
func (p *Publisher) Publish(ctx context.Context, ev *event.SensorEvent) error {
	if p.ch == nil {
		return fmt.Errorf("publisher not connected")
	}

	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", ev.EventID, err)
	}

	routingKey := RoutingKey(ev)
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.EventID,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}

	if err := p.ch.PublishWithContext(ctx, p.cfg.Exchange, routingKey, false, false, msg); err != nil {
		return fmt.Errorf("publish event %s: %w", ev.EventID, err)
	}

	p.cfg.Logger.Debug().
		Str("event_id", ev.EventID).
		Str("routing_key", routingKey).
		Int("bytes", len(body)).
		Msg("event published")
	return nil
}

// Ready reports whether the broker connection is usable. Used by the ops
// readiness probe.
func (p *Publisher) Ready(_ context.Context) error {
	if p.conn == nil || p.conn.IsClosed() {
		return fmt.Errorf("broker connection closed")
	}
	return nil
}

// Close releases the channel and connection.
func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			return fmt.Errorf("close broker connection: %w", err)
		}
	}
	p.cfg.Logger.Info().Msg("publisher closed")
	return nil
}

// RoutingKey builds the topic routing key for an event.
func RoutingKey(ev *event.SensorEvent) string {
	return fmt.Sprintf("sensor.%s.%s", ev.SensorID, ev.SourceType)
}
