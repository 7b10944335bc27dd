package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/telemetry-kitchen/telemetry-kitchen/internal/event"
)

// DefaultQueue is the durable queue the ingest consumer reads from.
const DefaultQueue = "ingest-events"

// DefaultPrefetch bounds unacknowledged deliveries in flight. It is the
// pipeline's only backpressure mechanism.
const DefaultPrefetch = 10

// bindingPattern routes every sensor event to the ingest queue.
const bindingPattern = "sensor.#"

// Handler processes one deserialized event. It reports whether the event
// was handled to completion; false or an error requeues the delivery.
type Handler func(ctx context.Context, ev *event.SensorEvent) (bool, error)

// ConsumerConfig holds configuration for the queue consumer.
type ConsumerConfig struct {
	// URL is the AMQP connection URL.
	URL string

	// Exchange the queue is bound to (default: DefaultExchange).
	Exchange string

	// Queue name (default: DefaultQueue).
	Queue string

	// Prefetch caps unacknowledged deliveries (default: DefaultPrefetch).
	Prefetch int

	Handler Handler
	Logger  zerolog.Logger
}

// Consumer subscribes to the ingest queue and dispatches each delivery to
// the handler on its own goroutine. Construction does no I/O; Connect
// establishes the connection and topology.
type Consumer struct {
	cfg  ConsumerConfig
	conn *amqp.Connection
	ch   *amqp.Channel
	tag  string
}

// NewConsumer creates a consumer. Call Connect before Start.
func NewConsumer(cfg ConsumerConfig) *Consumer {
	if cfg.Exchange == "" {
		cfg.Exchange = DefaultExchange
	}
	if cfg.Queue == "" {
		cfg.Queue = DefaultQueue
	}
	if cfg.Prefetch == 0 {
		cfg.Prefetch = DefaultPrefetch
	}
	return &Consumer{
		cfg: cfg,
		tag: "ingest-" + uuid.NewString(),
	}
}

// Connect dials the broker, declares the durable queue, binds it to the
// exchange, and applies the prefetch limit.
func (c *Consumer) Connect(ctx context.Context) error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(c.cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare exchange %s: %w", c.cfg.Exchange, err)
	}

	if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, amqp.Table{
		"x-queue-mode": "lazy",
	}); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare queue %s: %w", c.cfg.Queue, err)
	}

	if err := ch.QueueBind(c.cfg.Queue, bindingPattern, c.cfg.Exchange, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("bind queue %s: %w", c.cfg.Queue, err)
	}

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("set prefetch: %w", err)
	}

	c.conn = conn
	c.ch = ch

	c.cfg.Logger.Info().
		Str("queue", c.cfg.Queue).
		Str("exchange", c.cfg.Exchange).
		Int("prefetch", c.cfg.Prefetch).
		Msg("consumer connected")
	return nil
}

// Start consumes deliveries until ctx is cancelled or the delivery channel
// closes. Each delivery is handled on its own goroutine; total concurrency
// is capped indirectly by the prefetch limit.
func (c *Consumer) Start(ctx context.Context) error {
	if c.ch == nil {
		return fmt.Errorf("consumer not connected")
	}

	deliveries, err := c.ch.Consume(c.cfg.Queue, c.tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}

	c.cfg.Logger.Info().Str("consumer_tag", c.tag).Msg("consumer started")

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			go c.handleDelivery(ctx, d)
		}
	}
}

// handleDelivery applies the ack/nack protocol for one delivery: an
// undecodable body is rejected without requeue, handler success is acked,
// and a handler failure or error requeues the delivery.
func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery) {
	var ev event.SensorEvent
	if err := json.Unmarshal(d.Body, &ev); err != nil {
		// A malformed message cannot become valid through retry.
		c.cfg.Logger.Error().Err(err).Uint64("delivery_tag", d.DeliveryTag).
			Msg("undecodable delivery rejected")
		_ = d.Nack(false, false)
		return
	}

	processed, err := c.cfg.Handler(ctx, &ev)
	switch {
	case err != nil:
		c.cfg.Logger.Error().Err(err).Str("event_id", ev.EventID).
			Msg("handler failed, requeueing")
		_ = d.Nack(false, true)
	case !processed:
		c.cfg.Logger.Warn().Str("event_id", ev.EventID).
			Msg("event not processed, requeueing")
		_ = d.Nack(false, true)
	default:
		_ = d.Ack(false)
		c.cfg.Logger.Debug().Str("event_id", ev.EventID).Msg("event acknowledged")
	}
}

// Close cancels the subscription and releases the channel and connection.
// In-flight handlers are drained best-effort by the broker's unacked
// redelivery, not awaited here.
func (c *Consumer) Close() error {
	if c.ch != nil {
		if err := c.ch.Cancel(c.tag, false); err != nil {
			c.cfg.Logger.Warn().Err(err).Msg("cancel consumer failed")
		}
		_ = c.ch.Close()
	}
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			return fmt.Errorf("close broker connection: %w", err)
		}
	}
	c.cfg.Logger.Info().Msg("consumer closed")
	return nil
}
