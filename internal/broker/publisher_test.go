package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telemetry-kitchen/telemetry-kitchen/internal/event"
)

type fakeChannel struct {
	published  []amqp.Publishing
	keys       []string
	exchanges  []string
	publishErr error
}

func (f *fakeChannel) ExchangeDeclare(string, string, bool, bool, bool, bool, amqp.Table) error {
	return nil
}

func (f *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.exchanges = append(f.exchanges, exchange)
	f.keys = append(f.keys, key)
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) Close() error { return nil }

func testEvent() *event.SensorEvent {
	return &event.SensorEvent{
		EventID:          "abc123",
		SensorID:         "box-1",
		SourceType:       "opensensemap",
		PayloadType:      event.PayloadTypeJSON,
		PayloadSizeBytes: 2,
		PayloadJSON:      "{}",
		ObservedAt:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		ReceivedAt:       time.Date(2024, 1, 1, 0, 0, 1, 0, time.UTC),
		StatusLevel:      event.StatusInfo,
	}
}

func TestPublisher_PublishShapesMessage(t *testing.T) {
	ch := &fakeChannel{}
	p := NewPublisher(PublisherConfig{Logger: zerolog.Nop()})
	p.ch = ch

	err := p.Publish(context.Background(), testEvent())

	require.NoError(t, err)
	require.Len(t, ch.published, 1)

	msg := ch.published[0]
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, uint8(amqp.Persistent), msg.DeliveryMode)
	assert.Equal(t, "abc123", msg.MessageId)
	assert.False(t, msg.Timestamp.IsZero())

	assert.Equal(t, DefaultExchange, ch.exchanges[0])
	assert.Equal(t, "sensor.box-1.opensensemap", ch.keys[0])

	var decoded event.SensorEvent
	require.NoError(t, json.Unmarshal(msg.Body, &decoded))
	assert.Equal(t, "abc123", decoded.EventID)
	assert.Equal(t, "box-1", decoded.SensorID)
}

func TestPublisher_PublishWithoutConnect(t *testing.T) {
	p := NewPublisher(PublisherConfig{Logger: zerolog.Nop()})

	err := p.Publish(context.Background(), testEvent())

	assert.Error(t, err)
}

func TestPublisher_PublishErrorWrapsEventID(t *testing.T) {
	ch := &fakeChannel{publishErr: assert.AnError}
	p := NewPublisher(PublisherConfig{Logger: zerolog.Nop()})
	p.ch = ch

	err := p.Publish(context.Background(), testEvent())

	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), "abc123")
}

func TestRoutingKey(t *testing.T) {
	ev := &event.SensorEvent{SensorID: "esp8266-7", SourceType: "sensor-community"}
	assert.Equal(t, "sensor.esp8266-7.sensor-community", RoutingKey(ev))
}
