package broker

import (
	"context"
	"encoding/json"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telemetry-kitchen/telemetry-kitchen/internal/event"
)

// fakeAcknowledger records the single ack/nack decision made for a delivery.
type fakeAcknowledger struct {
	acked   bool
	nacked  bool
	requeue bool
}

func (f *fakeAcknowledger) Ack(uint64, bool) error {
	f.acked = true
	return nil
}

func (f *fakeAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	f.nacked = true
	f.requeue = requeue
	return nil
}

func (f *fakeAcknowledger) Reject(_ uint64, requeue bool) error {
	f.nacked = true
	f.requeue = requeue
	return nil
}

func deliveryFor(t *testing.T, ack *fakeAcknowledger, body []byte) amqp.Delivery {
	t.Helper()
	return amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  1,
		Body:         body,
	}
}

func eventBody(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(testEvent())
	require.NoError(t, err)
	return body
}

func newTestConsumer(handler Handler) *Consumer {
	return NewConsumer(ConsumerConfig{
		Handler: handler,
		Logger:  zerolog.Nop(),
	})
}

func TestHandleDelivery_SuccessAcks(t *testing.T) {
	var got *event.SensorEvent
	c := newTestConsumer(func(_ context.Context, ev *event.SensorEvent) (bool, error) {
		got = ev
		return true, nil
	})

	ack := &fakeAcknowledger{}
	c.handleDelivery(context.Background(), deliveryFor(t, ack, eventBody(t)))

	assert.True(t, ack.acked)
	assert.False(t, ack.nacked)
	require.NotNil(t, got)
	assert.Equal(t, "abc123", got.EventID)
}

func TestHandleDelivery_MalformedBodyRejectedWithoutRequeue(t *testing.T) {
	called := false
	c := newTestConsumer(func(context.Context, *event.SensorEvent) (bool, error) {
		called = true
		return true, nil
	})

	ack := &fakeAcknowledger{}
	c.handleDelivery(context.Background(), deliveryFor(t, ack, []byte("{not json")))

	assert.False(t, called)
	assert.True(t, ack.nacked)
	assert.False(t, ack.requeue)
}

func TestHandleDelivery_HandlerErrorRequeues(t *testing.T) {
	c := newTestConsumer(func(context.Context, *event.SensorEvent) (bool, error) {
		return false, assert.AnError
	})

	ack := &fakeAcknowledger{}
	c.handleDelivery(context.Background(), deliveryFor(t, ack, eventBody(t)))

	assert.True(t, ack.nacked)
	assert.True(t, ack.requeue)
}

func TestHandleDelivery_NotProcessedRequeues(t *testing.T) {
	c := newTestConsumer(func(context.Context, *event.SensorEvent) (bool, error) {
		return false, nil
	})

	ack := &fakeAcknowledger{}
	c.handleDelivery(context.Background(), deliveryFor(t, ack, eventBody(t)))

	assert.True(t, ack.nacked)
	assert.True(t, ack.requeue)
	assert.False(t, ack.acked)
}

func TestNewConsumer_Defaults(t *testing.T) {
	c := newTestConsumer(nil)

	assert.Equal(t, DefaultExchange, c.cfg.Exchange)
	assert.Equal(t, DefaultQueue, c.cfg.Queue)
	assert.Equal(t, DefaultPrefetch, c.cfg.Prefetch)
	assert.NotEmpty(t, c.tag)
}

func TestStart_WithoutConnect(t *testing.T) {
	c := newTestConsumer(nil)
	assert.Error(t, c.Start(context.Background()))
}
