package kafka

import (
	"context"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ariefcatur/unitrade-orders/internal/session"
)

// Publisher is what the services depend on to emit events.
type Publisher interface {
	Send(ctx context.Context, dest Destination, env Envelope) error
	SendWithConfirm(ctx context.Context, dest Destination, env Envelope, maxRetries int) error
	SendDelayed(ctx context.Context, dest Destination, env Envelope, delay time.Duration, maxRetries int) error
}

// ExhaustedHandler compensates a reliable send that was nacked on every
// attempt. cause wraps apperr.ErrDeliveryExhausted.
type ExhaustedHandler func(ctx context.Context, env Envelope, cause error)

// Gateway maps envelopes onto Kafka messages keyed by correlation id, so all
// events of one order land on the same partition.
type Gateway struct {
	producer  *Producer
	delay     *DelayQueue
	exhausted map[string]ExhaustedHandler
}

func NewGateway(p *Producer, d *DelayQueue) *Gateway {
	return &Gateway{producer: p, delay: d, exhausted: map[string]ExhaustedHandler{}}
}

// OnExhausted registers h for reliable sends to dest. Register before the
// first send; handlers are not guarded for concurrent registration.
func (g *Gateway) OnExhausted(dest Destination, h ExhaustedHandler) {
	g.exhausted[dest.Topic()] = h
}

func (g *Gateway) Send(ctx context.Context, dest Destination, env Envelope) error {
	return g.producer.Publish(ctx, message(ctx, dest, env))
}

func (g *Gateway) SendWithConfirm(ctx context.Context, dest Destination, env Envelope, maxRetries int) error {
	h, ok := g.exhausted[dest.Topic()]
	if !ok {
		return g.producer.PublishWithConfirm(ctx, message(ctx, dest, env), maxRetries)
	}
	// the request is long gone when the last nack arrives; keep its values only
	detached := context.WithoutCancel(ctx)
	return g.producer.PublishWithConfirm(ctx, message(ctx, dest, env), maxRetries,
		OnExhausted(func(_ kafka.Message, cause error) {
			ctx, cancel := context.WithTimeout(detached, writeTimeout)
			defer cancel()
			h(ctx, env, cause)
		}))
}

func (g *Gateway) SendDelayed(ctx context.Context, dest Destination, env Envelope, delay time.Duration, maxRetries int) error {
	return g.delay.Schedule(ctx, message(ctx, dest, env), delay, maxRetries)
}

func message(ctx context.Context, dest Destination, env Envelope) kafka.Message {
	headers := []kafka.Header{
		{Key: HeaderEventType, Value: []byte(env.EventType)},
		{Key: HeaderEventVersion, Value: []byte(strconv.Itoa(env.EventVersion))},
		{Key: HeaderRoutingKey, Value: []byte(dest.RoutingKey)},
	}
	if uid, ok := session.UserID(ctx); ok {
		headers = append(headers, kafka.Header{Key: HeaderUserID, Value: []byte(strconv.FormatInt(uid, 10))})
	}
	return kafka.Message{
		Topic:   dest.Topic(),
		Key:     []byte(env.CorrelationID),
		Value:   MustMarshal(env),
		Headers: headers,
	}
}
