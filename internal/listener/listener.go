// Package listener turns broker messages into calls on the order, payment
// and cart services.
package listener

import (
	"context"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	kafkax "github.com/ariefcatur/unitrade-orders/internal/kafka"
	"github.com/ariefcatur/unitrade-orders/internal/logging"
	"github.com/ariefcatur/unitrade-orders/internal/orders"
	"github.com/ariefcatur/unitrade-orders/internal/payment"
	"github.com/ariefcatur/unitrade-orders/internal/session"
)

type Orders interface {
	Materialize(ctx context.Context, p orders.OrderCreatePayload) error
	HandlePaySuccess(ctx context.Context, orderID int64) error
	HandleTimeout(ctx context.Context, orderID int64) error
}

type Carts interface {
	Clear(ctx context.Context, userID int64, itemIDs []int64) error
}

type Listener struct {
	orders Orders
	carts  Carts
}

func New(o Orders, c Carts) *Listener {
	return &Listener{orders: o, carts: c}
}

// Routes lists the handler of every consumed destination.
func (l *Listener) Routes() map[kafkax.Destination]kafkax.Handler {
	return map[kafkax.Destination]kafkax.Handler{
		orders.DestOrderCreate:  l.OrderCreate,
		orders.DestCartClear:    l.CartClear,
		orders.DestOrderTimeout: l.OrderTimeout,
		payment.DestPaySuccess:  l.PaySuccess,
	}
}

func (l *Listener) OrderCreate(ctx context.Context, m kafkago.Message) error {
	ctx, p, ok := decode[orders.OrderCreatePayload](ctx, m, orders.EventOrderCreate)
	if !ok {
		return nil
	}
	return l.orders.Materialize(ctx, p)
}

func (l *Listener) CartClear(ctx context.Context, m kafkago.Message) error {
	ctx, p, ok := decode[orders.CartClearPayload](ctx, m, orders.EventCartClear)
	if !ok {
		return nil
	}
	if p.UserID <= 0 {
		logging.FromContext(ctx).Error("cart_clear_malformed")
		return nil
	}
	return l.carts.Clear(ctx, p.UserID, p.ItemIDs)
}

func (l *Listener) OrderTimeout(ctx context.Context, m kafkago.Message) error {
	ctx, p, ok := decode[orders.OrderTimeoutPayload](ctx, m, orders.EventOrderTimeout)
	if !ok {
		return nil
	}
	if p.OrderID <= 0 {
		logging.FromContext(ctx).Error("order_timeout_malformed")
		return nil
	}
	return l.orders.HandleTimeout(logging.With(ctx, zap.Int64("order_id", p.OrderID)), p.OrderID)
}

func (l *Listener) PaySuccess(ctx context.Context, m kafkago.Message) error {
	ctx, p, ok := decode[payment.PaySuccessPayload](ctx, m, payment.EventPaySuccess)
	if !ok {
		return nil
	}
	if p.OrderID <= 0 {
		logging.FromContext(ctx).Error("pay_success_malformed")
		return nil
	}
	return l.orders.HandlePaySuccess(logging.With(ctx, zap.Int64("order_id", p.OrderID)), p.OrderID)
}

// decode unwraps the envelope of m and binds the buyer carried in the
// headers. ok is false for messages that can never be handled; they are
// logged here and acknowledged by the caller.
func decode[T any](ctx context.Context, m kafkago.Message, eventType string) (context.Context, T, bool) {
	var zero T
	if uid := session.ParseUserID(kafkax.HeaderValue(m.Headers, kafkax.HeaderUserID)); uid > 0 {
		ctx = session.WithUserID(ctx, uid)
	}
	log := logging.FromContext(ctx)

	env, err := kafkax.UnmarshalEnvelope(m.Value)
	if err != nil {
		log.Error("poison_message", zap.Error(err))
		return ctx, zero, false
	}
	if env.EventType != eventType {
		log.Error("poison_message", zap.String("want_event", eventType), zap.String("got_event", env.EventType))
		return ctx, zero, false
	}
	p, err := kafkax.UnwrapPayload[T](env.Payload)
	if err != nil {
		log.Error("poison_message", zap.String("event_id", env.EventID), zap.Error(err))
		return ctx, zero, false
	}
	return logging.With(ctx, zap.String("event_id", env.EventID)), p, true
}
