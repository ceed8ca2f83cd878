package orders

import (
	"context"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ariefcatur/unitrade-orders/internal/apperr"
	"github.com/ariefcatur/unitrade-orders/internal/inventory"
	"github.com/ariefcatur/unitrade-orders/internal/kafka"
	"github.com/ariefcatur/unitrade-orders/internal/logging"
)

// Materialize persists an accepted order. It is safe to run more than once
// for the same message: a second run finds the order and only repeats the
// follow-up messages. A request that can no longer be honoured (unknown item,
// not enough durable stock) is dropped after its soft reservation is given
// back; only transient failures are returned for redelivery.
func (s *Service) Materialize(ctx context.Context, p OrderCreatePayload) (err error) {
	ctx, span := tracer.Start(ctx, "orders.Materialize")
	span.SetAttributes(attribute.Int64("order.id", p.OrderID))
	defer func() { endSpan(span, err) }()

	log := logging.FromContext(ctx).With(zap.Int64("order_id", p.OrderID))
	ctx = logging.WithLogger(ctx, log)

	if p.OrderID <= 0 || p.UserID <= 0 || len(p.Items) == 0 {
		log.Error("order_create_malformed")
		s.metrics.OrderMaterialized("malformed")
		return nil
	}

	exists, err := s.store.Exists(ctx, p.OrderID)
	if err != nil {
		return err
	}
	if exists {
		s.metrics.OrderMaterialized("duplicate")
		return s.afterCreate(ctx, p)
	}

	items, err := s.items.Prices(ctx, lineIDs(p.Items))
	if err != nil {
		return err
	}

	order := &Order{ID: p.OrderID, UserID: p.UserID, PaymentType: p.PaymentType, Status: StatusUnpaid}
	details := make([]Detail, 0, len(p.Items))
	for _, l := range p.Items {
		it, ok := items[l.ItemID]
		if !ok {
			log.Error("order_create_unknown_item", zap.Int64("item_id", l.ItemID))
			return s.reject(ctx, p, "unknown_item")
		}
		details = append(details, Detail{
			OrderID: p.OrderID,
			ItemID:  l.ItemID,
			Num:     l.Qty,
			Name:    it.Name,
			Spec:    it.Spec,
			Image:   it.Image,
			Price:   it.Price,
		})
		order.TotalFee += it.Price * int64(l.Qty)
	}

	err = s.store.Create(ctx, order, details)
	switch {
	case errors.Is(err, apperr.ErrDuplicateOrder):
		s.metrics.OrderMaterialized("duplicate")
		return s.afterCreate(ctx, p)
	case errors.Is(err, apperr.ErrInsufficientStock):
		log.Warn("order_create_insufficient_stock", zap.Error(err))
		return s.reject(ctx, p, "insufficient_stock")
	case err != nil:
		return err
	}

	s.metrics.OrderMaterialized("created")
	log.Info("order_created", zap.Int64("total_fee", order.TotalFee))
	return s.afterCreate(ctx, p)
}

// afterCreate clears the bought items from the cart and schedules the
// payment timeout check. The check must be parked or the message is retried.
func (s *Service) afterCreate(ctx context.Context, p OrderCreatePayload) error {
	key := PartitionKey(p.OrderID)
	cart := kafka.NewEnvelope(s.opts.Producer, EventCartClear, key, CartClearPayload{UserID: p.UserID, ItemIDs: lineIDs(p.Items)})
	if err := s.pub.Send(ctx, DestCartClear, cart); err != nil {
		logging.FromContext(ctx).Warn("cart_clear_publish_failed", zap.Error(err))
	}

	timeout := kafka.NewEnvelope(s.opts.Producer, EventOrderTimeout, key, OrderTimeoutPayload{OrderID: p.OrderID})
	return errors.Wrap(
		s.pub.SendDelayed(ctx, DestOrderTimeout, timeout, s.opts.PayTimeout, s.opts.ConfirmRetries),
		"schedule payment timeout")
}

// reject returns the soft reservation exactly once per order.
func (s *Service) reject(ctx context.Context, p OrderCreatePayload, reason string) error {
	released, err := s.stock.ReleaseOnce(ctx, p.OrderID, p.Items)
	if err != nil {
		return err
	}
	s.metrics.OrderMaterialized("rejected_" + reason)
	logging.FromContext(ctx).Warn("order_create_rejected",
		zap.String("reason", reason), zap.Bool("reservation_released", released))
	return nil
}

// ReleaseUndelivered gives back the reservation of an order whose create
// message was nacked on every attempt. No order row or timeout check will
// ever exist for it, so nothing else would return the stock. Should the
// message reach the broker after all, the durable deduction still decides
// and a rejection finds the reservation already released.
func (s *Service) ReleaseUndelivered(ctx context.Context, env kafka.Envelope, cause error) {
	log := logging.FromContext(ctx).With(zap.String("correlation_id", env.CorrelationID), zap.Error(cause))
	p, err := kafka.UnwrapPayload[OrderCreatePayload](env.Payload)
	if err != nil || p.OrderID <= 0 || len(p.Items) == 0 {
		log.Error("order_create_undelivered_malformed")
		return
	}
	log = log.With(zap.Int64("order_id", p.OrderID))
	released, err := s.stock.ReleaseOnce(ctx, p.OrderID, p.Items)
	if err != nil {
		log.Error("order_create_undelivered_release_failed", zap.NamedError("release_error", err))
		return
	}
	s.metrics.OrderMaterialized("undelivered")
	log.Error("order_create_undelivered", zap.Bool("reservation_released", released))
}

func lineIDs(lines []inventory.Line) []int64 {
	out := make([]int64, len(lines))
	for i, l := range lines {
		out[i] = l.ItemID
	}
	return out
}
