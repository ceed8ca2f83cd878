package orders

import (
	"context"
	"strconv"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ariefcatur/unitrade-orders/internal/apperr"
	"github.com/ariefcatur/unitrade-orders/internal/cache"
	"github.com/ariefcatur/unitrade-orders/internal/logging"
	"github.com/ariefcatur/unitrade-orders/internal/payment"
	"github.com/ariefcatur/unitrade-orders/internal/redisx"
	"github.com/ariefcatur/unitrade-orders/internal/session"
)

const (
	triggerPaySuccess = "pay_success"
	triggerTimeout    = "timeout"
	triggerBuyer      = "buyer"
)

// MarkPaid moves an unpaid order to paid. Orders already past unpaid are
// left as they are.
func (s *Service) MarkPaid(ctx context.Context, orderID int64) error {
	_, err := s.markPaid(ctx, orderID)
	return err
}

func (s *Service) markPaid(ctx context.Context, orderID int64) (bool, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return false, err
	}
	if o == nil {
		return false, errors.Wrapf(apperr.ErrNotFound, "order %d", orderID)
	}
	if o.Status != StatusUnpaid {
		return false, nil
	}
	changed, err := s.store.MarkPaid(ctx, orderID, s.now())
	if err != nil {
		return false, err
	}
	if changed {
		s.invalidate(ctx, orderID)
	}
	return changed, nil
}

// Cancel closes an unpaid order, its pay order and gives its stock back to
// both the durable store and the counters. Cancelling a cancelled order is a
// no-op; a paid or finished order cannot be cancelled, nor can one whose
// payment went through while the buyer was cancelling.
func (s *Service) Cancel(ctx context.Context, orderID int64) error {
	o, err := s.owned(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status == StatusCancelled {
		return nil
	}
	if o.Status != StatusUnpaid {
		return errors.Wrapf(apperr.ErrBadRequest, "order %d is %s", orderID, o.Status)
	}
	res, err := s.cancel(ctx, orderID)
	if err != nil {
		return err
	}
	switch res {
	case CancelDone:
		s.metrics.OrderReconciled(triggerBuyer, "cancelled")
	case CancelPaidFirst:
		paid, err := s.markPaid(ctx, orderID)
		if err != nil {
			return err
		}
		s.metrics.OrderReconciled(triggerBuyer, outcomeOf(paid, "paid"))
		return errors.Wrapf(apperr.ErrBadRequest, "order %d is already paid", orderID)
	}
	return nil
}

func (s *Service) cancel(ctx context.Context, orderID int64) (CancelResult, error) {
	res, err := s.store.Cancel(ctx, orderID, s.now())
	if err != nil || res != CancelDone {
		return res, err
	}
	log := logging.FromContext(ctx).With(zap.Int64("order_id", orderID))
	details, err := s.store.Details(ctx, orderID)
	if err == nil {
		err = s.stock.Release(ctx, linesOf(details))
	}
	if err != nil {
		// durable stock is already back; counters only under-report until the next warm-up
		log.Error("order_cancel_counter_restore_failed", zap.Error(err))
	}
	s.invalidate(ctx, orderID)
	log.Info("order_cancelled")
	return CancelDone, nil
}

// HandlePaySuccess applies a payment-success event. Duplicates and events
// arriving after a cancellation are no-ops.
func (s *Service) HandlePaySuccess(ctx context.Context, orderID int64) error {
	paid, err := s.markPaid(ctx, orderID)
	if errors.Is(err, apperr.ErrNotFound) {
		logging.FromContext(ctx).Error("pay_success_unknown_order", zap.Int64("order_id", orderID))
		s.metrics.OrderReconciled(triggerPaySuccess, "unknown_order")
		return nil
	}
	if err != nil {
		return err
	}
	s.metrics.OrderReconciled(triggerPaySuccess, outcomeOf(paid, "paid"))
	return nil
}

// HandleTimeout runs when the payment window of an order has passed. It asks
// the payment side for the truth instead of assuming failure: a payment whose
// success event was lost still marks the order paid.
func (s *Service) HandleTimeout(ctx context.Context, orderID int64) error {
	log := logging.FromContext(ctx).With(zap.Int64("order_id", orderID))
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if o == nil {
		log.Error("order_timeout_unknown_order")
		s.metrics.OrderReconciled(triggerTimeout, "unknown_order")
		return nil
	}
	if o.Status != StatusUnpaid {
		s.metrics.OrderReconciled(triggerTimeout, "noop")
		return nil
	}

	po, err := s.payments.QueryByBizOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if po != nil && po.Status == payment.StatusTradeSuccess {
		paid, err := s.markPaid(ctx, orderID)
		if err != nil {
			return err
		}
		log.Info("order_paid_by_poll")
		s.metrics.OrderReconciled(triggerTimeout, outcomeOf(paid, "paid"))
		return nil
	}

	res, err := s.cancel(ctx, orderID)
	if err != nil {
		return err
	}
	if res == CancelPaidFirst {
		paid, err := s.markPaid(ctx, orderID)
		if err != nil {
			return err
		}
		log.Info("order_paid_during_cancel")
		s.metrics.OrderReconciled(triggerTimeout, outcomeOf(paid, "paid"))
		return nil
	}
	s.metrics.OrderReconciled(triggerTimeout, outcomeOf(res == CancelDone, "cancelled"))
	return nil
}

func outcomeOf(changed bool, what string) string {
	if changed {
		return what
	}
	return "noop"
}

// QueryOrder returns an order with its lines, served through the order cache.
func (s *Service) QueryOrder(ctx context.Context, orderID int64) (*View, error) {
	v, err := cache.QueryWithPassThrough(ctx, s.cache, redisx.PrefixOrderCache, orderID, s.loadView, redisx.TTLOrderCache)
	if err != nil {
		return nil, err
	}
	if v == nil || !visibleTo(ctx, v.UserID) {
		return nil, errors.Wrapf(apperr.ErrNotFound, "order %d", orderID)
	}
	return v, nil
}

func (s *Service) loadView(ctx context.Context, orderID int64) (*View, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil || o == nil {
		return nil, err
	}
	details, err := s.store.Details(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return &View{Order: *o, Details: details}, nil
}

// PayableAmount returns the total of an unpaid order owned by userID.
func (s *Service) PayableAmount(ctx context.Context, orderID, userID int64) (int64, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return 0, err
	}
	if o == nil || o.UserID != userID {
		return 0, errors.Wrapf(apperr.ErrNotFound, "order %d", orderID)
	}
	if o.Status != StatusUnpaid {
		return 0, errors.Wrapf(apperr.ErrPaymentChannel, "order %d is %s", orderID, o.Status)
	}
	return o.TotalFee, nil
}

func (s *Service) owned(ctx context.Context, orderID int64) (*Order, error) {
	o, err := s.store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o == nil || !visibleTo(ctx, o.UserID) {
		return nil, errors.Wrapf(apperr.ErrNotFound, "order %d", orderID)
	}
	return o, nil
}

// visibleTo reports whether the buyer bound to ctx owns the order. Other
// buyers' orders are reported as missing.
func visibleTo(ctx context.Context, owner int64) bool {
	uid, ok := session.UserID(ctx)
	return ok && uid == owner
}

func (s *Service) invalidate(ctx context.Context, orderID int64) {
	key := redisx.PrefixOrderCache + strconv.FormatInt(orderID, 10)
	if err := s.cache.Delete(ctx, key); err != nil {
		logging.FromContext(ctx).Warn("order_cache_invalidate_failed", zap.Int64("order_id", orderID), zap.Error(err))
	}
}
