package payment

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ariefcatur/unitrade-orders/internal/apperr"
	"github.com/ariefcatur/unitrade-orders/internal/kafka"
	"github.com/ariefcatur/unitrade-orders/internal/logging"
	"github.com/ariefcatur/unitrade-orders/internal/session"
)

// IDNamespace is the id generator namespace of pay orders.
const IDNamespace = "pay"

type Store interface {
	Get(ctx context.Context, id int64) (*PayOrder, error)
	GetByBizOrder(ctx context.Context, bizOrderNo int64) (*PayOrder, error)
	Insert(ctx context.Context, po *PayOrder) (bool, error)
	Reset(ctx context.Context, po *PayOrder) error
	PayWithBalance(ctx context.Context, po *PayOrder, at time.Time) error
}

type IDGenerator interface {
	NextID(ctx context.Context, namespace string) (int64, error)
}

// OrderReader resolves the amount still due on a buyer's unpaid order.
type OrderReader interface {
	PayableAmount(ctx context.Context, orderID, userID int64) (int64, error)
}

type ApplyRequest struct {
	BizOrderNo int64   `json:"biz_order_no"`
	Channel    string  `json:"channel"`
	PayType    PayType `json:"pay_type"`
}

type Service struct {
	store    Store
	ids      IDGenerator
	orders   OrderReader
	pub      kafka.Publisher
	producer string
	retries  int
	now      func() time.Time
}

func NewService(store Store, ids IDGenerator, orders OrderReader, pub kafka.Publisher, producer string, confirmRetries int) *Service {
	return &Service{
		store:    store,
		ids:      ids,
		orders:   orders,
		pub:      pub,
		producer: producer,
		retries:  confirmRetries,
		now:      time.Now,
	}
}

// ApplyPayOrder returns the pay order of an order, creating it on first use.
// Applying again on the same channel returns the existing one; a different
// channel resets it. Paid or closed pay orders are refused.
func (s *Service) ApplyPayOrder(ctx context.Context, req ApplyRequest) (*PayOrder, error) {
	userID, ok := session.UserID(ctx)
	if !ok {
		return nil, errors.Wrap(apperr.ErrBadRequest, "buyer required")
	}
	if req.BizOrderNo <= 0 || !ValidChannel(req.Channel) {
		return nil, errors.Wrap(apperr.ErrBadRequest, "order and a known channel required")
	}
	amount, err := s.orders.PayableAmount(ctx, req.BizOrderNo, userID)
	if err != nil {
		return nil, err
	}

	old, err := s.store.GetByBizOrder(ctx, req.BizOrderNo)
	if err != nil {
		return nil, err
	}
	if old == nil {
		po, err := s.newPayOrder(ctx, req, userID, amount)
		if err != nil {
			return nil, err
		}
		inserted, err := s.store.Insert(ctx, po)
		if err != nil {
			return nil, err
		}
		if inserted {
			return po, nil
		}
		// lost a race with a concurrent apply
		if old, err = s.store.GetByBizOrder(ctx, req.BizOrderNo); err != nil {
			return nil, err
		}
		if old == nil {
			return nil, errors.Errorf("pay order of order %d vanished", req.BizOrderNo)
		}
	}

	switch old.Status {
	case StatusTradeSuccess:
		return nil, errors.Wrapf(apperr.ErrPaymentChannel, "order %d already paid", req.BizOrderNo)
	case StatusTradeClosed:
		return nil, errors.Wrapf(apperr.ErrPaymentChannel, "order %d closed", req.BizOrderNo)
	}
	if old.Channel == req.Channel {
		return old, nil
	}

	old.Channel = req.Channel
	old.PayType = req.PayType
	old.Amount = amount
	old.Status = StatusWaitBuyerPay
	old.PayOverTime = s.now().Add(Overtime)
	if err := s.store.Reset(ctx, old); err != nil {
		return nil, err
	}
	return old, nil
}

func (s *Service) newPayOrder(ctx context.Context, req ApplyRequest, userID, amount int64) (*PayOrder, error) {
	id, err := s.ids.NextID(ctx, IDNamespace)
	if err != nil {
		return nil, err
	}
	return &PayOrder{
		ID:          id,
		BizOrderNo:  req.BizOrderNo,
		BizUserID:   userID,
		Amount:      amount,
		Channel:     req.Channel,
		PayType:     req.PayType,
		Status:      StatusWaitBuyerPay,
		PayOverTime: s.now().Add(Overtime),
	}, nil
}

// PayByBalance settles a pay order from the buyer's wallet and announces the
// success. The announcement is best effort: a lost message is recovered by
// the order timeout poll.
func (s *Service) PayByBalance(ctx context.Context, payOrderID int64) error {
	po, err := s.store.Get(ctx, payOrderID)
	if err != nil {
		return err
	}
	if po == nil {
		return errors.Wrapf(apperr.ErrNotFound, "pay order %d", payOrderID)
	}
	if uid, ok := session.UserID(ctx); ok && uid != po.BizUserID {
		return errors.Wrapf(apperr.ErrNotFound, "pay order %d", payOrderID)
	}
	if po.Status != StatusWaitBuyerPay {
		return errors.Wrapf(apperr.ErrPaymentChannel, "pay order %d is %s", payOrderID, po.Status)
	}

	at := s.now()
	if err := s.store.PayWithBalance(ctx, po, at); err != nil {
		return err
	}

	env := kafka.NewEnvelope(s.producer, EventPaySuccess, strconv.FormatInt(po.BizOrderNo, 10),
		PaySuccessPayload{OrderID: po.BizOrderNo, PayOrderID: po.ID})
	if err := s.pub.SendWithConfirm(ctx, DestPaySuccess, env, s.retries); err != nil {
		logging.FromContext(ctx).Warn("pay_success_publish_failed",
			zap.Int64("order_id", po.BizOrderNo), zap.Error(err))
	}
	return nil
}

// QueryByBizOrder returns the pay order of an order, or nil if none was applied.
func (s *Service) QueryByBizOrder(ctx context.Context, bizOrderNo int64) (*PayOrder, error) {
	return s.store.GetByBizOrder(ctx, bizOrderNo)
}
