package orders

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/ariefcatur/unitrade-orders/internal/apperr"
	"github.com/ariefcatur/unitrade-orders/internal/cache"
	"github.com/ariefcatur/unitrade-orders/internal/catalog"
	"github.com/ariefcatur/unitrade-orders/internal/inventory"
	"github.com/ariefcatur/unitrade-orders/internal/kafka"
	"github.com/ariefcatur/unitrade-orders/internal/logging"
	"github.com/ariefcatur/unitrade-orders/internal/metrics"
	"github.com/ariefcatur/unitrade-orders/internal/payment"
	"github.com/ariefcatur/unitrade-orders/internal/redisx"
	"github.com/ariefcatur/unitrade-orders/internal/session"
)

// IDNamespace is the id generator namespace of orders.
const IDNamespace = "order"

var tracer = otel.Tracer("github.com/ariefcatur/unitrade-orders/internal/orders")

type Store interface {
	Exists(ctx context.Context, id int64) (bool, error)
	Create(ctx context.Context, o *Order, details []Detail) error
	Get(ctx context.Context, id int64) (*Order, error)
	Details(ctx context.Context, orderID int64) ([]Detail, error)
	MarkPaid(ctx context.Context, id int64, at time.Time) (bool, error)
	Cancel(ctx context.Context, id int64, at time.Time) (CancelResult, error)
}

type IDGenerator interface {
	NextID(ctx context.Context, namespace string) (int64, error)
}

// ItemSource reads authoritative item data, never the cache.
type ItemSource interface {
	Prices(ctx context.Context, ids []int64) (map[int64]catalog.Item, error)
}

// PaymentQuerier answers whether an order was paid. A nil pay order means
// none was ever applied.
type PaymentQuerier interface {
	QueryByBizOrder(ctx context.Context, bizOrderNo int64) (*payment.PayOrder, error)
}

type Options struct {
	Producer       string        // envelope producer name
	LockWait       time.Duration // bound on the placement lock wait
	PayTimeout     time.Duration // delay of the payment timeout check
	ConfirmRetries int
}

type Service struct {
	store    Store
	ids      IDGenerator
	locker   *redisx.Locker
	stock    *inventory.StockCache
	items    ItemSource
	payments PaymentQuerier
	pub      kafka.Publisher
	cache    *cache.Client
	metrics  *metrics.Metrics
	opts     Options
	now      func() time.Time
}

func NewService(
	store Store,
	ids IDGenerator,
	locker *redisx.Locker,
	stock *inventory.StockCache,
	items ItemSource,
	payments PaymentQuerier,
	pub kafka.Publisher,
	c *cache.Client,
	m *metrics.Metrics,
	opts Options,
) *Service {
	if opts.LockWait <= 0 {
		opts.LockWait = 2 * time.Second
	}
	if opts.PayTimeout <= 0 {
		opts.PayTimeout = 15 * time.Minute
	}
	return &Service{
		store:    store,
		ids:      ids,
		locker:   locker,
		stock:    stock,
		items:    items,
		payments: payments,
		pub:      pub,
		cache:    c,
		metrics:  m,
		opts:     opts,
		now:      time.Now,
	}
}

type PlaceRequest struct {
	Items       []inventory.Line `json:"items"`
	PaymentType int              `json:"payment_type"`
}

// PlaceOrder soft-reserves stock under the global placement lock and hands
// the order to materialization. The returned id means "accepted", not
// "created": the order row appears once the create message is consumed.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceRequest) (id int64, err error) {
	start := time.Now()
	outcome := "error"
	defer func() { s.metrics.OrderPlaced(outcome, time.Since(start).Seconds()) }()

	ctx, span := tracer.Start(ctx, "orders.PlaceOrder")
	defer func() { endSpan(span, err) }()

	buyer, ok := session.UserID(ctx)
	if !ok {
		outcome = "bad_request"
		return 0, errors.Wrap(apperr.ErrBadRequest, "buyer required")
	}
	lines, err := normalize(req.Items)
	if err != nil {
		outcome = "bad_request"
		return 0, err
	}

	id, err = s.ids.NextID(ctx, IDNamespace)
	if err != nil {
		return 0, err
	}
	span.SetAttributes(attribute.Int64("order.id", id))
	log := logging.FromContext(ctx).With(zap.Int64("order_id", id), zap.Int64("user_id", buyer))

	lk := s.locker.NewLock(redisx.KeyOrderLock)
	held, err := lk.Lock(ctx, s.opts.LockWait)
	if err != nil {
		return 0, err
	}
	if !held {
		outcome = "lock_timeout"
		log.Warn("order_lock_timeout", zap.Duration("wait", s.opts.LockWait))
		return 0, errors.Wrapf(apperr.ErrLockTimeout, "waited %s", s.opts.LockWait)
	}
	defer func() {
		if uerr := lk.Unlock(context.WithoutCancel(ctx)); uerr != nil {
			log.Warn("order_unlock_failed", zap.Error(uerr))
		}
	}()

	short, err := s.stock.ReserveAll(ctx, lines)
	if err != nil {
		return 0, err
	}
	if short != nil {
		outcome = "insufficient_stock"
		log.Info("order_rejected_stock",
			zap.Int64("item_id", short.ItemID), zap.Int("required", short.Required),
			zap.Int("available", short.Available), zap.Bool("missing", short.Missing))
		return 0, errors.Wrapf(apperr.ErrInsufficientStock, "item %d", short.ItemID)
	}

	env := kafka.NewEnvelope(s.opts.Producer, EventOrderCreate, PartitionKey(id), OrderCreatePayload{
		OrderID:     id,
		UserID:      buyer,
		Items:       lines,
		PaymentType: req.PaymentType,
	})
	if err := s.pub.SendWithConfirm(ctx, DestOrderCreate, env, s.opts.ConfirmRetries); err != nil {
		// never queued, so nothing will materialize it
		if rerr := s.stock.Release(context.WithoutCancel(ctx), lines); rerr != nil {
			log.Error("order_reservation_leaked", zap.Error(rerr))
		}
		return 0, err
	}

	outcome = "accepted"
	log.Info("order_accepted", zap.Int("lines", len(lines)))
	return id, nil
}

// normalize merges repeated items and rejects empty or non-positive lines.
// The result is sorted by item id.
func normalize(in []inventory.Line) ([]inventory.Line, error) {
	if len(in) == 0 {
		return nil, errors.Wrap(apperr.ErrBadRequest, "order has no items")
	}
	qty := make(map[int64]int, len(in))
	for _, l := range in {
		if l.ItemID <= 0 || l.Qty <= 0 {
			return nil, errors.Wrapf(apperr.ErrBadRequest, "invalid line item %d x %d", l.ItemID, l.Qty)
		}
		qty[l.ItemID] += l.Qty
	}
	out := make([]inventory.Line, 0, len(qty))
	for itemID, n := range qty {
		out = append(out, inventory.Line{ItemID: itemID, Qty: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, apperr.Kind(err))
	}
	span.End()
}
