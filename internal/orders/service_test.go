package orders

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ariefcatur/unitrade-orders/internal/apperr"
	"github.com/ariefcatur/unitrade-orders/internal/cache"
	"github.com/ariefcatur/unitrade-orders/internal/catalog"
	"github.com/ariefcatur/unitrade-orders/internal/inventory"
	"github.com/ariefcatur/unitrade-orders/internal/kafka"
	"github.com/ariefcatur/unitrade-orders/internal/kafka/kafkatest"
	"github.com/ariefcatur/unitrade-orders/internal/metrics"
	"github.com/ariefcatur/unitrade-orders/internal/payment"
	"github.com/ariefcatur/unitrade-orders/internal/redisx"
	"github.com/ariefcatur/unitrade-orders/internal/session"
)

// memStore mimics the transactional repo: create deducts durable stock and
// cancel gives it back unless the pay order already succeeded.
type memStore struct {
	mu        sync.Mutex
	orders    map[int64]*Order
	details   map[int64][]Detail
	stock     map[int64]int
	paidFirst map[int64]bool
}

func newMemStore(stock map[int64]int) *memStore {
	return &memStore{orders: map[int64]*Order{}, details: map[int64][]Detail{}, stock: stock, paidFirst: map[int64]bool{}}
}

func (m *memStore) Exists(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.orders[id]
	return ok, nil
}

func (m *memStore) Create(_ context.Context, o *Order, details []Detail) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; ok {
		return apperr.ErrDuplicateOrder
	}
	for _, d := range details {
		if m.stock[d.ItemID] < d.Num {
			return errors.Wrapf(apperr.ErrInsufficientStock, "item %d", d.ItemID)
		}
	}
	for _, d := range details {
		m.stock[d.ItemID] -= d.Num
	}
	cp := *o
	cp.CreatedAt = time.Now()
	m.orders[o.ID] = &cp
	m.details[o.ID] = append([]Detail(nil), details...)
	return nil
}

func (m *memStore) Get(_ context.Context, id int64) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, nil
	}
	cp := *o
	return &cp, nil
}

func (m *memStore) Details(_ context.Context, orderID int64) ([]Detail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Detail(nil), m.details[orderID]...), nil
}

func (m *memStore) MarkPaid(_ context.Context, id int64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok || o.Status != StatusUnpaid {
		return false, nil
	}
	o.Status = StatusPaid
	o.PayTime = &at
	return true, nil
}

func (m *memStore) Cancel(_ context.Context, id int64, at time.Time) (CancelResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok || o.Status != StatusUnpaid {
		return CancelSkipped, nil
	}
	if m.paidFirst[id] {
		return CancelPaidFirst, nil
	}
	o.Status = StatusCancelled
	o.CloseTime = &at
	for _, d := range m.details[id] {
		m.stock[d.ItemID] += d.Num
	}
	return CancelDone, nil
}

// nackWriter fails every write, like a broker that never acknowledges.
type nackWriter struct {
	mu       sync.Mutex
	attempts int
}

func (w *nackWriter) WriteMessages(context.Context, ...kafkago.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.attempts++
	return errors.New("not enough replicas")
}

func (w *nackWriter) Close() error { return nil }

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

func (m *memStore) durable(itemID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stock[itemID]
}

type seqIDs struct{ n int64 }

func (s *seqIDs) NextID(context.Context, string) (int64, error) {
	return atomic.AddInt64(&s.n, 1), nil
}

type itemSource map[int64]catalog.Item

func (s itemSource) Prices(_ context.Context, ids []int64) (map[int64]catalog.Item, error) {
	out := make(map[int64]catalog.Item, len(ids))
	for _, id := range ids {
		if it, ok := s[id]; ok {
			out[id] = it
		}
	}
	return out, nil
}

type payments struct {
	mu     sync.Mutex
	byBiz  map[int64]*payment.PayOrder
	failed error
}

func (p *payments) QueryByBizOrder(_ context.Context, biz int64) (*payment.PayOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failed != nil {
		return nil, p.failed
	}
	return p.byBiz[biz], nil
}

type harness struct {
	svc      *Service
	store    *memStore
	stock    *inventory.StockCache
	pub      *kafkatest.Recorder
	payments *payments
	locker   *redisx.Locker
	metrics  *metrics.Metrics
	mr       *miniredis.Miniredis
}

// newHarness seeds item 1 (price 500) and item 2 (price 1200) with the given
// counter and durable stock.
func newHarness(t *testing.T, stock1, stock2 int) *harness {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	log := zaptest.NewLogger(t)
	m := metrics.New(prometheus.NewRegistry())
	locker := redisx.NewLocker(rdb, log)
	c := cache.New(rdb, locker, log, m, 2)
	t.Cleanup(c.Close)

	stock := inventory.NewStockCache(rdb)
	ctx := context.Background()
	require.NoError(t, stock.Init(ctx, 1, stock1))
	require.NoError(t, stock.Init(ctx, 2, stock2))

	h := &harness{
		store:    newMemStore(map[int64]int{1: stock1, 2: stock2}),
		stock:    stock,
		pub:      &kafkatest.Recorder{},
		payments: &payments{byBiz: map[int64]*payment.PayOrder{}},
		locker:   locker,
		metrics:  m,
		mr:       mr,
	}
	items := itemSource{
		1: {ID: 1, Name: "calculus textbook", Price: 500},
		2: {ID: 2, Name: "desk lamp", Price: 1200},
	}
	h.svc = NewService(h.store, &seqIDs{}, locker, stock, items, h.payments, h.pub, c, m, Options{
		Producer:       "unitrade",
		LockWait:       5 * time.Second,
		PayTimeout:     15 * time.Minute,
		ConfirmRetries: 3,
	})
	return h
}

func buyer(id int64) context.Context {
	return session.WithUserID(context.Background(), id)
}

func (h *harness) counter(t *testing.T, itemID int64) int {
	t.Helper()
	n, ok, err := h.stock.Get(context.Background(), itemID)
	require.NoError(t, err)
	require.True(t, ok)
	return n
}

// materializeAll consumes every recorded create message, like the listener.
func (h *harness) materializeAll(t *testing.T) {
	t.Helper()
	for _, s := range h.pub.To(DestOrderCreate) {
		p, err := kafka.UnwrapPayload[OrderCreatePayload](s.Env.Payload)
		require.NoError(t, err)
		require.NoError(t, h.svc.Materialize(context.Background(), p))
	}
}

func (h *harness) place(t *testing.T, userID int64, lines ...inventory.Line) int64 {
	t.Helper()
	id, err := h.svc.PlaceOrder(buyer(userID), PlaceRequest{Items: lines})
	require.NoError(t, err)
	return id
}

func TestPlaceOrder_ConcurrentNeverOversells(t *testing.T) {
	h := newHarness(t, 10, 0)

	var accepted, rejected int32
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(uid int64) {
			defer wg.Done()
			_, err := h.svc.PlaceOrder(buyer(uid), PlaceRequest{Items: []inventory.Line{{ItemID: 1, Qty: 1}}})
			switch {
			case err == nil:
				atomic.AddInt32(&accepted, 1)
			case errors.Is(err, apperr.ErrInsufficientStock):
				atomic.AddInt32(&rejected, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(int64(i + 1))
	}
	wg.Wait()

	assert.EqualValues(t, 10, accepted)
	assert.EqualValues(t, 20, rejected)
	assert.Equal(t, 0, h.counter(t, 1))
	assert.Len(t, h.pub.To(DestOrderCreate), 10)

	h.materializeAll(t)
	assert.Equal(t, 10, h.store.count())
	assert.Equal(t, 0, h.store.durable(1))
	assert.Equal(t, 10.0, testutil.ToFloat64(h.metrics.OrdersPlaced.WithLabelValues("accepted")))
}

func TestPlaceOrder_AllOrNothing(t *testing.T) {
	h := newHarness(t, 5, 0)

	h.place(t, 7, inventory.Line{ItemID: 1, Qty: 3})
	_, err := h.svc.PlaceOrder(buyer(8), PlaceRequest{Items: []inventory.Line{{ItemID: 1, Qty: 3}}})
	assert.ErrorIs(t, err, apperr.ErrInsufficientStock)
	assert.Equal(t, 2, h.counter(t, 1))

	_, err = h.svc.PlaceOrder(buyer(8), PlaceRequest{Items: []inventory.Line{{ItemID: 1, Qty: 1}, {ItemID: 2, Qty: 1}}})
	assert.ErrorIs(t, err, apperr.ErrInsufficientStock)
	assert.Equal(t, 2, h.counter(t, 1), "first line untouched when the second is short")
	assert.Len(t, h.pub.To(DestOrderCreate), 1, "no message for rejected orders")
}

func TestPlaceOrder_ConcurrentAllOrNothing(t *testing.T) {
	h := newHarness(t, 5, 0)

	errs := make([]error, 2)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = h.svc.PlaceOrder(buyer(int64(7+i)), PlaceRequest{Items: []inventory.Line{{ItemID: 1, Qty: 3}}})
		}(i)
	}
	close(start)
	wg.Wait()

	accepted := 0
	for _, err := range errs {
		if err == nil {
			accepted++
			continue
		}
		assert.ErrorIs(t, err, apperr.ErrInsufficientStock)
	}
	assert.Equal(t, 1, accepted, "exactly one of two qty 3 orders fits stock 5")
	assert.Equal(t, 2, h.counter(t, 1))
	assert.Len(t, h.pub.To(DestOrderCreate), 1)

	h.materializeAll(t)
	assert.Equal(t, 1, h.store.count())
	assert.Equal(t, 2, h.store.durable(1))
}

func TestPlaceOrder_BadRequests(t *testing.T) {
	h := newHarness(t, 5, 5)

	_, err := h.svc.PlaceOrder(context.Background(), PlaceRequest{Items: []inventory.Line{{ItemID: 1, Qty: 1}}})
	assert.ErrorIs(t, err, apperr.ErrBadRequest, "no buyer")

	_, err = h.svc.PlaceOrder(buyer(7), PlaceRequest{})
	assert.ErrorIs(t, err, apperr.ErrBadRequest)

	_, err = h.svc.PlaceOrder(buyer(7), PlaceRequest{Items: []inventory.Line{{ItemID: 1, Qty: 0}}})
	assert.ErrorIs(t, err, apperr.ErrBadRequest)

	assert.Empty(t, h.pub.All())
	assert.Equal(t, 5, h.counter(t, 1))
}

func TestPlaceOrder_MergesRepeatedItems(t *testing.T) {
	h := newHarness(t, 5, 5)

	id := h.place(t, 7, inventory.Line{ItemID: 2, Qty: 1}, inventory.Line{ItemID: 1, Qty: 1}, inventory.Line{ItemID: 2, Qty: 2})

	sent := h.pub.To(DestOrderCreate)
	require.Len(t, sent, 1)
	assert.True(t, sent[0].Confirm)
	assert.Equal(t, PartitionKey(id), sent[0].Env.CorrelationID)
	p, err := kafka.UnwrapPayload[OrderCreatePayload](sent[0].Env.Payload)
	require.NoError(t, err)
	assert.Equal(t, []inventory.Line{{ItemID: 1, Qty: 1}, {ItemID: 2, Qty: 3}}, p.Items)
	assert.Equal(t, int64(7), p.UserID)
	assert.Equal(t, 2, h.counter(t, 2))
}

func TestPlaceOrder_LockTimeout(t *testing.T) {
	h := newHarness(t, 5, 0)
	h.svc.opts.LockWait = 60 * time.Millisecond

	other := h.locker.NewLock(redisx.KeyOrderLock)
	ok, err := other.TryLock(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	defer func() { _ = other.Unlock(context.Background()) }()

	_, err = h.svc.PlaceOrder(buyer(7), PlaceRequest{Items: []inventory.Line{{ItemID: 1, Qty: 1}}})
	assert.ErrorIs(t, err, apperr.ErrLockTimeout)
	assert.Equal(t, 5, h.counter(t, 1))
	assert.Empty(t, h.pub.All())
}

func TestPlaceOrder_EnqueueFailureReleasesReservation(t *testing.T) {
	h := newHarness(t, 5, 0)
	h.pub.Err = errors.New("producer closed")

	_, err := h.svc.PlaceOrder(buyer(7), PlaceRequest{Items: []inventory.Line{{ItemID: 1, Qty: 2}}})
	assert.Error(t, err)
	assert.Equal(t, 5, h.counter(t, 1))
}

func TestPlaceOrder_UndeliveredCreateReleasesReservation(t *testing.T) {
	h := newHarness(t, 5, 0)
	w := &nackWriter{}
	p := kafka.NewProducer(w, 8, zaptest.NewLogger(t), h.metrics, kafka.WithRetryBackoff(time.Millisecond))
	gw := kafka.NewGateway(p, nil)
	gw.OnExhausted(DestOrderCreate, h.svc.ReleaseUndelivered)
	h.svc.pub = gw

	id := h.place(t, 7, inventory.Line{ItemID: 1, Qty: 3})
	p.Close()
	p.WaitClosed()

	assert.Equal(t, 4, w.attempts, "first attempt plus three retries")
	assert.Equal(t, 5, h.counter(t, 1), "reservation returned once confirms ran out")
	assert.Zero(t, h.store.count())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Materialized.WithLabelValues("undelivered")))

	released, err := h.stock.ReleaseOnce(context.Background(), id, []inventory.Line{{ItemID: 1, Qty: 3}})
	require.NoError(t, err)
	assert.False(t, released, "a late rejection cannot release it again")
	assert.Equal(t, 5, h.counter(t, 1))
}

func TestMaterialize_CreatesOrderAndFollowUps(t *testing.T) {
	h := newHarness(t, 5, 5)
	id := h.place(t, 7, inventory.Line{ItemID: 1, Qty: 2}, inventory.Line{ItemID: 2, Qty: 1})
	h.materializeAll(t)

	o, _ := h.store.Get(context.Background(), id)
	require.NotNil(t, o)
	assert.Equal(t, StatusUnpaid, o.Status)
	assert.Equal(t, int64(2*500+1200), o.TotalFee)
	ds, _ := h.store.Details(context.Background(), id)
	require.Len(t, ds, 2)
	assert.Equal(t, "calculus textbook", ds[0].Name)
	assert.Equal(t, 3, h.store.durable(1))

	carts := h.pub.To(DestCartClear)
	require.Len(t, carts, 1)
	cp, err := kafka.UnwrapPayload[CartClearPayload](carts[0].Env.Payload)
	require.NoError(t, err)
	assert.Equal(t, int64(7), cp.UserID)
	assert.ElementsMatch(t, []int64{1, 2}, cp.ItemIDs)

	timeouts := h.pub.To(DestOrderTimeout)
	require.Len(t, timeouts, 1)
	assert.Equal(t, 15*time.Minute, timeouts[0].Delay)
	tp, err := kafka.UnwrapPayload[OrderTimeoutPayload](timeouts[0].Env.Payload)
	require.NoError(t, err)
	assert.Equal(t, id, tp.OrderID)
}

func TestMaterialize_RedeliveryCreatesOneOrder(t *testing.T) {
	h := newHarness(t, 5, 0)
	h.place(t, 7, inventory.Line{ItemID: 1, Qty: 2})

	h.materializeAll(t)
	h.materializeAll(t)

	assert.Equal(t, 1, h.store.count())
	assert.Equal(t, 3, h.store.durable(1), "durable stock deducted once")
	assert.Len(t, h.pub.To(DestOrderTimeout), 2, "follow-ups are repeated")
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Materialized.WithLabelValues("duplicate")))
}

func TestMaterialize_UnknownItemReleasesOnce(t *testing.T) {
	h := newHarness(t, 5, 0)
	p := OrderCreatePayload{OrderID: 99, UserID: 7, Items: []inventory.Line{{ItemID: 3, Qty: 2}}}
	require.NoError(t, h.stock.Init(context.Background(), 3, 1))

	require.NoError(t, h.svc.Materialize(context.Background(), p))
	require.NoError(t, h.svc.Materialize(context.Background(), p))

	assert.Equal(t, 3, h.counter(t, 3), "released exactly once")
	assert.Zero(t, h.store.count())
	assert.Empty(t, h.pub.All(), "no message on rejection")
}

func TestMaterialize_DurableShortageRejects(t *testing.T) {
	h := newHarness(t, 5, 0)
	h.store.stock[1] = 1
	id := h.place(t, 7, inventory.Line{ItemID: 1, Qty: 2})
	h.pub.Reset()

	p := OrderCreatePayload{OrderID: id, UserID: 7, Items: []inventory.Line{{ItemID: 1, Qty: 2}}}
	require.NoError(t, h.svc.Materialize(context.Background(), p))

	assert.Zero(t, h.store.count())
	assert.Equal(t, 5, h.counter(t, 1))
	assert.Equal(t, 1, h.store.durable(1))
	assert.Empty(t, h.pub.All())
}

func TestMaterialize_MalformedIsDropped(t *testing.T) {
	h := newHarness(t, 5, 0)
	assert.NoError(t, h.svc.Materialize(context.Background(), OrderCreatePayload{OrderID: 1}))
	assert.Zero(t, h.store.count())
}

func TestHandlePaySuccess(t *testing.T) {
	h := newHarness(t, 5, 0)
	id := h.place(t, 7, inventory.Line{ItemID: 1, Qty: 1})
	h.materializeAll(t)
	ctx := context.Background()

	require.NoError(t, h.svc.HandlePaySuccess(ctx, id))
	require.NoError(t, h.svc.HandlePaySuccess(ctx, id))
	o, _ := h.store.Get(ctx, id)
	assert.Equal(t, StatusPaid, o.Status)
	assert.NotNil(t, o.PayTime)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Reconciled.WithLabelValues("pay_success", "paid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Reconciled.WithLabelValues("pay_success", "noop")))

	assert.NoError(t, h.svc.HandlePaySuccess(ctx, 12345), "unknown order is dropped")
}

func TestHandlePaySuccess_AfterCancelIsNoop(t *testing.T) {
	h := newHarness(t, 5, 0)
	id := h.place(t, 7, inventory.Line{ItemID: 1, Qty: 1})
	h.materializeAll(t)
	ctx := context.Background()

	require.NoError(t, h.svc.HandleTimeout(ctx, id))
	require.NoError(t, h.svc.HandlePaySuccess(ctx, id))

	o, _ := h.store.Get(ctx, id)
	assert.Equal(t, StatusCancelled, o.Status)
}

func TestHandleTimeout_LatePaymentMarksPaid(t *testing.T) {
	h := newHarness(t, 5, 0)
	id := h.place(t, 7, inventory.Line{ItemID: 1, Qty: 2})
	h.materializeAll(t)
	h.payments.byBiz[id] = &payment.PayOrder{BizOrderNo: id, Status: payment.StatusTradeSuccess}

	require.NoError(t, h.svc.HandleTimeout(context.Background(), id))

	o, _ := h.store.Get(context.Background(), id)
	assert.Equal(t, StatusPaid, o.Status)
	assert.Equal(t, 3, h.counter(t, 1), "stock stays sold")
	assert.Equal(t, 3, h.store.durable(1))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Reconciled.WithLabelValues("timeout", "paid")))
}

func TestHandleTimeout_UnpaidCancelsAndRestoresStock(t *testing.T) {
	h := newHarness(t, 5, 5)
	id := h.place(t, 7, inventory.Line{ItemID: 1, Qty: 2}, inventory.Line{ItemID: 2, Qty: 3})
	h.materializeAll(t)
	h.payments.byBiz[id] = &payment.PayOrder{BizOrderNo: id, Status: payment.StatusWaitBuyerPay}

	require.NoError(t, h.svc.HandleTimeout(context.Background(), id))
	require.NoError(t, h.svc.HandleTimeout(context.Background(), id))

	o, _ := h.store.Get(context.Background(), id)
	assert.Equal(t, StatusCancelled, o.Status)
	assert.NotNil(t, o.CloseTime)
	assert.Equal(t, 5, h.counter(t, 1))
	assert.Equal(t, 5, h.counter(t, 2))
	assert.Equal(t, 5, h.store.durable(1))
	assert.Equal(t, 5, h.store.durable(2))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Reconciled.WithLabelValues("timeout", "cancelled")))
}

func TestHandleTimeout_PaymentLandsDuringCancel(t *testing.T) {
	h := newHarness(t, 5, 0)
	id := h.place(t, 7, inventory.Line{ItemID: 1, Qty: 2})
	h.materializeAll(t)
	// the query still sees an open pay order, but it succeeds before the cancel takes its lock
	h.payments.byBiz[id] = &payment.PayOrder{BizOrderNo: id, Status: payment.StatusWaitBuyerPay}
	h.store.paidFirst[id] = true

	require.NoError(t, h.svc.HandleTimeout(context.Background(), id))

	o, _ := h.store.Get(context.Background(), id)
	assert.Equal(t, StatusPaid, o.Status)
	assert.Equal(t, 3, h.counter(t, 1), "stock stays sold")
	assert.Equal(t, 3, h.store.durable(1))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Reconciled.WithLabelValues("timeout", "paid")))
	assert.Zero(t, testutil.ToFloat64(h.metrics.Reconciled.WithLabelValues("timeout", "cancelled")))
}

func TestHandleTimeout_PaymentQueryFailureRetries(t *testing.T) {
	h := newHarness(t, 5, 0)
	id := h.place(t, 7, inventory.Line{ItemID: 1, Qty: 1})
	h.materializeAll(t)
	h.payments.failed = errors.New("connection refused")

	assert.Error(t, h.svc.HandleTimeout(context.Background(), id))
	o, _ := h.store.Get(context.Background(), id)
	assert.Equal(t, StatusUnpaid, o.Status)
}

func TestHandleTimeout_UnknownOrder(t *testing.T) {
	h := newHarness(t, 5, 0)
	assert.NoError(t, h.svc.HandleTimeout(context.Background(), 404))
}

func TestCancel(t *testing.T) {
	h := newHarness(t, 5, 0)
	id := h.place(t, 7, inventory.Line{ItemID: 1, Qty: 4})
	h.materializeAll(t)

	assert.ErrorIs(t, h.svc.Cancel(buyer(8), id), apperr.ErrNotFound, "other buyer")

	require.NoError(t, h.svc.Cancel(buyer(7), id))
	require.NoError(t, h.svc.Cancel(buyer(7), id), "repeat cancel")
	assert.Equal(t, 5, h.counter(t, 1))
	assert.Equal(t, 5, h.store.durable(1))

	h.pub.Reset()
	paid := h.place(t, 7, inventory.Line{ItemID: 1, Qty: 1})
	h.materializeAll(t)
	require.NoError(t, h.svc.MarkPaid(context.Background(), paid))
	assert.ErrorIs(t, h.svc.Cancel(buyer(7), paid), apperr.ErrBadRequest)
}

func TestCancel_LosesToSucceededPayment(t *testing.T) {
	h := newHarness(t, 5, 0)
	id := h.place(t, 7, inventory.Line{ItemID: 1, Qty: 2})
	h.materializeAll(t)
	h.store.paidFirst[id] = true

	assert.ErrorIs(t, h.svc.Cancel(buyer(7), id), apperr.ErrBadRequest)

	o, _ := h.store.Get(context.Background(), id)
	assert.Equal(t, StatusPaid, o.Status)
	assert.Equal(t, 3, h.counter(t, 1))
	assert.Equal(t, 3, h.store.durable(1))
}

func TestOrderUnpaidMatchesPaymentCheck(t *testing.T) {
	assert.EqualValues(t, StatusUnpaid, payment.OrderUnpaid)
}

func TestQueryOrder_CachedAndInvalidated(t *testing.T) {
	h := newHarness(t, 5, 0)
	id := h.place(t, 7, inventory.Line{ItemID: 1, Qty: 1})
	h.materializeAll(t)

	v, err := h.svc.QueryOrder(buyer(7), id)
	require.NoError(t, err)
	assert.Equal(t, StatusUnpaid, v.Status)
	require.Len(t, v.Details, 1)
	key := redisx.PrefixOrderCache + PartitionKey(id)
	assert.True(t, h.mr.Exists(key))

	_, err = h.svc.QueryOrder(buyer(8), id)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	require.NoError(t, h.svc.MarkPaid(context.Background(), id))
	assert.False(t, h.mr.Exists(key))
	v, err = h.svc.QueryOrder(buyer(7), id)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, v.Status)

	_, err = h.svc.QueryOrder(buyer(7), 404)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestPayableAmount(t *testing.T) {
	h := newHarness(t, 5, 0)
	id := h.place(t, 7, inventory.Line{ItemID: 1, Qty: 3})
	h.materializeAll(t)
	ctx := context.Background()

	amt, err := h.svc.PayableAmount(ctx, id, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), amt)

	_, err = h.svc.PayableAmount(ctx, id, 8)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	require.NoError(t, h.svc.MarkPaid(ctx, id))
	_, err = h.svc.PayableAmount(ctx, id, 7)
	assert.ErrorIs(t, err, apperr.ErrPaymentChannel)
}
