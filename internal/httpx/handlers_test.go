package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ariefcatur/unitrade-orders/internal/apperr"
	"github.com/ariefcatur/unitrade-orders/internal/catalog"
	"github.com/ariefcatur/unitrade-orders/internal/orders"
	"github.com/ariefcatur/unitrade-orders/internal/payment"
	"github.com/ariefcatur/unitrade-orders/internal/session"
)

type fakeOrders struct {
	placeErr error
	placed   orders.PlaceRequest
	buyer    int64
	views    map[int64]*orders.View
}

func (f *fakeOrders) PlaceOrder(ctx context.Context, req orders.PlaceRequest) (int64, error) {
	uid, ok := session.UserID(ctx)
	if !ok {
		return 0, errors.Wrap(apperr.ErrBadRequest, "buyer required")
	}
	if f.placeErr != nil {
		return 0, f.placeErr
	}
	f.buyer, f.placed = uid, req
	return 9007199254740993, nil
}

func (f *fakeOrders) QueryOrder(_ context.Context, id int64) (*orders.View, error) {
	v, ok := f.views[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return v, nil
}

func (f *fakeOrders) Cancel(_ context.Context, id int64) error {
	if _, ok := f.views[id]; !ok {
		return apperr.ErrNotFound
	}
	return nil
}

type fakePayments struct{ payErr error }

func (f *fakePayments) ApplyPayOrder(_ context.Context, req payment.ApplyRequest) (*payment.PayOrder, error) {
	return &payment.PayOrder{ID: 77, BizOrderNo: req.BizOrderNo, Amount: 2500, Status: payment.StatusWaitBuyerPay}, nil
}

func (f *fakePayments) PayByBalance(context.Context, int64) error { return f.payErr }

type fakeItems struct{}

func (fakeItems) QueryItem(_ context.Context, id int64) (*catalog.Item, error) {
	if id != 1 {
		return nil, apperr.ErrNotFound
	}
	return &catalog.Item{ID: 1, Name: "bicycle", Price: 15000}, nil
}

func newServer(t *testing.T) (*httptest.Server, *fakeOrders, *fakePayments) {
	t.Helper()
	o := &fakeOrders{views: map[int64]*orders.View{5: {Order: orders.Order{ID: 5, UserID: 7, Status: orders.StatusUnpaid}}}}
	p := &fakePayments{}
	r := NewRouter(zaptest.NewLogger(t), prometheus.NewRegistry())
	(&OrdersHandler{Orders: o}).Register(r)
	(&PaymentsHandler{Payments: p}).Register(r)
	(&ItemsHandler{Items: fakeItems{}}).Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, o, p
}

func do(t *testing.T, srv *httptest.Server, method, path, body string, userID string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if userID != "" {
		req.Header.Set(session.HeaderUserID, userID)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestPlaceOrder_Accepted(t *testing.T) {
	srv, o, _ := newServer(t)

	resp := do(t, srv, http.MethodPost, "/orders", `{"items":[{"item_id":1,"qty":2}],"payment_type":3}`, "7")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "9007199254740993", body["order_id"], "ids are strings to survive JSON numbers")
	assert.Equal(t, int64(7), o.buyer)
	assert.Equal(t, 3, o.placed.PaymentType)
}

func TestPlaceOrder_ErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
		kind string
	}{
		{"stock", errors.Wrap(apperr.ErrInsufficientStock, "item 1"), http.StatusConflict, "insufficient_stock"},
		{"lock", apperr.ErrLockTimeout, http.StatusServiceUnavailable, "lock_timeout"},
		{"internal", errors.New("redis: connection refused"), http.StatusInternalServerError, "internal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, o, _ := newServer(t)
			o.placeErr = tc.err

			resp := do(t, srv, http.MethodPost, "/orders", `{"items":[{"item_id":1,"qty":1}]}`, "7")
			assert.Equal(t, tc.code, resp.StatusCode)
			var body errorResp
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, tc.kind, body.Kind)
			if tc.code == http.StatusInternalServerError {
				assert.Equal(t, "internal error", body.Error)
			}
		})
	}
}

func TestPlaceOrder_BadInput(t *testing.T) {
	srv, _, _ := newServer(t)

	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPost, "/orders", `{`, "7").StatusCode)
	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPost, "/orders", `{"items":[]}`, "").StatusCode, "no buyer")
	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPost, "/orders", `{"items":[]}`, "abc").StatusCode)
}

func TestGetAndCancelOrder(t *testing.T) {
	srv, _, _ := newServer(t)

	resp := do(t, srv, http.MethodGet, "/orders/5", "", "7")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var v orders.View
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	assert.Equal(t, orders.StatusUnpaid, v.Status)

	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, "/orders/6", "", "7").StatusCode)
	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodGet, "/orders/x", "", "7").StatusCode)
	assert.Equal(t, http.StatusNoContent, do(t, srv, http.MethodPost, "/orders/5/cancel", "", "7").StatusCode)
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodPost, "/orders/6/cancel", "", "7").StatusCode)
}

func TestPayOrders(t *testing.T) {
	srv, _, p := newServer(t)

	resp := do(t, srv, http.MethodPost, "/pay-orders", `{"biz_order_no":5,"channel":"balance","pay_type":5}`, "7")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		PayOrderID string `json:"pay_order_id"`
		Amount     int64  `json:"amount"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "77", body.PayOrderID)
	assert.Equal(t, int64(2500), body.Amount)

	assert.Equal(t, http.StatusNoContent, do(t, srv, http.MethodPost, "/pay-orders/77/balance", "", "7").StatusCode)
	p.payErr = errors.Wrap(apperr.ErrPaymentChannel, "insufficient balance")
	assert.Equal(t, http.StatusPaymentRequired, do(t, srv, http.MethodPost, "/pay-orders/77/balance", "", "7").StatusCode)
}

func TestGetItem(t *testing.T) {
	srv, _, _ := newServer(t)
	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/items/1", "", "").StatusCode)
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, "/items/2", "", "").StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	srv, _, _ := newServer(t)
	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/healthz", "", "").StatusCode)
	assert.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/metrics", "", "").StatusCode)
}
