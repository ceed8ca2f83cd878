package httpx

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ariefcatur/unitrade-orders/internal/payment"
)

type PaymentService interface {
	ApplyPayOrder(ctx context.Context, req payment.ApplyRequest) (*payment.PayOrder, error)
	PayByBalance(ctx context.Context, payOrderID int64) error
}

type PaymentsHandler struct {
	Payments PaymentService
}

type applyPayOrderResp struct {
	PayOrderID int64          `json:"pay_order_id,string"`
	Amount     int64          `json:"amount"`
	Status     payment.Status `json:"status"`
}

func (h *PaymentsHandler) Register(r chi.Router) {
	r.Post("/pay-orders", h.apply)
	r.Post("/pay-orders/{id}/balance", h.payByBalance)
}

func (h *PaymentsHandler) apply(w http.ResponseWriter, r *http.Request) {
	var req payment.ApplyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	po, err := h.Payments.ApplyPayOrder(ctx, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, applyPayOrderResp{PayOrderID: po.ID, Amount: po.Amount, Status: po.Status})
}

func (h *PaymentsHandler) payByBalance(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := h.Payments.PayByBalance(ctx, id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
