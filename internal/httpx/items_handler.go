package httpx

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ariefcatur/unitrade-orders/internal/catalog"
)

type ItemService interface {
	QueryItem(ctx context.Context, id int64) (*catalog.Item, error)
}

type ItemsHandler struct {
	Items ItemService
}

func (h *ItemsHandler) Register(r chi.Router) {
	r.Get("/items/{id}", h.getItem)
}

func (h *ItemsHandler) getItem(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	it, err := h.Items.QueryItem(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}
