package orders

import "github.com/ariefcatur/unitrade-orders/internal/inventory"

const (
	EventOrderCreate  = "OrderCreate"
	EventCartClear    = "CartClear"
	EventOrderTimeout = "OrderTimeout"
)

// OrderCreatePayload is emitted once stock is soft-reserved. Prices are not
// carried; materialization reads them from the item store.
type OrderCreatePayload struct {
	OrderID     int64            `json:"order_id"`
	UserID      int64            `json:"user_id"`
	Items       []inventory.Line `json:"items"`
	PaymentType int              `json:"payment_type"`
}

type CartClearPayload struct {
	UserID  int64   `json:"user_id"`
	ItemIDs []int64 `json:"item_ids"`
}

type OrderTimeoutPayload struct {
	OrderID int64 `json:"order_id"`
}
