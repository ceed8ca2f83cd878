package orders

import (
	"time"

	"github.com/ariefcatur/unitrade-orders/internal/inventory"
)

type Order struct {
	ID          int64      `json:"id"`
	UserID      int64      `json:"user_id"`
	TotalFee    int64      `json:"total_fee"` // minor units
	PaymentType int        `json:"payment_type"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	PayTime     *time.Time `json:"pay_time,omitempty"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	CloseTime   *time.Time `json:"close_time,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Detail is a line of an order with the item snapshot taken at purchase.
type Detail struct {
	OrderID int64  `json:"order_id"`
	ItemID  int64  `json:"item_id"`
	Num     int    `json:"num"`
	Name    string `json:"name"`
	Spec    string `json:"spec,omitempty"`
	Image   string `json:"image,omitempty"`
	Price   int64  `json:"price"`
}

// View is what buyers see when they query an order.
type View struct {
	Order
	Details []Detail `json:"details"`
}

func linesOf(details []Detail) []inventory.Line {
	out := make([]inventory.Line, len(details))
	for i, d := range details {
		out[i] = inventory.Line{ItemID: d.ItemID, Qty: d.Num}
	}
	return out
}
