package payment

import "github.com/ariefcatur/unitrade-orders/internal/kafka"

const EventPaySuccess = "PaySuccess"

var DestPaySuccess = kafka.Destination{Exchange: "pay.direct", RoutingKey: "pay.success"}

type PaySuccessPayload struct {
	OrderID    int64 `json:"order_id"`
	PayOrderID int64 `json:"pay_order_id"`
}
