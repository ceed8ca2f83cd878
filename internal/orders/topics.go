package orders

import (
	"strconv"

	"github.com/ariefcatur/unitrade-orders/internal/kafka"
)

var (
	DestOrderCreate  = kafka.Destination{Exchange: "order.direct", RoutingKey: "order.success"}
	DestCartClear    = kafka.Destination{Exchange: "order.topic", RoutingKey: "order.create"}
	DestOrderTimeout = kafka.Destination{Exchange: "trade.delay.direct", RoutingKey: "delay.order.query"}
)

// PartitionKey keeps every event of one order on one partition.
func PartitionKey(orderID int64) string { return strconv.FormatInt(orderID, 10) }
