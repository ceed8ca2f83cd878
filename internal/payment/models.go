package payment

import "time"

type Status int

const (
	StatusNotCommit    Status = 0
	StatusWaitBuyerPay Status = 1
	StatusTradeClosed  Status = 2
	StatusTradeSuccess Status = 3
)

func (s Status) String() string {
	switch s {
	case StatusNotCommit:
		return "NOT_COMMIT"
	case StatusWaitBuyerPay:
		return "WAIT_BUYER_PAY"
	case StatusTradeClosed:
		return "TRADE_CLOSED"
	case StatusTradeSuccess:
		return "TRADE_SUCCESS"
	default:
		return "UNKNOWN"
	}
}

// Open reports whether the pay order can still succeed.
func (s Status) Open() bool { return s == StatusNotCommit || s == StatusWaitBuyerPay }

const (
	ChannelWxPay   = "wxPay"
	ChannelAliPay  = "aliPay"
	ChannelBalance = "balance"
)

func ValidChannel(c string) bool {
	return c == ChannelWxPay || c == ChannelAliPay || c == ChannelBalance
}

// PayType mirrors how the buyer pays on the channel.
type PayType int

const (
	PayTypeJSAPI   PayType = 1
	PayTypeMiniApp PayType = 2
	PayTypeApp     PayType = 3
	PayTypeNative  PayType = 4
	PayTypeBalance PayType = 5
)

// Overtime is how long a pay order stays payable.
const Overtime = 120 * time.Minute

type PayOrder struct {
	ID             int64      `json:"id"`
	BizOrderNo     int64      `json:"biz_order_no"`
	BizUserID      int64      `json:"biz_user_id"`
	Amount         int64      `json:"amount"`
	Channel        string     `json:"channel"`
	PayType        PayType    `json:"pay_type"`
	Status         Status     `json:"status"`
	PayOverTime    time.Time  `json:"pay_over_time"`
	PaySuccessTime *time.Time `json:"pay_success_time,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}
