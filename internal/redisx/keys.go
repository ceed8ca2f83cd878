package redisx

import "time"

const (
	// Hot item cache with logical expiry: cache:item:{item_id} -> {"expire_at":..., "data":{...}}
	PrefixItemCache = "cache:item:"
	// Rebuild mutex per hot item: lock:item:{item_id}
	PrefixItemLock = "lock:item:"

	// Order view cache (pass-through): cache:order:{order_id}
	PrefixOrderCache = "cache:order:"

	// Cart cache per buyer: cache:cart:{user_id}
	KeyCartCache = "cache:cart:%d"

	// Stock counter, no expiry: item:stock:{item_id} -> int
	KeyItemStock = "item:stock:%d"

	// Single placement lock shared by every order request.
	KeyOrderLock = "lock:order"

	// Per-day id counter: icr:{namespace}:{yyyyMMdd}
	KeyIncrID = "icr:%s:%s"

	// Delayed messages: zset member=json, score=due unix ms
	KeyDelayQueue = "mq:delay"

	// Marks a rejected order whose soft reservation was already given back.
	KeyCompensated = "dedup:order:compensated:%d"
)

var (
	TTLNullValue   = 2 * time.Minute
	TTLItemCache   = 30 * time.Minute
	TTLOrderCache  = 5 * time.Minute
	TTLCompensated = 48 * time.Hour
	LockLease      = 30 * time.Second
)
