package inventory

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/ariefcatur/unitrade-orders/internal/redisx"
)

// Line is one requested item and its quantity.
type Line struct {
	ItemID int64 `json:"item_id"`
	Qty    int   `json:"qty"`
}

// Shortage describes the first line that could not be reserved.
type Shortage struct {
	ItemID    int64
	Required  int
	Available int
	Missing   bool // no counter for the item
}

// Checks every counter first and only then decrements, so a rejected request
// leaves all counters untouched.
// KEYS: stock keys, ARGV: quantities in the same order.
// Returns {1} or {0, index, available} or {-1, index}.
var reserveScript = redis.NewScript(`
for i = 1, #KEYS do
	local current = tonumber(redis.call('get', KEYS[i]))
	if current == nil then
		return {-1, i}
	end
	if current < tonumber(ARGV[i]) then
		return {0, i, current}
	end
end
for i = 1, #KEYS do
	redis.call('decrby', KEYS[i], ARGV[i])
end
return {1}
`)

// KEYS[1] dedup marker, KEYS[2..] stock keys. ARGV[1] marker ttl seconds,
// ARGV[2..] quantities.
var releaseOnceScript = redis.NewScript(`
if redis.call('set', KEYS[1], '1', 'NX', 'EX', ARGV[1]) == false then
	return 0
end
for i = 2, #KEYS do
	redis.call('incrby', KEYS[i], ARGV[i])
end
return 1
`)

// StockCache keeps per-item stock counters in Redis. The counters are a fast
// shadow of the durable stock column and never expire.
type StockCache struct {
	rdb redis.UniversalClient
}

func NewStockCache(rdb redis.UniversalClient) *StockCache {
	return &StockCache{rdb: rdb}
}

func stockKey(itemID int64) string { return fmt.Sprintf(redisx.KeyItemStock, itemID) }

// Init writes the counter for a newly published item.
func (s *StockCache) Init(ctx context.Context, itemID int64, stock int) error {
	return errors.Wrapf(s.rdb.Set(ctx, stockKey(itemID), stock, 0).Err(), "init stock %d", itemID)
}

// InitIfAbsent seeds a counter without overwriting one that live
// reservations already moved.
func (s *StockCache) InitIfAbsent(ctx context.Context, itemID int64, stock int) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, stockKey(itemID), stock, 0).Result()
	return ok, errors.Wrapf(err, "seed stock %d", itemID)
}

// Get returns the counter and whether it exists.
func (s *StockCache) Get(ctx context.Context, itemID int64) (int, bool, error) {
	n, err := s.rdb.Get(ctx, stockKey(itemID)).Int()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrapf(err, "get stock %d", itemID)
	}
	return n, true, nil
}

// ReserveAll decrements every line's counter, or none of them. A nil
// Shortage means the reservation was taken.
func (s *StockCache) ReserveAll(ctx context.Context, lines []Line) (*Shortage, error) {
	if len(lines) == 0 {
		return nil, nil
	}
	keys := make([]string, len(lines))
	args := make([]interface{}, len(lines))
	for i, l := range lines {
		keys[i] = stockKey(l.ItemID)
		args[i] = strconv.Itoa(l.Qty)
	}

	res, err := reserveScript.Run(ctx, s.rdb, keys, args...).Int64Slice()
	if err != nil {
		return nil, errors.Wrap(err, "reserve stock")
	}
	switch res[0] {
	case 1:
		return nil, nil
	case -1:
		l := lines[res[1]-1]
		return &Shortage{ItemID: l.ItemID, Required: l.Qty, Missing: true}, nil
	default:
		l := lines[res[1]-1]
		return &Shortage{ItemID: l.ItemID, Required: l.Qty, Available: int(res[2])}, nil
	}
}

// Release gives reserved units back to the counters.
func (s *StockCache) Release(ctx context.Context, lines []Line) error {
	if len(lines) == 0 {
		return nil
	}
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, l := range lines {
			p.IncrBy(ctx, stockKey(l.ItemID), int64(l.Qty))
		}
		return nil
	})
	return errors.Wrap(err, "release stock")
}

// ReleaseOnce gives back the soft reservation of a rejected or undelivered order. Repeated
// calls for the same order are no-ops and report false.
func (s *StockCache) ReleaseOnce(ctx context.Context, orderID int64, lines []Line) (bool, error) {
	keys := make([]string, 0, len(lines)+1)
	args := make([]interface{}, 0, len(lines)+1)
	keys = append(keys, fmt.Sprintf(redisx.KeyCompensated, orderID))
	args = append(args, int64(redisx.TTLCompensated.Seconds()))
	for _, l := range lines {
		keys = append(keys, stockKey(l.ItemID))
		args = append(args, strconv.Itoa(l.Qty))
	}

	n, err := releaseOnceScript.Run(ctx, s.rdb, keys, args...).Int64()
	if err != nil {
		return false, errors.Wrapf(err, "compensate order %d", orderID)
	}
	return n == 1, nil
}
