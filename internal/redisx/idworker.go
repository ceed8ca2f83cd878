package redisx

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	idEpoch   int64 = 1640995200 // 2022-01-01T00:00:00Z
	countBits       = 32
)

// IDWorker issues ids of the form (seconds since idEpoch) << 32 | daily counter.
// The counter lives in Redis under one key per namespace and UTC day, which
// keeps it far below 2^32 and the ids roughly time ordered.
type IDWorker struct {
	rdb redis.Cmdable
	now func() time.Time
}

func NewIDWorker(rdb redis.Cmdable) *IDWorker {
	return &IDWorker{rdb: rdb, now: time.Now}
}

func (w *IDWorker) NextID(ctx context.Context, namespace string) (int64, error) {
	now := w.now().UTC()
	ts := now.Unix() - idEpoch

	key := fmt.Sprintf(KeyIncrID, namespace, now.Format("20060102"))
	n, err := w.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, errors.Wrapf(err, "incr %s", key)
	}
	if n >= 1<<countBits {
		return 0, errors.Errorf("id counter %s exhausted", key)
	}
	return ts<<countBits | n, nil
}
