package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ariefcatur/unitrade-orders/internal/metrics"
	"github.com/ariefcatur/unitrade-orders/internal/redisx"
)

// nullValue is written on a source miss so repeated lookups of a missing key
// stop at the cache.
const nullValue = ""

const rebuildTimeout = 5 * time.Second

// Loader reads the authoritative value. A nil value with a nil error means
// the source has no such record.
type Loader[ID any, T any] func(ctx context.Context, id ID) (*T, error)

// entry is the logical-expiration wrapper. Its key never carries a TTL.
type entry struct {
	ExpireAt time.Time       `json:"expire_at"`
	Data     json.RawMessage `json:"data"`
}

type Client struct {
	rdb     redis.UniversalClient
	locker  *redisx.Locker
	cb      *gobreaker.CircuitBreaker
	sf      singleflight.Group
	log     *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
	jobs   chan func()
	wg     sync.WaitGroup
}

// New starts `workers` background rebuilders. Close stops them.
func New(rdb redis.UniversalClient, locker *redisx.Locker, log *zap.Logger, m *metrics.Metrics, workers int) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if workers <= 0 {
		workers = 1
	}
	c := &Client{
		rdb:     rdb,
		locker:  locker,
		log:     log,
		metrics: m,
		now:     time.Now,
		jobs:    make(chan func(), workers*4),
	}
	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "redis-cache",
		MaxRequests: 1,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("cache_breaker_state", zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})

	for i := 0; i < workers; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			for job := range c.jobs {
				job()
			}
		}()
	}
	return c
}

// Close waits for queued rebuilds to finish.
func (c *Client) Close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.jobs)
	}
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Client) Set(ctx context.Context, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "marshal %s", key)
	}
	return errors.Wrapf(c.rdb.Set(ctx, key, b, ttl).Err(), "set %s", key)
}

// SetWithLogicalExpire stores v without a physical TTL; readers treat it as
// stale once ttl has passed.
func (c *Client) SetWithLogicalExpire(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "marshal %s", key)
	}
	b, err := json.Marshal(entry{ExpireAt: c.now().Add(ttl), Data: data})
	if err != nil {
		return errors.Wrapf(err, "marshal %s", key)
	}
	return errors.Wrapf(c.rdb.Set(ctx, key, b, 0).Err(), "set %s", key)
}

func (c *Client) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return errors.Wrap(c.rdb.Del(ctx, keys...).Err(), "delete cache keys")
}

// get reads key through the breaker. An open breaker or a store error is
// returned as err so callers can go straight to the source.
func (c *Client) get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.cb.Execute(func() (interface{}, error) {
		res, err := c.rdb.Get(ctx, key).Result()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return res, nil
	})
	if err != nil {
		return "", false, err
	}
	if val == nil {
		return "", false, nil
	}
	return val.(string), true, nil
}

func (c *Client) submit(job func()) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}
	select {
	case c.jobs <- job:
		return true
	default:
		return false
	}
}

func cacheKey(prefix string, id any) string { return prefix + fmt.Sprint(id) }

// QueryWithPassThrough is cache-aside with null caching. Concurrent misses on
// the same key share one source read.
func QueryWithPassThrough[ID any, T any](ctx context.Context, c *Client, keyPrefix string, id ID, load Loader[ID, T], ttl time.Duration) (*T, error) {
	key := cacheKey(keyPrefix, id)
	log := c.log.With(zap.String("key", key))

	raw, hit, err := c.get(ctx, key)
	cacheUp := err == nil
	if err != nil {
		log.Warn("cache_get_failed", zap.Error(err))
	}
	if hit {
		if raw == nullValue {
			return nil, nil
		}
		var v T
		derr := json.Unmarshal([]byte(raw), &v)
		if derr == nil {
			return &v, nil
		}
		log.Warn("cache_decode_failed", zap.Error(derr))
	}

	res, err, _ := c.sf.Do(key, func() (interface{}, error) {
		v, err := load(ctx, id)
		if err != nil {
			return nil, err
		}
		if !cacheUp {
			return v, nil
		}
		if v == nil {
			if err := c.rdb.Set(ctx, key, nullValue, redisx.TTLNullValue).Err(); err != nil {
				log.Warn("cache_set_null_failed", zap.Error(err))
			}
			return v, nil
		}
		if err := c.Set(ctx, key, v, ttl); err != nil {
			log.Warn("cache_set_failed", zap.Error(err))
		}
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*T), nil
}

// QueryWithLogicalExpire serves hot keys. An expired entry is returned as is
// while exactly one caller, holding the per-key lock, schedules a background
// rebuild. A cold key is loaded synchronously and stored with logical expiry.
func QueryWithLogicalExpire[ID any, T any](ctx context.Context, c *Client, keyPrefix, lockPrefix string, id ID, load Loader[ID, T], ttl time.Duration) (*T, error) {
	key := cacheKey(keyPrefix, id)
	log := c.log.With(zap.String("key", key))

	raw, hit, err := c.get(ctx, key)
	if err != nil {
		log.Warn("cache_get_failed", zap.Error(err))
		return load(ctx, id)
	}
	if hit && raw == nullValue {
		return nil, nil
	}
	var (
		e     entry
		stale T
	)
	if !hit || decodeEntry(raw, &e, &stale) != nil {
		return loadLogical(ctx, c, key, id, load, ttl)
	}
	if c.now().Before(e.ExpireAt) {
		return &stale, nil
	}

	lk := c.locker.NewLock(cacheKey(lockPrefix, id))
	ok, err := lk.TryLock(ctx)
	if err != nil {
		log.Warn("cache_rebuild_lock_failed", zap.Error(err))
		return &stale, nil
	}
	if !ok {
		return &stale, nil
	}

	// another caller may have rebuilt between our read and the lock
	if raw2, hit2, err := c.get(ctx, key); err == nil && hit2 {
		var (
			e2    entry
			fresh T
		)
		if decodeEntry(raw2, &e2, &fresh) == nil && c.now().Before(e2.ExpireAt) {
			unlock(ctx, lk, log)
			return &fresh, nil
		}
	}

	rctx := context.WithoutCancel(ctx)
	job := func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("cache_rebuild_panic", zap.Any("panic", r))
				c.metrics.CacheRebuilt("error")
			}
			unlock(rctx, lk, log)
		}()
		jctx, cancel := context.WithTimeout(rctx, rebuildTimeout)
		defer cancel()

		v, err := load(jctx, id)
		if err != nil {
			log.Error("cache_rebuild_failed", zap.Error(err))
			c.metrics.CacheRebuilt("error")
			return
		}
		if v == nil {
			if err := c.rdb.Set(jctx, key, nullValue, redisx.TTLNullValue).Err(); err != nil {
				log.Warn("cache_set_null_failed", zap.Error(err))
			}
			c.metrics.CacheRebuilt("missing")
			return
		}
		if err := c.SetWithLogicalExpire(jctx, key, v, ttl); err != nil {
			log.Error("cache_rebuild_failed", zap.Error(err))
			c.metrics.CacheRebuilt("error")
			return
		}
		c.metrics.CacheRebuilt("ok")
	}
	if !c.submit(job) {
		log.Warn("cache_rebuild_rejected")
		c.metrics.CacheRebuilt("rejected")
		unlock(ctx, lk, log)
	}
	return &stale, nil
}

func loadLogical[ID any, T any](ctx context.Context, c *Client, key string, id ID, load Loader[ID, T], ttl time.Duration) (*T, error) {
	res, err, _ := c.sf.Do(key, func() (interface{}, error) {
		v, err := load(ctx, id)
		if err != nil {
			return nil, err
		}
		if v == nil {
			err = c.rdb.Set(ctx, key, nullValue, redisx.TTLNullValue).Err()
		} else {
			err = c.SetWithLogicalExpire(ctx, key, v, ttl)
		}
		if err != nil {
			c.log.Warn("cache_set_failed", zap.String("key", key), zap.Error(err))
		}
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return res.(*T), nil
}

func decodeEntry(raw string, e *entry, v any) error {
	if err := json.Unmarshal([]byte(raw), e); err != nil {
		return err
	}
	return json.Unmarshal(e.Data, v)
}

func unlock(ctx context.Context, lk *redisx.Lock, log *zap.Logger) {
	if err := lk.Unlock(ctx); err != nil {
		log.Warn("cache_rebuild_unlock_failed", zap.Error(err))
	}
}
