package redisx

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ariefcatur/unitrade-orders/internal/apperr"
)

// The lock is a hash {owner token: hold count} so the same owner can re-enter.
// KEYS[1] lock key, ARGV[1] owner token, ARGV[2] lease ms.
var (
	acquireScript = redis.NewScript(`
if redis.call('exists', KEYS[1]) == 0 or redis.call('hexists', KEYS[1], ARGV[1]) == 1 then
	redis.call('hincrby', KEYS[1], ARGV[1], 1)
	redis.call('pexpire', KEYS[1], ARGV[2])
	return 1
end
return 0
`)

	releaseScript = redis.NewScript(`
if redis.call('hexists', KEYS[1], ARGV[1]) == 0 then
	return -1
end
local n = redis.call('hincrby', KEYS[1], ARGV[1], -1)
if n > 0 then
	redis.call('pexpire', KEYS[1], ARGV[2])
	return n
end
redis.call('del', KEYS[1])
return 0
`)

	renewScript = redis.NewScript(`
if redis.call('hexists', KEYS[1], ARGV[1]) == 1 then
	redis.call('pexpire', KEYS[1], ARGV[2])
	return 1
end
return 0
`)
)

// Locker hands out lease-based distributed locks. A held lock is renewed in
// the background every lease/3 until released, so a crashed holder frees the
// key after one lease while long critical sections keep it.
type Locker struct {
	rdb   redis.UniversalClient
	lease time.Duration
	retry time.Duration
	log   *zap.Logger
}

type LockerOption func(*Locker)

func WithLease(d time.Duration) LockerOption {
	return func(l *Locker) { l.lease = d }
}

// WithRetryInterval sets how often a blocking acquire polls the key.
func WithRetryInterval(d time.Duration) LockerOption {
	return func(l *Locker) { l.retry = d }
}

func NewLocker(rdb redis.UniversalClient, log *zap.Logger, opts ...LockerOption) *Locker {
	l := &Locker{rdb: rdb, lease: LockLease, retry: 20 * time.Millisecond, log: log}
	for _, o := range opts {
		o(l)
	}
	if l.log == nil {
		l.log = zap.NewNop()
	}
	return l
}

// NewLock returns a handle owned by the caller. Re-entry is per handle.
func (l *Locker) NewLock(key string) *Lock {
	return &Lock{locker: l, key: key, token: uuid.NewString()}
}

type Lock struct {
	locker *Locker
	key    string
	token  string

	mu        sync.Mutex
	holds     int
	stopRenew context.CancelFunc
	renewDone chan struct{}
}

// TryLock makes a single non-blocking attempt.
func (lk *Lock) TryLock(ctx context.Context) (bool, error) {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	n, err := acquireScript.Run(ctx, lk.locker.rdb, []string{lk.key}, lk.token, lk.leaseMillis()).Int64()
	if err != nil {
		return false, errors.Wrapf(err, "acquire lock %s", lk.key)
	}
	if n == 0 {
		return false, nil
	}
	lk.holds++
	if lk.holds == 1 {
		lk.startWatchdog()
	}
	return true, nil
}

// Lock retries until the lock is held or wait elapses. A timeout is reported
// as (false, nil); only store failures and ctx cancellation are errors.
func (lk *Lock) Lock(ctx context.Context, wait time.Duration) (bool, error) {
	deadline := time.Now().Add(wait)
	for {
		ok, err := lk.TryLock(ctx)
		if err != nil || ok {
			return ok, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false, nil
		}
		t := time.NewTimer(min(lk.locker.retry, remaining))
		select {
		case <-ctx.Done():
			t.Stop()
			return false, ctx.Err()
		case <-t.C:
		}
	}
}

// Unlock drops one hold. Releasing a lock that is not held returns
// apperr.ErrLockNotHeld.
func (lk *Lock) Unlock(ctx context.Context) error {
	lk.mu.Lock()
	defer lk.mu.Unlock()

	if lk.holds == 0 {
		return errors.Wrapf(apperr.ErrLockNotHeld, "unlock %s", lk.key)
	}
	n, err := releaseScript.Run(ctx, lk.locker.rdb, []string{lk.key}, lk.token, lk.leaseMillis()).Int64()
	if err != nil {
		return errors.Wrapf(err, "release lock %s", lk.key)
	}
	if n < 0 {
		// lease expired under us
		lk.holds = 0
		lk.stopWatchdog()
		return errors.Wrapf(apperr.ErrLockNotHeld, "lease of %s already expired", lk.key)
	}
	lk.holds--
	if lk.holds == 0 {
		lk.stopWatchdog()
	}
	return nil
}

// Held reports whether this handle believes it owns the lock.
func (lk *Lock) Held() bool {
	lk.mu.Lock()
	defer lk.mu.Unlock()
	return lk.holds > 0
}

func (lk *Lock) leaseMillis() int64 { return lk.locker.lease.Milliseconds() }

func (lk *Lock) startWatchdog() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lk.stopRenew, lk.renewDone = cancel, done

	interval := lk.locker.lease / 3
	rdb, key, token, lease := lk.locker.rdb, lk.key, lk.token, lk.leaseMillis()
	log := lk.locker.log.With(zap.String("lock", key))

	go func() {
		defer close(done)
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				rctx, rcancel := context.WithTimeout(ctx, interval)
				n, err := renewScript.Run(rctx, rdb, []string{key}, token, lease).Int64()
				rcancel()
				if ctx.Err() != nil {
					return
				}
				if err != nil {
					log.Warn("lock_renew_failed", zap.Error(err))
					continue
				}
				if n == 0 {
					log.Warn("lock_lease_lost")
					return
				}
			}
		}
	}()
}

func (lk *Lock) stopWatchdog() {
	if lk.stopRenew == nil {
		return
	}
	lk.stopRenew()
	<-lk.renewDone
	lk.stopRenew, lk.renewDone = nil, nil
}
