package cluster

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisKV backs the cluster map with Redis strings.
type RedisKV struct {
	rdb redis.Cmdable
}

func NewRedisKV(rdb redis.Cmdable) *RedisKV {
	return &RedisKV{rdb: rdb}
}

func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := r.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

func (r *RedisKV) Put(ctx context.Context, key string, value []byte) error {
	return r.rdb.Set(ctx, key, value, 0).Err()
}

func (r *RedisKV) Delete(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, key).Err()
}

// redisUnlock releases the lock only when the stored token is still ours,
// so an expired-and-reacquired lock is never released by the old holder.
const redisUnlock = `if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

const (
	lockKeyPrefix     = "lock."
	lockRetryInterval = 100 * time.Millisecond
)

// RedisLocker implements Locker with SET NX leases. A held lock is renewed
// in the background; a holder that dies stops renewing and the lease
// expires, which is the cross-node failover path.
type RedisLocker struct {
	rdb    redis.Cmdable
	lease  time.Duration
	logger *slog.Logger
}

func NewRedisLocker(rdb redis.Cmdable, lease time.Duration, logger *slog.Logger) *RedisLocker {
	if lease <= 0 {
		lease = 30 * time.Second
	}
	return &RedisLocker{
		rdb:    rdb,
		lease:  lease,
		logger: logger.With("component", "redis-locker"),
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, name string, timeout time.Duration) (Lease, error) {
	key := lockKeyPrefix + name
	token := uuid.NewString()
	deadline := time.Now().Add(timeout)

	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.lease).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return l.hold(key, token), nil
		}
		if time.Now().Add(lockRetryInterval).After(deadline) {
			return nil, ErrLockTimeout
		}
		select {
		case <-time.After(lockRetryInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// hold keeps the lease alive until release is called. A failed renewal
// closes the lease's Lost channel: the key will expire and another node
// may acquire it, so the holder must stand down.
func (l *RedisLocker) hold(key, token string) *redisLease {
	lease := &redisLease{
		locker: l,
		key:    key,
		token:  token,
		lost:   make(chan struct{}),
		stop:   make(chan struct{}),
	}
	go func() {
		t := time.NewTicker(l.lease / 3)
		defer t.Stop()
		for {
			select {
			case <-lease.stop:
				return
			case <-t.C:
				ok, err := l.rdb.Expire(context.Background(), key, l.lease).Result()
				if err != nil || !ok {
					l.logger.Warn("lock lease renewal failed", "key", key, "err", err)
					close(lease.lost)
					return
				}
			}
		}
	}()
	return lease
}

type redisLease struct {
	locker *RedisLocker
	key    string
	token  string
	lost   chan struct{}
	stop   chan struct{}
	once   sync.Once
}

func (l *redisLease) Release() {
	l.once.Do(func() {
		close(l.stop)
		if err := l.locker.rdb.Eval(context.Background(), redisUnlock, []string{l.key}, l.token).Err(); err != nil {
			l.locker.logger.Warn("lock release failed", "key", l.key, "err", err)
		}
	})
}

func (l *redisLease) Lost() <-chan struct{} { return l.lost }
