package permission

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"callbridge/pkg/logger"
	"callbridge/pkg/utils"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker serializes the throttle-check, send, record sequence per
// (recipient, account). Lock blocks until the key is free or ctx is done.
// The returned unlock func is safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

func lockKey(recipient, accountID string) string {
	return "permission:" + accountID + ":" + recipient
}

// KeyedMutex is an in-process Locker. It is only correct when a single
// replica serves consent requests; use RedisLocker otherwise.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	sem  chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedLock)}
}

func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{sem: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		k.release(key, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.sem
			k.release(key, l)
		})
	}, nil
}

func (k *KeyedMutex) release(key string, l *keyedLock) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

// RedisLocker is a cross-replica Locker built on SET NX PX with an owner
// token. While held, the lease is refreshed every TTL/3 so a send that
// outlives one TTL keeps the lock. A crashed holder frees the key within TTL.
type RedisLocker struct {
	rdb *redis.Client
	log *slog.Logger

	TTL        time.Duration
	RetryEvery time.Duration
}

// DefaultLockTTL is used when NewRedisLocker gets a non-positive ttl.
const DefaultLockTTL = 30 * time.Second

func NewRedisLocker(rdb *redis.Client, log *slog.Logger, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &RedisLocker{
		rdb:        rdb,
		log:        logger.OrDefault(log),
		TTL:        ttl,
		RetryEvery: 50 * time.Millisecond,
	}
}

func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	key = "callbridge:lock:" + key

	t := time.NewTicker(r.RetryEvery)
	defer t.Stop()
	for {
		ok, err := utils.TryAcquireLock(ctx, r.rdb, key, token, r.TTL)
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go r.keepAlive(key, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done

			relCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			err := utils.ReleaseLock(relCtx, r.rdb, key, token)
			if errors.Is(err, utils.ErrLockNotHeld) {
				r.log.Warn("permission lock expired before release", "key", key, "ttl", r.TTL)
				return
			}
			if err != nil {
				r.log.Error("permission lock release failed", "key", key, "err", err)
			}
		})
	}, nil
}

// keepAlive extends the lease until stop is closed or ownership is lost.
func (r *RedisLocker) keepAlive(key, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(r.TTL / 3)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), r.TTL/3)
		err := utils.ExtendLock(ctx, r.rdb, key, token, r.TTL)
		cancel()
		if errors.Is(err, utils.ErrLockNotHeld) {
			r.log.Warn("permission lock lost while held", "key", key, "ttl", r.TTL)
			return
		}
		if err != nil {
			// transient; the next tick retries while the current lease runs
			r.log.Warn("permission lock refresh failed", "key", key, "err", err)
		}
	}
}
