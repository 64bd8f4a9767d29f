package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	appErr "garame-service/pkg/errors"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker provides mutual exclusion keyed by an arbitrary string.
// A lease expires after its TTL so a crashed holder cannot block the key forever.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

type Lease interface {
	Key() string
	Release(ctx context.Context) error
}

var ErrNotHeld = errors.New("lock no longer held")

func SessionKey(sessionID string) string {
	return "garame:lock:session:" + sessionID
}

func timeoutErr(key string, wait time.Duration) error {
	return appErr.Concurrency(appErr.CodeLockTimeout, fmt.Sprintf("%s not acquired within %s", key, wait))
}

// RedisLocker implements Locker with SET NX PX and a random token per lease.
type RedisLocker struct {
	rdb           *redis.Client
	WaitTimeout   time.Duration
	RetryInterval time.Duration
}

func NewRedisLocker(rdb *redis.Client, wait time.Duration) *RedisLocker {
	return &RedisLocker{rdb: rdb, WaitTimeout: wait, RetryInterval: 25 * time.Millisecond}
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(l.WaitTimeout)
	for {
		ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return &redisLease{rdb: l.rdb, key: key, token: token}, nil
		}
		if !time.Now().Before(deadline) {
			return nil, timeoutErr(key, l.WaitTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.RetryInterval):
		}
	}
}

type redisLease struct {
	rdb   *redis.Client
	key   string
	token string
}

func (l *redisLease) Key() string { return l.key }

func (l *redisLease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// LocalLocker is an in-process Locker for single-node deployments and tests.
type LocalLocker struct {
	mu            sync.Mutex
	held          map[string]localHold
	WaitTimeout   time.Duration
	RetryInterval time.Duration
	now           func() time.Time
}

type localHold struct {
	token   uint64
	expires time.Time
}

func NewLocalLocker(wait time.Duration) *LocalLocker {
	return &LocalLocker{
		held:          make(map[string]localHold),
		WaitTimeout:   wait,
		RetryInterval: 5 * time.Millisecond,
		now:           time.Now,
	}
}

var localTokens struct {
	sync.Mutex
	next uint64
}

func nextToken() uint64 {
	localTokens.Lock()
	defer localTokens.Unlock()
	localTokens.next++
	return localTokens.next
}

func (l *LocalLocker) tryAcquire(key string, ttl time.Duration) (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if h, ok := l.held[key]; ok && now.Before(h.expires) {
		return 0, false
	}
	token := nextToken()
	l.held[key] = localHold{token: token, expires: now.Add(ttl)}
	return token, true
}

func (l *LocalLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	deadline := time.Now().Add(l.WaitTimeout)
	for {
		if token, ok := l.tryAcquire(key, ttl); ok {
			return &localLease{owner: l, key: key, token: token}, nil
		}
		if !time.Now().Before(deadline) {
			return nil, timeoutErr(key, l.WaitTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(l.RetryInterval):
		}
	}
}

type localLease struct {
	owner *LocalLocker
	key   string
	token uint64
}

func (l *localLease) Key() string { return l.key }

func (l *localLease) Release(context.Context) error {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()
	h, ok := l.owner.held[l.key]
	if !ok || h.token != l.token {
		return ErrNotHeld
	}
	delete(l.owner.held, l.key)
	return nil
}
