package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"accesscache/internal/access"
)

// Locker serializes rebuilds per scope. A full-store lock excludes every
// user lock; user locks of different users coexist. Acquire returns an
// error wrapping access.ErrScopeBusy when the scope cannot be taken.
type Locker interface {
	Acquire(ctx context.Context, scope access.Scope) (release func(context.Context) error, err error)
}

const (
	lockAllKey        = "accesscache:lock:all"
	lockUserKeyPrefix = "accesscache:lock:user:"
)

func lockKey(scope access.Scope) string {
	if scope.IsAll() {
		return lockAllKey
	}
	return lockUserKeyPrefix + strconv.FormatInt(scope.UserID, 10)
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// RedisLocker holds scope locks as Redis keys. A held key is re-armed every
// third of the ttl until it is released, so work may outlive the ttl. The
// ttl only bounds how long a crashed holder blocks others.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	// Poll is the interval at which a full-store acquire rechecks user locks.
	Poll time.Duration
}

func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	return &RedisLocker{client: client, ttl: ttl, Poll: 200 * time.Millisecond}
}

func (l *RedisLocker) Acquire(ctx context.Context, scope access.Scope) (func(context.Context) error, error) {
	key := lockKey(scope)
	token := uuid.NewString()

	if !scope.IsAll() {
		held, err := l.client.Exists(ctx, lockAllKey).Result()
		if err != nil {
			return nil, err
		}
		if held > 0 {
			return nil, fmt.Errorf("%w: full rebuild running", access.ErrScopeBusy)
		}
	}

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", access.ErrScopeBusy, scope)
	}
	release := l.hold(ctx, key, token)

	if !scope.IsAll() {
		// A full rebuild may have started between the check and the set.
		held, err := l.client.Exists(ctx, lockAllKey).Result()
		if err != nil || held > 0 {
			_ = release(context.WithoutCancel(ctx))
			if err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("%w: full rebuild running", access.ErrScopeBusy)
		}
		return release, nil
	}

	if err := l.waitUsersDrained(ctx); err != nil {
		_ = release(context.WithoutCancel(ctx))
		return nil, err
	}
	// The wait may have used most of the ttl; start the rebuild with all of it.
	if err := l.refresh(ctx, key, token); err != nil {
		_ = release(context.WithoutCancel(ctx))
		return nil, err
	}
	return release, nil
}

// hold starts the heartbeat for a freshly set key and returns its release.
// Release stops the heartbeat and deletes the key if we still own it.
func (l *RedisLocker) hold(ctx context.Context, key, token string) func(context.Context) error {
	hbCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.heartbeat(hbCtx, key, token)
	}()

	var once sync.Once
	var err error
	return func(ctx context.Context) error {
		once.Do(func() {
			stop()
			<-done
			err = releaseScript.Run(ctx, l.client, []string{key}, token).Err()
		})
		return err
	}
}

func (l *RedisLocker) heartbeat(ctx context.Context, key, token string) {
	interval := l.ttl / 3
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		// Transient errors retry on the next tick.
		if err := l.refresh(ctx, key, token); errors.Is(err, errLockLost) || ctx.Err() != nil {
			return
		}
	}
}

var errLockLost = errors.New("lock no longer held")

// refresh resets the key's ttl if it still carries token.
func (l *RedisLocker) refresh(ctx context.Context, key, token string) error {
	n, err := refreshScript.Run(ctx, l.client, []string{key}, token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return errLockLost
	}
	return nil
}

// waitUsersDrained blocks until no user lock is held, up to the lock ttl.
func (l *RedisLocker) waitUsersDrained(ctx context.Context) error {
	deadline := time.Now().Add(l.ttl)
	ticker := time.NewTicker(l.Poll)
	defer ticker.Stop()
	for {
		iter := l.client.Scan(ctx, 0, lockUserKeyPrefix+"*", 100).Iterator()
		busy := iter.Next(ctx)
		if err := iter.Err(); err != nil {
			return err
		}
		if !busy {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: user rebuild %s still running", access.ErrScopeBusy, iter.Val())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
