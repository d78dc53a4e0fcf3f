// Package lock serialises payment work per order across gateway replicas.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired means another replica still owned the order after MaxWait.
var ErrNotAcquired = errors.New("lock: not acquired")

// Compare-and-act scripts: a lease is only touched by the token that took it.
var (
	releaseScript = redis.NewScript(`if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
end
return 0`)
	renewScript = redis.NewScript(`if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)
)

// Locker hands out Redis leases keyed by order. A lease is renewed while the callback runs, so a
// slow processor call cannot let a second callback for the same order in.
type Locker struct {
	R            redis.Cmdable
	RetryBackoff time.Duration
	// MaxWait bounds how long WithLock waits for a held lease. Zero waits until ctx is done.
	MaxWait time.Duration
}

// OrderKey is the lease key for one order.
func OrderKey(orderID string) string {
	return "lock:order:" + orderID
}

// WithLock runs fn while holding the lease on key and releases it afterwards.
func (l Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	if l.R == nil {
		return errors.New("lock: redis client not configured")
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	token, err := l.acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	defer l.release(key, token)

	renewCtx, stopRenew := context.WithCancel(ctx)
	defer stopRenew()
	go l.renew(renewCtx, key, token, ttl)

	return fn(ctx)
}

func (l Locker) acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	backoff := l.RetryBackoff
	if backoff <= 0 {
		backoff = 50 * time.Millisecond
	}
	var giveUp <-chan time.Time
	if l.MaxWait > 0 {
		t := time.NewTimer(l.MaxWait)
		defer t.Stop()
		giveUp = t.C
	}
	ticker := time.NewTicker(backoff)
	defer ticker.Stop()
	for {
		ok, err := l.R.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return "", fmt.Errorf("lock: acquire %s: %w", key, err)
		}
		if ok {
			return token, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-giveUp:
			return "", ErrNotAcquired
		case <-ticker.C:
		}
	}
}

// renew extends the lease every third of its ttl until ctx ends or the lease is lost.
func (l Locker) renew(ctx context.Context, key, token string, ttl time.Duration) {
	interval := ttl / 3
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
			n, err := renewScript.Run(ctx, l.R, []string{key}, token, ttl.Milliseconds()).Int()
			if err != nil || n == 0 {
				return
			}
		}
	}
}

func (l Locker) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = releaseScript.Run(ctx, l.R, []string{key}, token).Err()
}
