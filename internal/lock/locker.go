package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrNotObtained is returned when another holder kept the lock for the whole wait.
var ErrNotObtained = errors.New("lock: not obtained")

// Locker provides a Redis-backed distributed lock.
type Locker struct {
	Client       *redislock.Client
	RetryBackoff time.Duration
}

// New builds a Locker on top of an existing redis client.
func New(rdb redis.UniversalClient, retry time.Duration) Locker {
	return Locker{Client: redislock.New(rdb), RetryBackoff: retry}
}

// WithLock executes fn while holding a lock for the provided key. The lock is
// released automatically even if fn returns an error. Waiting stops at the
// context deadline or, without one, after ttl.
func (l Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	if l.Client == nil {
		return errors.New("lock: redis client not configured")
	}
	if fn == nil {
		return errors.New("lock: callback not provided")
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	retry := l.RetryBackoff
	if retry <= 0 {
		retry = 50 * time.Millisecond
	}

	held, err := l.Client.Obtain(ctx, key, ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(retry),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return fmt.Errorf("%w: %s", ErrNotObtained, key)
	}
	if err != nil {
		return fmt.Errorf("lock: obtain %s: %w", key, err)
	}
	defer func() { _ = held.Release(context.WithoutCancel(ctx)) }()
	return fn(ctx)
}
