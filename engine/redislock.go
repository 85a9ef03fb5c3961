package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisLockTTL is how long an acquired redis lock survives a crashed
// holder before expiring on its own.
const DefaultRedisLockTTL = 5 * time.Minute

// releaseScript deletes the lock key only when it still carries this
// holder's token, so an expired-and-reacquired lock is never released by the
// previous holder.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLock implements LockBackend with SET NX and a TTL. Unlike session
// advisory locks it needs the TTL as a liveness guard: a crashed holder's
// lock expires instead of leaking.
type RedisLock struct {
	client redis.UniversalClient
	ttl    time.Duration

	pollInterval time.Duration

	mu     sync.Mutex
	tokens map[string]string
}

// RedisLockOption configures a RedisLock.
type RedisLockOption func(*RedisLock)

// WithRedisLockTTL overrides the lock expiry.
func WithRedisLockTTL(ttl time.Duration) RedisLockOption {
	return func(l *RedisLock) { l.ttl = ttl }
}

// NewRedisLock creates a redis lock backend.
func NewRedisLock(client redis.UniversalClient, opts ...RedisLockOption) *RedisLock {
	l := &RedisLock{
		client:       client,
		ttl:          DefaultRedisLockTTL,
		pollInterval: 250 * time.Millisecond,
		tokens:       make(map[string]string),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire sets the lock key if absent, retrying until the timeout elapses.
func (l *RedisLock) Acquire(ctx context.Context, name string, timeout time.Duration) (bool, error) {
	token := uuid.NewString()

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		ok, err := l.client.SetNX(ctx, name, token, l.ttl).Result()
		if err != nil {
			return false, fmt.Errorf("setnx %q: %w", name, err)
		}
		if ok {
			l.mu.Lock()
			l.tokens[name] = token
			l.mu.Unlock()
			return true, nil
		}
		if timeout == 0 || (timeout > 0 && time.Now().Add(l.pollInterval).After(deadline)) {
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(l.pollInterval):
		}
	}
}

// Release deletes the lock key when this backend still holds it.
func (l *RedisLock) Release(ctx context.Context, name string) error {
	l.mu.Lock()
	token, ok := l.tokens[name]
	delete(l.tokens, name)
	l.mu.Unlock()

	if !ok {
		return fmt.Errorf("release of unheld lock %q", name)
	}

	deleted, err := releaseScript.Run(ctx, l.client, []string{name}, token).Int()
	if err != nil {
		return fmt.Errorf("release lock %q: %w", name, err)
	}
	if deleted == 0 {
		return fmt.Errorf("lock %q expired before release", name)
	}
	return nil
}
